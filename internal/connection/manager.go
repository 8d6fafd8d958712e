// Package connection owns the channel session lifecycle: one session
// per process, a small state machine driven by channel driver events,
// and autonomous reconnection with a constant backoff delay.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/channel"
	"github.com/ncondori/wasub/internal/metrics"
)

// State represents the session's position in the connection lifecycle.
//
// State transitions:
//
//	Initializing -> AwaitingAuth:  driver issued a pairing challenge
//	Initializing -> Connected:     driver connected without pairing
//	AwaitingAuth -> Connected:     challenge consumed
//	Connected    -> Disconnected:  link lost; reconnect is scheduled
//	any          -> Disconnected:  credentials rejected; no reconnect,
//	                               only a fresh Initialize recovers
//	Disconnected -> AwaitingAuth | Connected: reconnect outcome
//	any          -> LoggedOut:     explicit operator teardown
type State int

const (
	StateInitializing State = iota
	StateAwaitingAuth
	StateConnected
	StateDisconnected
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Session is the single channel session. Only the Manager mutates it.
type Session struct {
	ID                string    `json:"id"`
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	AuthChallenge     string    `json:"auth_challenge,omitempty"`
	AuthFailed        bool      `json:"auth_failed,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastDisconnect    string    `json:"last_disconnect_reason,omitempty"`
}

// StateChange is published to subscribers on every transition.
type StateChange struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// MessageHandler receives inbound channel messages.
type MessageHandler func(from, body string)

// Manager drives the session state machine.
type Manager struct {
	mu             sync.Mutex
	driver         channel.Driver
	logger         *zap.Logger
	reconnectDelay time.Duration

	session        Session
	startInFlight  bool
	reconnectTimer *time.Timer

	subscribers []chan StateChange
	onMessage   []MessageHandler
}

// NewManager creates the process's connection manager. One instance per
// process; it exclusively owns the session.
func NewManager(driver channel.Driver, reconnectDelay time.Duration, logger *zap.Logger) *Manager {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Manager{
		driver:         driver,
		logger:         logger,
		reconnectDelay: reconnectDelay,
		session: Session{
			ID:              uuid.NewString(),
			State:           StateInitializing,
			LastStateChange: time.Now(),
		},
	}
}

// Subscribe registers a state-change listener. Deliveries never block:
// a slow subscriber misses transitions rather than stalling the manager.
func (m *Manager) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, 8)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// OnMessage registers an inbound-message handler.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	m.onMessage = append(m.onMessage, h)
	m.mu.Unlock()
}

// Run consumes driver events until ctx is cancelled. Call once.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connection manager stopping")
			return
		case ev := <-m.driver.Events():
			m.handleEvent(ev)
		}
	}
}

// Initialize begins the authentication cycle. Idempotent: concurrent
// calls collapse into the in-flight attempt. After a logout it starts a
// fresh session with a new identity.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.startInFlight || m.session.State == StateConnected {
		m.mu.Unlock()
		return
	}
	if m.session.State == StateLoggedOut {
		m.session = Session{
			ID:              uuid.NewString(),
			State:           StateInitializing,
			LastStateChange: time.Now(),
		}
	}
	m.session.AuthFailed = false
	m.startInFlight = true
	m.mu.Unlock()

	go func() {
		err := m.driver.Start(ctx)

		m.mu.Lock()
		m.startInFlight = false
		stalled := err != nil && m.session.State != StateConnected && m.session.State != StateLoggedOut
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("channel start failed", zap.Error(err))
		}
		// Drivers normally report failure through a disconnected event;
		// if none arrived, fall back to scheduling the retry here.
		// Rejected credentials are terminal for the cycle: only a fresh
		// Initialize retries them.
		if stalled && !errors.Is(err, channel.ErrAuthRejected) {
			m.scheduleReconnect()
		}
	}()
}

// Logout tears the session down. Terminal until the next Initialize.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.transitionLocked(StateLoggedOut, "operator logout")
	m.mu.Unlock()

	return m.driver.Logout(ctx)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// AuthFailed reports whether the current session ended in a credential
// rejection. Cleared by the next Initialize or a successful connect.
func (m *Manager) AuthFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AuthFailed
}

// Health returns a read-only snapshot of the session for diagnostics.
func (m *Manager) Health() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.session
	snap.StateName = snap.State.String()
	return snap
}

func (m *Manager) handleEvent(ev channel.Event) {
	switch ev.Kind {
	case channel.EventAuthChallenge:
		m.mu.Lock()
		m.session.AuthChallenge = ev.Challenge
		m.transitionLocked(StateAwaitingAuth, "challenge issued")
		m.mu.Unlock()
		m.logger.Info("auth challenge issued")

	case channel.EventConnected:
		m.mu.Lock()
		m.session.AuthChallenge = ""
		m.session.AuthFailed = false
		m.session.ReconnectAttempts = 0
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.transitionLocked(StateConnected, "connected")
		m.mu.Unlock()
		m.logger.Info("channel connected")

	case channel.EventDisconnected:
		m.mu.Lock()
		if m.session.State == StateLoggedOut {
			m.mu.Unlock()
			return
		}
		m.session.LastDisconnect = ev.Reason
		m.transitionLocked(StateDisconnected, ev.Reason)
		m.mu.Unlock()
		m.logger.Warn("channel disconnected", zap.String("reason", ev.Reason))
		m.scheduleReconnect()

	case channel.EventAuthFailed:
		m.mu.Lock()
		if m.session.State == StateLoggedOut {
			m.mu.Unlock()
			return
		}
		m.session.AuthFailed = true
		m.session.AuthChallenge = ""
		m.session.LastDisconnect = ev.Reason
		m.transitionLocked(StateDisconnected, ev.Reason)
		m.mu.Unlock()
		m.logger.Error("channel authentication failed, not retrying", zap.String("reason", ev.Reason))
		metrics.RecordAuthFailure()

	case channel.EventMessageReceived:
		m.mu.Lock()
		handlers := make([]MessageHandler, len(m.onMessage))
		copy(handlers, m.onMessage)
		m.mu.Unlock()
		for _, h := range handlers {
			h(ev.From, ev.Body)
		}
	}
}

// scheduleReconnect arms a single constant-delay retry. Attempts are
// unbounded; the business depends on channel availability. Auth
// failures never reconnect.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State == StateLoggedOut || m.session.AuthFailed || m.reconnectTimer != nil {
		return
	}

	m.logger.Info("scheduling reconnect",
		zap.Duration("delay", m.reconnectDelay),
		zap.Int("attempts", m.session.ReconnectAttempts),
	)

	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.session.State != StateDisconnected || m.session.AuthFailed {
			m.mu.Unlock()
			return
		}
		m.session.ReconnectAttempts++
		attempts := m.session.ReconnectAttempts
		m.mu.Unlock()

		m.logger.Info("reconnect attempt", zap.Int("attempt", attempts))
		m.Initialize(context.Background())
	})
}

// transitionLocked changes state and fans out (must hold mu).
func (m *Manager) transitionLocked(to State, reason string) {
	from := m.session.State
	if from == to {
		return
	}
	m.session.State = to
	m.session.LastStateChange = time.Now()

	change := StateChange{From: from, To: to, Reason: reason, At: m.session.LastStateChange}
	for _, sub := range m.subscribers {
		select {
		case sub <- change:
		default:
		}
	}
}
