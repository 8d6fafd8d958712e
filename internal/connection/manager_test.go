package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/channel"
)

type stubDriver struct {
	events chan channel.Event
	starts atomic.Int64
}

func newStubDriver() *stubDriver {
	return &stubDriver{events: make(chan channel.Event, 16)}
}

func (d *stubDriver) Start(ctx context.Context) error {
	d.starts.Add(1)
	return nil
}

func (d *stubDriver) Events() <-chan channel.Event { return d.events }

func (d *stubDriver) SendText(ctx context.Context, address, body string) (string, error) {
	return "id", nil
}

func (d *stubDriver) SendMedia(ctx context.Context, address string, data []byte, filename, caption string) (string, error) {
	return "id", nil
}

func (d *stubDriver) Logout(ctx context.Context) error { return nil }

func startManager(t *testing.T, driver channel.Driver, reconnectDelay time.Duration) (*Manager, context.CancelFunc) {
	t.Helper()
	m := NewManager(driver, reconnectDelay, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	return m, cancel
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, still %s", want, m.State())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestManagerAuthFlow(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, time.Minute)
	defer cancel()

	m.Initialize(context.Background())

	driver.events <- channel.Event{Kind: channel.EventAuthChallenge, Challenge: "qr-data"}
	waitForState(t, m, StateAwaitingAuth)

	if h := m.Health(); h.AuthChallenge != "qr-data" {
		t.Errorf("challenge not exposed, got %q", h.AuthChallenge)
	}

	driver.events <- channel.Event{Kind: channel.EventConnected}
	waitForState(t, m, StateConnected)

	h := m.Health()
	if h.AuthChallenge != "" {
		t.Error("challenge must be cleared after connecting")
	}
	if h.ReconnectAttempts != 0 {
		t.Errorf("attempts should reset on connect, got %d", h.ReconnectAttempts)
	}
}

func TestManagerReconnectsAfterDisconnect(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, 10*time.Millisecond)
	defer cancel()

	m.Initialize(context.Background())
	driver.events <- channel.Event{Kind: channel.EventConnected}
	waitForState(t, m, StateConnected)

	startsBefore := driver.starts.Load()

	driver.events <- channel.Event{Kind: channel.EventDisconnected, Reason: "stream error"}
	waitForState(t, m, StateDisconnected)

	if h := m.Health(); h.LastDisconnect != "stream error" {
		t.Errorf("disconnect reason not recorded, got %q", h.LastDisconnect)
	}

	// The reconnect timer fires and calls the driver again.
	deadline := time.After(2 * time.Second)
	for driver.starts.Load() == startsBefore {
		select {
		case <-deadline:
			t.Fatal("no reconnect attempt observed")
		case <-time.After(time.Millisecond):
		}
	}

	if h := m.Health(); h.ReconnectAttempts == 0 {
		t.Error("reconnect attempts should be counted")
	}
}

func TestManagerReconnectAttemptsResetOnConnect(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, 5*time.Millisecond)
	defer cancel()

	m.Initialize(context.Background())
	driver.events <- channel.Event{Kind: channel.EventConnected}
	waitForState(t, m, StateConnected)

	driver.events <- channel.Event{Kind: channel.EventDisconnected, Reason: "drop"}
	waitForState(t, m, StateDisconnected)

	driver.events <- channel.Event{Kind: channel.EventConnected}
	waitForState(t, m, StateConnected)

	if h := m.Health(); h.ReconnectAttempts != 0 {
		t.Errorf("attempts should reset on connect, got %d", h.ReconnectAttempts)
	}
}

func TestManagerDoesNotRetryRejectedCredentials(t *testing.T) {
	var verifies atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifies.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	driver := channel.NewWhatsAppDriver(channel.WhatsAppConfig{
		Endpoint: srv.URL,
		PhoneID:  "12345",
		Token:    "revoked-token",
		Timeout:  time.Second,
	}, zap.NewNop())

	m, cancel := startManager(t, driver, 20*time.Millisecond)
	defer cancel()

	m.Initialize(context.Background())
	waitForState(t, m, StateDisconnected)

	// Several reconnect delays worth of waiting: the credentials must
	// not be re-verified.
	time.Sleep(200 * time.Millisecond)

	if got := verifies.Load(); got != 1 {
		t.Errorf("rejected credentials were re-verified %d times, want 1", got)
	}
	h := m.Health()
	if !h.AuthFailed {
		t.Error("credential rejection must be recorded on the session")
	}
	if h.ReconnectAttempts != 0 {
		t.Errorf("no reconnect attempts expected, got %d", h.ReconnectAttempts)
	}
}

func TestManagerInitializeClearsAuthFailure(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, 5*time.Millisecond)
	defer cancel()

	m.Initialize(context.Background())
	driver.events <- channel.Event{Kind: channel.EventAuthFailed, Reason: "auth rejected (status 401)"}
	waitForState(t, m, StateDisconnected)

	if !m.AuthFailed() {
		t.Fatal("auth failure must be flagged before the retry")
	}

	// The operator rotates the token and re-initializes by hand.
	m.Initialize(context.Background())
	driver.events <- channel.Event{Kind: channel.EventConnected}
	waitForState(t, m, StateConnected)

	if m.AuthFailed() {
		t.Error("auth failure flag must clear on the next cycle")
	}
}

func TestManagerLogoutIsTerminal(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, 5*time.Millisecond)
	defer cancel()

	m.Initialize(context.Background())
	driver.events <- channel.Event{Kind: channel.EventConnected}
	waitForState(t, m, StateConnected)

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if m.State() != StateLoggedOut {
		t.Fatalf("expected logged_out, got %s", m.State())
	}

	// A late disconnect event must not restart the reconnect cycle.
	driver.events <- channel.Event{Kind: channel.EventDisconnected, Reason: "late"}
	time.Sleep(50 * time.Millisecond)
	if m.State() != StateLoggedOut {
		t.Errorf("logout must be terminal, got %s", m.State())
	}
}

func TestManagerInitializeAfterLogoutStartsFreshSession(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, time.Minute)
	defer cancel()

	m.Initialize(context.Background())
	driver.events <- channel.Event{Kind: channel.EventConnected}
	waitForState(t, m, StateConnected)

	oldID := m.Health().ID
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	m.Initialize(context.Background())
	waitForState(t, m, StateInitializing)

	if m.Health().ID == oldID {
		t.Error("a new session identity is expected after logout")
	}
}

func TestManagerSubscribe(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, time.Minute)
	defer cancel()

	changes := m.Subscribe()
	m.Initialize(context.Background())
	driver.events <- channel.Event{Kind: channel.EventConnected}

	select {
	case change := <-changes:
		if change.To != StateConnected {
			t.Errorf("expected transition to connected, got %s", change.To)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state change delivered")
	}
}

func TestManagerDispatchesInboundMessages(t *testing.T) {
	driver := newStubDriver()
	m, cancel := startManager(t, driver, time.Minute)
	defer cancel()

	got := make(chan [2]string, 1)
	m.OnMessage(func(from, body string) {
		got <- [2]string{from, body}
	})

	driver.events <- channel.Event{Kind: channel.EventMessageReceived, From: "51987654321@c.us", Body: "hola"}

	select {
	case msg := <-got:
		if msg[0] != "51987654321@c.us" || msg[1] != "hola" {
			t.Errorf("unexpected message: %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not delivered")
	}
}
