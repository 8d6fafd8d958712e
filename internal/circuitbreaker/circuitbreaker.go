// Package circuitbreaker protects a flaky downstream dependency by
// failing fast once it starts erroring, then probing for recovery.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker.
//
//	Closed -> Open:     failure count reaches the threshold
//	Open -> HalfOpen:   recovery timeout elapsed, one probe allowed
//	HalfOpen -> Closed: probe succeeded
//	HalfOpen -> Open:   probe failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	Name            string
	MaxFailures     int           // consecutive failures before opening
	RecoveryTimeout time.Duration // wait in Open before a probe
}

// Breaker guards calls to one dependency.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// New creates a breaker with defaults filled in.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{config: cfg, logger: logger, state: StateClosed}
}

// Do runs fn through the breaker. While open it returns ErrOpen without
// invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// CurrentState returns the breaker's state for diagnostics.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.probing = true
			b.logger.Info("circuit breaker probing",
				zap.String("name", b.config.Name))
			return true
		}
		return false
	case StateHalfOpen:
		// One probe at a time.
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.state = StateClosed
		b.logger.Info("circuit breaker closed",
			zap.String("name", b.config.Name))
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	b.probing = false

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.state = StateOpen
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failures))
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("circuit breaker re-opened after failed probe",
			zap.String("name", b.config.Name))
	}
}
