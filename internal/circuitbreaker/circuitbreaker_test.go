package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func newTestBreaker(maxFailures int, recovery time.Duration) *Breaker {
	return New(Config{Name: "test", MaxFailures: maxFailures, RecoveryTimeout: recovery}, zap.NewNop())
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(3, time.Second)
	if b.CurrentState() != StateClosed {
		t.Fatalf("expected closed, got %s", b.CurrentState())
	}
}

func TestBreaker_PassesThroughWhenClosed(t *testing.T) {
	b := newTestBreaker(3, time.Second)

	calls := 0
	for i := 0; i < 10; i++ {
		if err := b.Do(func() error { calls++; return nil }); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if calls != 10 {
		t.Errorf("expected 10 invocations, got %d", calls)
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := newTestBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected errBoom, got %v", i, err)
		}
	}
	if b.CurrentState() != StateOpen {
		t.Fatalf("expected open, got %s", b.CurrentState())
	}

	// Open breaker fails fast without invoking fn.
	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_RecoversThroughProbe(t *testing.T) {
	b := newTestBreaker(2, 20*time.Millisecond)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	if b.CurrentState() != StateOpen {
		t.Fatalf("expected open, got %s", b.CurrentState())
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe should pass through, got %v", err)
	}
	if b.CurrentState() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.CurrentState())
	}
}

func TestBreaker_ReopensOnFailedProbe(t *testing.T) {
	b := newTestBreaker(2, 20*time.Millisecond)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })

	time.Sleep(30 * time.Millisecond)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe should pass through, got %v", err)
	}
	if b.CurrentState() != StateOpen {
		t.Fatalf("expected re-open after failed probe, got %s", b.CurrentState())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Second)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })

	if b.CurrentState() != StateClosed {
		t.Fatalf("interleaved success must reset the count, got %s", b.CurrentState())
	}
}
