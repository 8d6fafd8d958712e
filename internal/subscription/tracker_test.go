package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/store"
)

type recordingStore struct {
	store.Store
	upserts   int
	upsertErr error
}

func (s *recordingStore) UpsertCustomer(ctx context.Context, c *store.Customer) error {
	s.upserts++
	return s.upsertErr
}

func day(offset int) time.Time {
	return time.Now().AddDate(0, 0, offset)
}

func TestDaysToExpiry(t *testing.T) {
	today := time.Date(2026, 8, 28, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expiry time.Time
		want   int
	}{
		{"same day", time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC), 0},
		{"tomorrow late evening", time.Date(2026, 8, 29, 23, 59, 0, 0, time.UTC), 1},
		{"three days out", time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), 3},
		{"yesterday", time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysToExpiry(tt.expiry, today); got != tt.want {
				t.Errorf("DaysToExpiry = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	today := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expiry time.Time
		want   string
	}{
		{"far future", today.AddDate(0, 1, 0), store.StatusActive},
		{"window upper bound", today.AddDate(0, 0, 4), store.StatusActive},
		{"three days", today.AddDate(0, 0, 3), store.StatusExpiring},
		{"expires today", today, store.StatusExpiring},
		{"already past", today.AddDate(0, 0, -1), store.StatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.expiry, today); got != tt.want {
				t.Errorf("DeriveStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyStatusPersistsChange(t *testing.T) {
	st := &recordingStore{}
	tracker := NewTracker(st, zap.NewNop())

	c := &store.Customer{ID: uuid.New(), ExpiryDate: day(2), Status: store.StatusActive}
	if err := tracker.ApplyStatus(context.Background(), c); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if c.Status != store.StatusExpiring {
		t.Errorf("expected status %q, got %q", store.StatusExpiring, c.Status)
	}
	if st.upserts != 1 {
		t.Errorf("expected 1 upsert, got %d", st.upserts)
	}
}

func TestApplyStatusIdempotent(t *testing.T) {
	st := &recordingStore{}
	tracker := NewTracker(st, zap.NewNop())

	c := &store.Customer{ID: uuid.New(), ExpiryDate: day(30), Status: store.StatusActive}

	// Unchanged status must not touch the store.
	if err := tracker.ApplyStatus(context.Background(), c); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if st.upserts != 0 {
		t.Errorf("no upsert expected for an unchanged status, got %d", st.upserts)
	}
}

func TestApplyStatusSkipsSuspended(t *testing.T) {
	st := &recordingStore{}
	tracker := NewTracker(st, zap.NewNop())

	c := &store.Customer{ID: uuid.New(), ExpiryDate: day(-10), Status: store.StatusSuspended}
	if err := tracker.ApplyStatus(context.Background(), c); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if c.Status != store.StatusSuspended {
		t.Errorf("suspended status must be preserved, got %q", c.Status)
	}
	if st.upserts != 0 {
		t.Errorf("no upsert expected, got %d", st.upserts)
	}
}

func TestApplyStatusRevertsOnPersistError(t *testing.T) {
	st := &recordingStore{upsertErr: errors.New("db down")}
	tracker := NewTracker(st, zap.NewNop())

	c := &store.Customer{ID: uuid.New(), ExpiryDate: day(-5), Status: store.StatusActive}
	if err := tracker.ApplyStatus(context.Background(), c); err == nil {
		t.Fatal("expected an error")
	}
	if c.Status != store.StatusActive {
		t.Errorf("in-memory status must revert on persist failure, got %q", c.Status)
	}
}

func TestSuspendAndReactivate(t *testing.T) {
	st := &recordingStore{}
	tracker := NewTracker(st, zap.NewNop())
	ctx := context.Background()

	c := &store.Customer{ID: uuid.New(), ExpiryDate: day(30), Status: store.StatusActive}

	if err := tracker.Suspend(ctx, c, "no payment"); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	if c.Status != store.StatusSuspended {
		t.Errorf("expected suspended, got %q", c.Status)
	}
	if c.SuspensionReason == nil || *c.SuspensionReason != "no payment" {
		t.Error("suspension reason not recorded")
	}

	if err := tracker.Reactivate(ctx, c); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	if c.Status != store.StatusActive {
		t.Errorf("expected derived status %q after reactivation, got %q", store.StatusActive, c.Status)
	}
	if c.SuspensionReason != nil {
		t.Error("suspension reason must be cleared")
	}
}
