package rediskv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestDeduper(t *testing.T) (*Deduper, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	deduper := NewDeduper(client, zap.NewNop())

	return deduper, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestDeduper_ReserveOnce(t *testing.T) {
	deduper, _, cleanup := setupTestDeduper(t)
	defer cleanup()

	ctx := context.Background()

	if err := deduper.Reserve(ctx, "cust-1:2026-09-01:3"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	err := deduper.Reserve(ctx, "cust-1:2026-09-01:3")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second reserve: expected ErrDuplicate, got %v", err)
	}
}

func TestDeduper_SeparateKeys(t *testing.T) {
	deduper, _, cleanup := setupTestDeduper(t)
	defer cleanup()

	ctx := context.Background()

	if err := deduper.Reserve(ctx, "cust-1:2026-09-01:3"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	// Different offset for the same customer is a different reminder.
	if err := deduper.Reserve(ctx, "cust-1:2026-09-01:2"); err != nil {
		t.Fatalf("reserve of distinct key failed: %v", err)
	}
}

func TestDeduper_Release(t *testing.T) {
	deduper, _, cleanup := setupTestDeduper(t)
	defer cleanup()

	ctx := context.Background()

	if err := deduper.Reserve(ctx, "cust-2:2026-09-01:1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := deduper.Release(ctx, "cust-2:2026-09-01:1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := deduper.Reserve(ctx, "cust-2:2026-09-01:1"); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestDeduper_WindowExpiry(t *testing.T) {
	deduper, mr, cleanup := setupTestDeduper(t)
	defer cleanup()

	ctx := context.Background()

	if err := deduper.Reserve(ctx, "cust-3:2026-09-01:0"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	mr.FastForward(DedupWindow + time.Minute)

	if err := deduper.Reserve(ctx, "cust-3:2026-09-01:0"); err != nil {
		t.Fatalf("reserve after window expiry failed: %v", err)
	}
}
