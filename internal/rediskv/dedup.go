package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupWindow is how long a served dedup key blocks re-dispatch.
// Reminder keys encode the customer, expiry date and trigger offset, so
// 24 hours covers a full scheduler day including manual re-runs.
const DedupWindow = 24 * time.Hour

// ErrDuplicate indicates the dedup key was already served in-window.
var ErrDuplicate = errors.New("dedup key already served")

// Deduper guards dispatch requests against duplicate delivery using
// SET NX with a TTL window.
type Deduper struct {
	client *Client
	window time.Duration
	logger *zap.Logger
}

// NewDeduper creates a dedup guard with the default window.
func NewDeduper(client *Client, logger *zap.Logger) *Deduper {
	return &Deduper{client: client, window: DedupWindow, logger: logger}
}

func (d *Deduper) buildKey(dedupKey string) string {
	return fmt.Sprintf("dedup:%s", dedupKey)
}

// Reserve atomically claims a dedup key. Returns ErrDuplicate when the
// key was already claimed inside the window.
func (d *Deduper) Reserve(ctx context.Context, dedupKey string) error {
	key := d.buildKey(dedupKey)

	set, err := d.client.rdb.SetNX(ctx, key, time.Now().Format(time.RFC3339), d.window).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		d.logger.Debug("duplicate dispatch suppressed", zap.String("dedup_key", dedupKey))
		return ErrDuplicate
	}
	return nil
}

// Release frees a reserved key, used when the send it guarded failed so
// a later pass can retry the same logical reminder.
func (d *Deduper) Release(ctx context.Context, dedupKey string) error {
	if err := d.client.rdb.Del(ctx, d.buildKey(dedupKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
