// Package subscription derives lifecycle status from expiry dates and
// persists the result. Suspension is operator-owned and overrides the
// derived status until explicitly cleared.
package subscription

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/store"
)

// ExpiringWindowDays is the near-expiry window: 0..3 days out counts as
// expiring.
const ExpiringWindowDays = 3

// DaysToExpiry returns the whole-day distance from today to expiry,
// negative once past. Both dates are truncated to UTC midnight first so
// time-of-day never shifts the bucket.
func DaysToExpiry(expiry, today time.Time) int {
	e := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(t) / (24 * time.Hour))
}

// DeriveStatus maps an expiry date to a lifecycle status. It never
// produces the suspended status; that is set only by operator action.
func DeriveStatus(expiry, today time.Time) string {
	days := DaysToExpiry(expiry, today)
	switch {
	case days < 0:
		return store.StatusExpired
	case days <= ExpiringWindowDays:
		return store.StatusExpiring
	default:
		return store.StatusActive
	}
}

// Tracker recomputes and persists customer statuses.
type Tracker struct {
	store  store.Store
	logger *zap.Logger
}

func NewTracker(st store.Store, logger *zap.Logger) *Tracker {
	return &Tracker{store: st, logger: logger}
}

// ApplyStatus recomputes the customer's status from its expiry date and
// persists it. Suspended customers are left untouched.
func (t *Tracker) ApplyStatus(ctx context.Context, c *store.Customer) error {
	if c.Suspended() {
		return nil
	}

	derived := DeriveStatus(c.ExpiryDate, time.Now())
	if derived == c.Status {
		return nil
	}

	prev := c.Status
	c.Status = derived
	if err := t.store.UpsertCustomer(ctx, c); err != nil {
		c.Status = prev
		return fmt.Errorf("persist status: %w", err)
	}

	t.logger.Info("customer status updated",
		zap.String("customer_id", c.ID.String()),
		zap.String("from", prev),
		zap.String("to", derived),
	)
	return nil
}

// Suspend sets operator suspension with a reason. While suspended, the
// derived status is not applied and the customer receives no messages.
func (t *Tracker) Suspend(ctx context.Context, c *store.Customer, reason string) error {
	c.Status = store.StatusSuspended
	c.SuspensionReason = &reason
	if err := t.store.UpsertCustomer(ctx, c); err != nil {
		return fmt.Errorf("persist suspension: %w", err)
	}
	t.logger.Info("customer suspended",
		zap.String("customer_id", c.ID.String()),
		zap.String("reason", reason),
	)
	return nil
}

// Reactivate clears suspension and restores the date-derived status.
func (t *Tracker) Reactivate(ctx context.Context, c *store.Customer) error {
	c.SuspensionReason = nil
	c.Status = DeriveStatus(c.ExpiryDate, time.Now())
	if err := t.store.UpsertCustomer(ctx, c); err != nil {
		return fmt.Errorf("persist reactivation: %w", err)
	}
	t.logger.Info("customer reactivated", zap.String("customer_id", c.ID.String()))
	return nil
}
