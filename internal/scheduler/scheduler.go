// Package scheduler runs the daily reminder pass: scan all customers,
// decide who needs a reminder today, and hand the work to the dispatch
// engine one customer at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/dispatch"
	"github.com/ncondori/wasub/internal/metrics"
	"github.com/ncondori/wasub/internal/store"
	"github.com/ncondori/wasub/internal/subscription"
)

// ErrPassRunning is returned when a trigger overlaps an in-flight pass.
// Overlapping triggers are dropped, not queued.
var ErrPassRunning = errors.New("reminder pass already running")

// reminderOffsets is the closed set of day offsets that trigger a
// reminder. No reminder is sent outside these four points.
var reminderOffsets = map[int]bool{3: true, 2: true, 1: true, 0: true}

// Dispatcher is the slice of the dispatch engine the scheduler uses.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// PassStats summarizes one completed pass.
type PassStats struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Counted    int       `json:"counted"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
}

// Scheduler owns the pass cadence and the no-overlap guard.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	tracker    *subscription.Tracker
	logger     *zap.Logger

	hour               int // local hour of the daily pass
	interCustomerDelay time.Duration

	running  atomic.Bool
	lastPass atomic.Pointer[PassStats]
}

// Config holds scheduler settings.
type Config struct {
	Hour               int
	InterCustomerDelay time.Duration
}

func New(st store.Store, d Dispatcher, tracker *subscription.Tracker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.InterCustomerDelay <= 0 {
		cfg.InterCustomerDelay = 2 * time.Second
	}
	return &Scheduler{
		store:              st,
		dispatcher:         d,
		tracker:            tracker,
		logger:             logger,
		hour:               cfg.Hour,
		interCustomerDelay: cfg.InterCustomerDelay,
	}
}

// Run fires one pass per calendar day at the configured hour until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.nextFireTime(time.Now())
		s.logger.Info("next reminder pass scheduled", zap.Time("at", next))

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-time.After(time.Until(next)):
			if _, err := s.RunPass(ctx); err != nil && !errors.Is(err, ErrPassRunning) {
				s.logger.Error("reminder pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) nextFireTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// LastPass returns the most recent pass summary, nil before the first.
func (s *Scheduler) LastPass() *PassStats {
	return s.lastPass.Load()
}

// Running reports whether a pass is currently in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// RunPass executes one scan-and-dispatch pass. A trigger that overlaps
// a running pass is a logged no-op returning ErrPassRunning.
func (s *Scheduler) RunPass(ctx context.Context) (*PassStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("reminder pass trigger ignored: pass in flight")
		return nil, ErrPassRunning
	}
	defer s.running.Store(false)

	stats := &PassStats{StartedAt: time.Now()}
	today := time.Now()

	customers, err := s.store.LoadCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}

	s.logger.Info("reminder pass started", zap.Int("customers", len(customers)))

	for i, c := range customers {
		stats.Counted++

		if c.Suspended() {
			stats.Skipped++
			continue
		}

		days := subscription.DaysToExpiry(c.ExpiryDate, today)
		if !reminderOffsets[days] {
			if err := s.tracker.ApplyStatus(ctx, c); err != nil {
				s.logger.Error("status refresh failed",
					zap.String("customer_id", c.ID.String()),
					zap.Error(err),
				)
			}
			stats.Skipped++
			continue
		}

		if alreadyRemindedToday(c, today) {
			stats.Skipped++
			continue
		}

		s.remind(ctx, c, days, today, stats)

		// Pacing between customers, same rationale as bulk sends.
		if i < len(customers)-1 {
			select {
			case <-ctx.Done():
				s.logger.Warn("reminder pass interrupted", zap.Int("remaining", len(customers)-i-1))
				return s.finish(stats), ctx.Err()
			case <-time.After(s.interCustomerDelay):
			}
		}
	}

	return s.finish(stats), nil
}

// remind dispatches one customer's reminder and updates the record on
// success. A failure is counted and logged; it never aborts the pass.
func (s *Scheduler) remind(ctx context.Context, c *store.Customer, days int, today time.Time, stats *PassStats) {
	req := dispatch.Request{
		TargetAddress: c.PhoneAddress,
		Body:          reminderBody(c, days),
		Kind:          dispatch.KindReminder,
		DedupKey:      fmt.Sprintf("%s:%s:%d", c.ID, c.ExpiryDate.Format("2006-01-02"), days),
		CreatedAt:     time.Now(),
	}

	_, err := s.dispatcher.Send(ctx, req)
	if err != nil {
		if errors.Is(err, dispatch.ErrDuplicateSuppressed) {
			stats.Skipped++
			return
		}
		stats.Failed++
		s.logger.Warn("reminder failed",
			zap.String("customer_id", c.ID.String()),
			zap.Int("days_to_expiry", days),
			zap.Error(err),
		)
		return
	}

	stats.Sent++

	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	c.LastReminderFor = &day
	if err := s.store.UpsertCustomer(ctx, c); err != nil {
		s.logger.Error("failed to stamp reminder date",
			zap.String("customer_id", c.ID.String()),
			zap.Error(err),
		)
	}
	if err := s.tracker.ApplyStatus(ctx, c); err != nil {
		s.logger.Error("status refresh failed",
			zap.String("customer_id", c.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) finish(stats *PassStats) *PassStats {
	stats.FinishedAt = time.Now()
	s.lastPass.Store(stats)
	metrics.RecordReminderPass(stats.Sent)
	s.logger.Info("reminder pass finished",
		zap.Int("counted", stats.Counted),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("took", stats.FinishedAt.Sub(stats.StartedAt)),
	)
	return stats
}

// alreadyRemindedToday is the local dedup fallback for when redis is
// unavailable: at most one reminder per customer per day.
func alreadyRemindedToday(c *store.Customer, today time.Time) bool {
	if c.LastReminderFor == nil {
		return false
	}
	lr := *c.LastReminderFor
	return lr.Year() == today.Year() && lr.YearDay() == today.YearDay()
}
