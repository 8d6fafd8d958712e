// Package dispatch sends individual and bulk messages through the
// channel, enforcing pacing and recording per-attempt outcomes.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/channel"
	"github.com/ncondori/wasub/internal/connection"
	"github.com/ncondori/wasub/internal/health"
	"github.com/ncondori/wasub/internal/metrics"
	"github.com/ncondori/wasub/internal/rediskv"
	"github.com/ncondori/wasub/internal/store"
)

// Request kinds
const (
	KindReminder  = "reminder"
	KindBulk      = "bulk"
	KindAdhoc     = "adhoc"
	KindAutoReply = "auto_reply"
)

// Request is a unit of outbound work, consumed exactly once.
type Request struct {
	TargetAddress string
	Body          string
	Kind          string
	DedupKey      string // optional, e.g. customerID:expiry:offset
	CreatedAt     time.Time
}

// Result is the per-attempt outcome of a Request.
type Result struct {
	Target    string // canonical address, empty if normalization failed
	MessageID string
	Sent      bool
	Err       error
	Latency   time.Duration
}

// Attachment carries a binary payload in transport-neutral encoding.
type Attachment struct {
	DataBase64 string
	Filename   string
	Caption    string
}

// BulkJob is a batch of sends sharing one pacing policy. Already-sent
// items are never rolled back.
type BulkJob struct {
	Targets            []string
	Body               string
	Personalize        func(target string) string // overrides Body when set
	InterDispatchDelay time.Duration
}

// TargetResult is one line of a bulk summary.
type TargetResult struct {
	Target string `json:"target"`
	Sent   bool   `json:"sent"`
	Error  string `json:"error,omitempty"`
}

// BulkSummary aggregates a finished BulkJob.
type BulkSummary struct {
	Results []TargetResult `json:"results"`
	Sent    int            `json:"sent"`
	Failed  int            `json:"failed"`
}

// StateSource reports the current connection state. Satisfied by the
// connection manager.
type StateSource interface {
	State() connection.State
	AuthFailed() bool
}

// Engine is the single dispatch path to the channel. An internal mutex
// serializes driver access: no two components may issue sends
// concurrently on the one physical connection.
type Engine struct {
	sendMu sync.Mutex

	driver     channel.Driver
	conn       StateSource
	normalizer AddressNormalizer
	deduper    *rediskv.Deduper  // nil disables dedup
	throttle   *rediskv.Throttle // nil disables throughput limiting
	store      store.Store
	recorder   *health.Recorder
	logger     *zap.Logger

	defaultDelay time.Duration
}

// Config holds engine construction parameters.
type Config struct {
	Normalizer         AddressNormalizer
	InterDispatchDelay time.Duration
}

// NewEngine creates the process's dispatch engine. Deduper and throttle
// may be nil when redis is unavailable; the engine degrades to
// pacing-only operation.
func NewEngine(
	driver channel.Driver,
	conn StateSource,
	st store.Store,
	recorder *health.Recorder,
	deduper *rediskv.Deduper,
	throttle *rediskv.Throttle,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.InterDispatchDelay <= 0 {
		cfg.InterDispatchDelay = 2 * time.Second
	}
	return &Engine{
		driver:       driver,
		conn:         conn,
		normalizer:   cfg.Normalizer,
		deduper:      deduper,
		throttle:     throttle,
		store:        st,
		recorder:     recorder,
		logger:       logger,
		defaultDelay: cfg.InterDispatchDelay,
	}
}

// Send dispatches one request. It fails fast with ErrChannelUnavailable
// while not connected and never retries within the call; retry, if any,
// is the caller's responsibility.
func (e *Engine) Send(ctx context.Context, req Request) (Result, error) {
	target, err := e.normalizer.Normalize(req.TargetAddress)
	if err != nil {
		e.reject("", req, err)
		return Result{Err: err}, err
	}

	if err := e.checkConnected(); err != nil {
		e.reject(target, req, err)
		return Result{Target: target, Err: err}, err
	}

	if req.DedupKey != "" && e.deduper != nil {
		if err := e.deduper.Reserve(ctx, req.DedupKey); err != nil {
			if errors.Is(err, rediskv.ErrDuplicate) {
				dupErr := fmt.Errorf("%w: key %s", ErrDuplicateSuppressed, req.DedupKey)
				e.recorder.RecordError(ErrorKind(dupErr), dupErr.Error())
				metrics.RecordError(ErrorKind(dupErr))
				return Result{Target: target, Err: dupErr}, dupErr
			}
			// Redis trouble must not block the business channel.
			e.logger.Warn("dedup reserve failed, sending anyway", zap.Error(err))
		}
	}

	if err := e.waitForThrottle(ctx); err != nil {
		e.reject(target, req, err)
		return Result{Target: target, Err: err}, err
	}

	e.sendMu.Lock()
	start := time.Now()
	messageID, sendErr := e.driver.SendText(ctx, target, req.Body)
	latency := time.Since(start)
	e.sendMu.Unlock()

	if sendErr != nil {
		err := fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
		if req.DedupKey != "" && e.deduper != nil {
			// Free the key so a later pass can retry this reminder.
			if relErr := e.deduper.Release(ctx, req.DedupKey); relErr != nil {
				e.logger.Warn("dedup release failed", zap.Error(relErr))
			}
		}
		e.fail(target, req, latency, err)
		return Result{Target: target, Err: err, Latency: latency}, err
	}

	e.succeed(target, req, messageID, latency)
	return Result{Target: target, MessageID: messageID, Sent: true, Latency: latency}, nil
}

// SendWithAttachment behaves like Send but carries a binary payload
// plus a caption.
func (e *Engine) SendWithAttachment(ctx context.Context, req Request, att Attachment) (Result, error) {
	data, err := base64.StdEncoding.DecodeString(att.DataBase64)
	if err != nil {
		err = fmt.Errorf("decode attachment: %w", err)
		return Result{Err: err}, err
	}

	target, err := e.normalizer.Normalize(req.TargetAddress)
	if err != nil {
		e.reject("", req, err)
		return Result{Err: err}, err
	}

	if err := e.checkConnected(); err != nil {
		e.reject(target, req, err)
		return Result{Target: target, Err: err}, err
	}

	if err := e.waitForThrottle(ctx); err != nil {
		e.reject(target, req, err)
		return Result{Target: target, Err: err}, err
	}

	e.sendMu.Lock()
	start := time.Now()
	messageID, sendErr := e.driver.SendMedia(ctx, target, data, att.Filename, att.Caption)
	latency := time.Since(start)
	e.sendMu.Unlock()

	if sendErr != nil {
		err := fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
		e.fail(target, req, latency, err)
		return Result{Target: target, Err: err, Latency: latency}, err
	}

	e.succeed(target, req, messageID, latency)
	return Result{Target: target, MessageID: messageID, Sent: true, Latency: latency}, nil
}

// SendBulk works through the targets strictly in order, sleeping the
// job's inter-dispatch delay after each attempt except the last, and
// continues past individual failures.
func (e *Engine) SendBulk(ctx context.Context, job BulkJob) BulkSummary {
	delay := job.InterDispatchDelay
	if delay <= 0 {
		delay = e.defaultDelay
	}

	summary := BulkSummary{Results: make([]TargetResult, 0, len(job.Targets))}

	for i, target := range job.Targets {
		body := job.Body
		if job.Personalize != nil {
			body = job.Personalize(target)
		}

		_, err := e.Send(ctx, Request{
			TargetAddress: target,
			Body:          body,
			Kind:          KindBulk,
			CreatedAt:     time.Now(),
		})

		if err != nil {
			summary.Failed++
			summary.Results = append(summary.Results, TargetResult{Target: target, Error: err.Error()})
		} else {
			summary.Sent++
			summary.Results = append(summary.Results, TargetResult{Target: target, Sent: true})
		}

		if i < len(job.Targets)-1 {
			select {
			case <-ctx.Done():
				e.logger.Warn("bulk job interrupted", zap.Int("remaining", len(job.Targets)-i-1))
				return summary
			case <-time.After(delay):
			}
		}
	}

	e.logger.Info("bulk job finished",
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
	)
	return summary
}

// waitForThrottle blocks until the outbound throughput limiter admits
// one more send. This is a deliberate throughput governor, not an
// incidental sleep.
func (e *Engine) waitForThrottle(ctx context.Context) error {
	if e.throttle == nil {
		return nil
	}
	for {
		res, err := e.throttle.Allow(ctx)
		if err != nil {
			e.logger.Warn("throttle check failed, sending anyway", zap.Error(err))
			return nil
		}
		if res.Allowed {
			return nil
		}
		metrics.RecordThrottleRejection()

		wait := time.Until(res.ResetAt)
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// checkConnected gates every dispatch on the session state. A session
// that died on rejected credentials reports ErrAuthenticationFailed so
// callers know a reconnect will not fix it.
func (e *Engine) checkConnected() error {
	state := e.conn.State()
	if state == connection.StateConnected {
		return nil
	}
	if e.conn.AuthFailed() {
		return fmt.Errorf("%w: connection state %s", ErrAuthenticationFailed, state)
	}
	return fmt.Errorf("%w: connection state %s", ErrChannelUnavailable, state)
}

func (e *Engine) succeed(target string, req Request, messageID string, latency time.Duration) {
	e.logger.Info("message sent",
		zap.String("target", target),
		zap.String("kind", req.Kind),
		zap.Duration("latency", latency),
	)
	e.recorder.RecordSend(true, latency)
	metrics.RecordDispatch(req.Kind, true, latency)
	e.appendLog(target, req, true, "", latency)
}

// fail records a delivery that reached the driver and came back with an
// error; the measured round trip feeds the latency views.
func (e *Engine) fail(target string, req Request, latency time.Duration, err error) {
	e.logger.Warn("message failed",
		zap.String("target", target),
		zap.String("kind", req.Kind),
		zap.Error(err),
	)
	e.recorder.RecordSend(false, latency)
	e.recorder.RecordError(ErrorKind(err), err.Error())
	metrics.RecordDispatch(req.Kind, false, latency)
	metrics.RecordError(ErrorKind(err))
	e.appendLog(target, req, false, err.Error(), latency)
}

// reject records a dispatch that never reached the driver. No latency
// sample: only real round trips feed the rolling average.
func (e *Engine) reject(target string, req Request, err error) {
	e.logger.Warn("message rejected",
		zap.String("target", target),
		zap.String("kind", req.Kind),
		zap.Error(err),
	)
	e.recorder.RecordSendRejected()
	e.recorder.RecordError(ErrorKind(err), err.Error())
	metrics.RecordDispatchRejected(req.Kind)
	metrics.RecordError(ErrorKind(err))
	e.appendLog(target, req, false, err.Error(), 0)
}

// appendLog writes the message log entry. Best effort: a store error
// never fails the dispatch that triggered it.
func (e *Engine) appendLog(target string, req Request, sent bool, errMsg string, latency time.Duration) {
	if e.store == nil {
		return
	}
	rec := &store.MessageRecord{
		ID:        uuid.New(),
		Target:    target,
		Kind:      req.Kind,
		Body:      req.Body,
		Sent:      sent,
		Error:     errMsg,
		Latency:   latency,
		CreatedAt: time.Now(),
	}
	if err := e.store.AppendMessage(context.Background(), rec); err != nil {
		e.logger.Error("failed to append message log", zap.Error(err))
	}
}
