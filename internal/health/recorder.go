// Package health aggregates in-process counters and rolling statistics
// for self-diagnosis: connection uptime, send success rate, response
// latency and a bounded recent-error ring. Writes are fire-and-forget
// and never fail the operation that triggered them.
package health

import (
	"sync"
	"time"
)

const (
	latencyWindow   = 100 // rolling average over the last N sends
	recentErrorsCap = 50
)

// RecentError is one entry of the bounded error ring.
type RecentError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is the read-only diagnostics view.
type Snapshot struct {
	StartedAt        time.Time        `json:"started_at"`
	Connected        bool             `json:"connected"`
	UptimePercent    float64          `json:"uptime_percent"`
	StateTransitions int64            `json:"state_transitions"`
	SendsOK          int64            `json:"sends_ok"`
	SendsFailed      int64            `json:"sends_failed"`
	SuccessRate      float64          `json:"success_rate"`
	AvgLatencyMs     float64          `json:"avg_latency_ms"`
	ErrorsByKind     map[string]int64 `json:"errors_by_kind"`
	RecentErrors     []RecentError    `json:"recent_errors"`
}

// Recorder is the append-and-aggregate sink.
type Recorder struct {
	mu sync.Mutex

	startedAt      time.Time
	connectedSince time.Time // zero while disconnected
	connectedTotal time.Duration

	stateTransitions int64
	sendsOK          int64
	sendsFailed      int64

	latencies [latencyWindow]time.Duration
	latIdx    int
	latCount  int

	errorsByKind map[string]int64
	recentErrors []RecentError
	errIdx       int
}

// NewRecorder creates a recorder anchored at now.
func NewRecorder() *Recorder {
	return &Recorder{
		startedAt:    time.Now(),
		errorsByKind: make(map[string]int64),
	}
}

// RecordStateChange notes a connection state transition.
func (r *Recorder) RecordStateChange(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stateTransitions++
	now := time.Now()

	if connected {
		if r.connectedSince.IsZero() {
			r.connectedSince = now
		}
		return
	}
	if !r.connectedSince.IsZero() {
		r.connectedTotal += now.Sub(r.connectedSince)
		r.connectedSince = time.Time{}
	}
}

// RecordSend notes one dispatch that reached the channel, with its
// round-trip latency.
func (r *Recorder) RecordSend(ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok {
		r.sendsOK++
	} else {
		r.sendsFailed++
	}

	r.latencies[r.latIdx] = latency
	r.latIdx = (r.latIdx + 1) % latencyWindow
	if r.latCount < latencyWindow {
		r.latCount++
	}
}

// RecordSendRejected notes a dispatch that failed before reaching the
// channel. It counts against the success rate but takes no latency
// sample: a rejection has no round trip to measure.
func (r *Recorder) RecordSendRejected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sendsFailed++
}

// RecordError appends to the bounded error ring, keyed by kind.
func (r *Recorder) RecordError(kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errorsByKind[kind]++

	entry := RecentError{Kind: kind, Message: message, At: time.Now()}
	if len(r.recentErrors) < recentErrorsCap {
		r.recentErrors = append(r.recentErrors, entry)
	} else {
		r.recentErrors[r.errIdx] = entry
		r.errIdx = (r.errIdx + 1) % recentErrorsCap
	}
}

// Snapshot returns the current aggregates.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	connected := !r.connectedSince.IsZero()

	uptime := r.connectedTotal
	if connected {
		uptime += now.Sub(r.connectedSince)
	}
	elapsed := now.Sub(r.startedAt)
	uptimePct := 0.0
	if elapsed > 0 {
		uptimePct = 100 * float64(uptime) / float64(elapsed)
	}

	total := r.sendsOK + r.sendsFailed
	successRate := 0.0
	if total > 0 {
		successRate = 100 * float64(r.sendsOK) / float64(total)
	}

	var latSum time.Duration
	for i := 0; i < r.latCount; i++ {
		latSum += r.latencies[i]
	}
	avgLatencyMs := 0.0
	if r.latCount > 0 {
		avgLatencyMs = float64(latSum.Milliseconds()) / float64(r.latCount)
	}

	errorsByKind := make(map[string]int64, len(r.errorsByKind))
	for k, v := range r.errorsByKind {
		errorsByKind[k] = v
	}
	recent := make([]RecentError, len(r.recentErrors))
	copy(recent, r.recentErrors)

	return Snapshot{
		StartedAt:        r.startedAt,
		Connected:        connected,
		UptimePercent:    uptimePct,
		StateTransitions: r.stateTransitions,
		SendsOK:          r.sendsOK,
		SendsFailed:      r.sendsFailed,
		SuccessRate:      successRate,
		AvgLatencyMs:     avgLatencyMs,
		ErrorsByKind:     errorsByKind,
		RecentErrors:     recent,
	}
}
