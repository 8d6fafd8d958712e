// Package channel defines the messaging-channel driver boundary: the
// event stream the driver emits and the send operations it exposes.
// The connection manager's state machine consumes the events; the
// dispatch engine consumes the send operations.
package channel

import (
	"context"
	"errors"
)

// ErrAuthRejected reports rejected, revoked or expired credentials.
// Callers must not retry automatically; a fresh session is required.
var ErrAuthRejected = errors.New("channel credentials rejected")

// EventKind enumerates everything a driver can report.
type EventKind int

const (
	EventAuthChallenge EventKind = iota // a new QR-style challenge was issued
	EventConnected
	EventDisconnected
	EventAuthFailed // credentials rejected; terminal for the connection cycle
	EventMessageReceived
)

func (k EventKind) String() string {
	switch k {
	case EventAuthChallenge:
		return "auth_challenge"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailed:
		return "auth_failed"
	case EventMessageReceived:
		return "message_received"
	default:
		return "unknown"
	}
}

// Event is a single driver notification. Only the fields relevant to
// the Kind are populated.
type Event struct {
	Kind      EventKind
	Challenge string // EventAuthChallenge: opaque payload to render for the operator
	Reason    string // EventDisconnected, EventAuthFailed
	From      string // EventMessageReceived: sender address
	Body      string // EventMessageReceived
}

// Driver is the channel implementation boundary. Start begins the
// authentication/connection cycle; progress is reported on Events.
// Addresses passed to the send methods are already in canonical form.
type Driver interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	SendText(ctx context.Context, address, body string) (messageID string, err error)
	SendMedia(ctx context.Context, address string, data []byte, filename, caption string) (messageID string, err error)
	Logout(ctx context.Context) error
}
