package dispatch

import "errors"

// Error kinds surfaced by the engine. Callers branch with errors.Is;
// the string form of each kind keys health and metrics counters.
var (
	// ErrChannelUnavailable: the connection is not in the connected
	// state. Sends fail fast rather than queueing.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrInvalidAddress: target address failed normalization.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrAuthenticationFailed: the channel rejected or expired the
	// pairing challenge.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDeliveryFailed: driver-level transport error.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrDuplicateSuppressed: the dedup key was already served within
	// the dedup window.
	ErrDuplicateSuppressed = errors.New("duplicate suppressed")
)

// ErrorKind returns the counter key for an engine error.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrChannelUnavailable):
		return "channel_unavailable"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrDuplicateSuppressed):
		return "duplicate_suppressed"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	default:
		return "unknown"
	}
}
