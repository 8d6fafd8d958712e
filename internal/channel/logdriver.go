package channel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogDriver is a stand-in driver for development and tests: it logs
// sends instead of delivering them and walks the full pairing flow
// (challenge, then connected) so the connection manager can be
// exercised without a real account.
type LogDriver struct {
	logger    *zap.Logger
	events    chan Event
	connected atomic.Bool

	// FailSends makes every send return an error, for failure-path tests.
	FailSends bool
}

func NewLogDriver(logger *zap.Logger) *LogDriver {
	return &LogDriver{
		logger: logger,
		events: make(chan Event, 16),
	}
}

func (d *LogDriver) Start(ctx context.Context) error {
	d.events <- Event{Kind: EventAuthChallenge, Challenge: "dev-qr-" + uuid.NewString()}
	d.events <- Event{Kind: EventConnected}
	d.connected.Store(true)
	return nil
}

func (d *LogDriver) Events() <-chan Event {
	return d.events
}

func (d *LogDriver) SendText(ctx context.Context, address, body string) (string, error) {
	if d.FailSends {
		return "", fmt.Errorf("simulated send failure")
	}
	d.logger.Info("log driver send",
		zap.String("address", address),
		zap.Int("body_len", len(body)),
	)
	return uuid.NewString(), nil
}

func (d *LogDriver) SendMedia(ctx context.Context, address string, data []byte, filename, caption string) (string, error) {
	if d.FailSends {
		return "", fmt.Errorf("simulated send failure")
	}
	d.logger.Info("log driver media send",
		zap.String("address", address),
		zap.String("filename", filename),
		zap.Int("bytes", len(data)),
	)
	return uuid.NewString(), nil
}

func (d *LogDriver) Logout(ctx context.Context) error {
	d.connected.Store(false)
	d.logger.Info("log driver logout")
	return nil
}

// Inject pushes a synthetic event, letting tests and the dev API drive
// disconnects and inbound messages.
func (d *LogDriver) Inject(ev Event) {
	d.events <- ev
}
