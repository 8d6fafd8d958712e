package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/channel"
	"github.com/ncondori/wasub/internal/connection"
	"github.com/ncondori/wasub/internal/health"
	"github.com/ncondori/wasub/internal/rediskv"
	"github.com/ncondori/wasub/internal/store"
)

type fakeDriver struct {
	mu      sync.Mutex
	events  chan channel.Event
	sent    []string
	failFor map[string]bool
	failAll bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		events:  make(chan channel.Event, 16),
		failFor: make(map[string]bool),
	}
}

func (d *fakeDriver) Start(ctx context.Context) error { return nil }

func (d *fakeDriver) Events() <-chan channel.Event { return d.events }

func (d *fakeDriver) Logout(ctx context.Context) error { return nil }

func (d *fakeDriver) SendText(ctx context.Context, address, body string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, address)
	if d.failAll || d.failFor[address] {
		return "", fmt.Errorf("driver send failed")
	}
	return fmt.Sprintf("msg-%d", len(d.sent)), nil
}

func (d *fakeDriver) SendMedia(ctx context.Context, address string, data []byte, filename, caption string) (string, error) {
	return d.SendText(ctx, address, filename)
}

func (d *fakeDriver) sentTo() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}

type fakeState struct {
	state      connection.State
	authFailed bool
}

func (f *fakeState) State() connection.State { return f.state }

func (f *fakeState) AuthFailed() bool { return f.authFailed }

func newTestEngine(t *testing.T, driver *fakeDriver, st connection.State, deduper *rediskv.Deduper) (*Engine, store.Store) {
	t.Helper()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "wasub.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	engine := NewEngine(driver, &fakeState{state: st}, fs, health.NewRecorder(), deduper, nil, Config{
		Normalizer:         AddressNormalizer{CountryCode: "51", Suffix: "@c.us"},
		InterDispatchDelay: time.Millisecond,
	}, zap.NewNop())
	return engine, fs
}

func setupDeduper(t *testing.T) *rediskv.Deduper {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("bad miniredis port: %v", err)
	}
	client, err := rediskv.New(context.Background(), rediskv.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return rediskv.NewDeduper(client, zap.NewNop())
}

func TestSend(t *testing.T) {
	driver := newFakeDriver()
	engine, fs := newTestEngine(t, driver, connection.StateConnected, nil)

	res, err := engine.Send(context.Background(), Request{
		TargetAddress: "987654321",
		Body:          "hola",
		Kind:          KindAdhoc,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !res.Sent {
		t.Error("result should be marked sent")
	}
	if res.Target != "51987654321@c.us" {
		t.Errorf("expected canonical target, got %q", res.Target)
	}
	if res.MessageID == "" {
		t.Error("expected a message ID")
	}

	// The attempt must be in the message log.
	records, err := fs.ListMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 message record, got %d", len(records))
	}
	if !records[0].Sent || records[0].Target != "51987654321@c.us" {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestSendFailsFastWhenNotConnected(t *testing.T) {
	driver := newFakeDriver()
	engine, _ := newTestEngine(t, driver, connection.StateDisconnected, nil)

	_, err := engine.Send(context.Background(), Request{TargetAddress: "987654321", Body: "x"})
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if len(driver.sentTo()) != 0 {
		t.Error("driver must not be touched while disconnected")
	}
}

func TestSendSurfacesAuthFailure(t *testing.T) {
	driver := newFakeDriver()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "wasub.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	engine := NewEngine(driver, &fakeState{state: connection.StateDisconnected, authFailed: true}, fs, health.NewRecorder(), nil, nil, Config{
		Normalizer:         AddressNormalizer{CountryCode: "51", Suffix: "@c.us"},
		InterDispatchDelay: time.Millisecond,
	}, zap.NewNop())

	_, err = engine.Send(context.Background(), Request{TargetAddress: "987654321", Body: "x"})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if len(driver.sentTo()) != 0 {
		t.Error("driver must not be touched after an auth failure")
	}
}

func TestRejectedSendTakesNoLatencySample(t *testing.T) {
	driver := newFakeDriver()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "wasub.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	recorder := health.NewRecorder()
	engine := NewEngine(driver, &fakeState{state: connection.StateDisconnected}, fs, recorder, nil, nil, Config{
		Normalizer:         AddressNormalizer{CountryCode: "51", Suffix: "@c.us"},
		InterDispatchDelay: time.Millisecond,
	}, zap.NewNop())

	// Seed one real round trip, then fast-fail: the average must stay
	// pinned to the real sample instead of being dragged toward zero.
	recorder.RecordSend(true, 200*time.Millisecond)

	if _, err := engine.Send(context.Background(), Request{TargetAddress: "987654321", Body: "x"}); !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}

	snap := recorder.Snapshot()
	if snap.SendsFailed != 1 {
		t.Errorf("rejection must count as a failed send, got %d", snap.SendsFailed)
	}
	if snap.AvgLatencyMs != 200 {
		t.Errorf("average latency skewed by the rejection: got %.2f, want 200", snap.AvgLatencyMs)
	}
}

func TestSendInvalidAddress(t *testing.T) {
	driver := newFakeDriver()
	engine, _ := newTestEngine(t, driver, connection.StateConnected, nil)

	_, err := engine.Send(context.Background(), Request{TargetAddress: "12", Body: "x"})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestSendDeliveryFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.failAll = true
	engine, fs := newTestEngine(t, driver, connection.StateConnected, nil)

	_, err := engine.Send(context.Background(), Request{TargetAddress: "987654321", Body: "x", Kind: KindAdhoc})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	records, _ := fs.ListMessages(context.Background(), 10)
	if len(records) != 1 || records[0].Sent {
		t.Errorf("failure must be logged unsent, got %+v", records)
	}
}

func TestSendDedupSuppressesSecondAttempt(t *testing.T) {
	driver := newFakeDriver()
	engine, _ := newTestEngine(t, driver, connection.StateConnected, setupDeduper(t))

	req := Request{TargetAddress: "987654321", Body: "recordatorio", Kind: KindReminder, DedupKey: "cust-1:2026-09-01:3"}

	if _, err := engine.Send(context.Background(), req); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	_, err := engine.Send(context.Background(), req)
	if !errors.Is(err, ErrDuplicateSuppressed) {
		t.Fatalf("expected ErrDuplicateSuppressed, got %v", err)
	}
	if got := len(driver.sentTo()); got != 1 {
		t.Errorf("expected exactly 1 driver send, got %d", got)
	}
}

func TestSendDedupReleasedOnFailure(t *testing.T) {
	driver := newFakeDriver()
	engine, _ := newTestEngine(t, driver, connection.StateConnected, setupDeduper(t))

	req := Request{TargetAddress: "987654321", Body: "recordatorio", Kind: KindReminder, DedupKey: "cust-1:2026-09-01:2"}

	driver.failAll = true
	if _, err := engine.Send(context.Background(), req); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	// The key was released, so a later pass can retry the same reminder.
	driver.failAll = false
	if _, err := engine.Send(context.Background(), req); err != nil {
		t.Fatalf("retry after failure should succeed, got %v", err)
	}
}

func TestSendBulkContinuesPastFailures(t *testing.T) {
	driver := newFakeDriver()
	driver.failFor["51911111111@c.us"] = true
	engine, _ := newTestEngine(t, driver, connection.StateConnected, nil)

	summary := engine.SendBulk(context.Background(), BulkJob{
		Targets:            []string{"911111111", "922222222", "933333333"},
		Body:               "aviso",
		InterDispatchDelay: time.Millisecond,
	})

	if summary.Sent != 2 || summary.Failed != 1 {
		t.Fatalf("expected sent=2 failed=1, got sent=%d failed=%d", summary.Sent, summary.Failed)
	}
	if len(summary.Results) != 3 {
		t.Fatalf("every target needs a result line, got %d", len(summary.Results))
	}

	// Strict ordering: targets attempted in input order.
	want := []string{"51911111111@c.us", "51922222222@c.us", "51933333333@c.us"}
	got := driver.sentTo()
	if len(got) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSendBulkPersonalize(t *testing.T) {
	driver := newFakeDriver()
	engine, fs := newTestEngine(t, driver, connection.StateConnected, nil)

	summary := engine.SendBulk(context.Background(), BulkJob{
		Targets:            []string{"911111111", "922222222"},
		Body:               "generic",
		Personalize:        func(target string) string { return "hola " + target },
		InterDispatchDelay: time.Millisecond,
	})
	if summary.Sent != 2 {
		t.Fatalf("expected 2 sent, got %d", summary.Sent)
	}

	records, _ := fs.ListMessages(context.Background(), 10)
	for _, rec := range records {
		if rec.Body == "generic" {
			t.Errorf("personalized body expected, got %q", rec.Body)
		}
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrChannelUnavailable, "channel_unavailable"},
		{fmt.Errorf("wrapped: %w", ErrInvalidAddress), "invalid_address"},
		{ErrAuthenticationFailed, "authentication_failed"},
		{ErrDuplicateSuppressed, "duplicate_suppressed"},
		{ErrDeliveryFailed, "delivery_failed"},
		{errors.New("anything else"), "unknown"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
