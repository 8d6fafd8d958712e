package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WhatsAppConfig holds WhatsApp Business Cloud API settings.
type WhatsAppConfig struct {
	Endpoint string // e.g. "https://graph.facebook.com/v18.0"
	PhoneID  string // business phone number ID
	Token    string // bearer access token
	Timeout  time.Duration
}

// WhatsAppDriver talks to the WhatsApp Business Cloud API.
//
// The Cloud API has no QR pairing step, so this driver never emits an
// auth challenge: Start verifies the token against the phone-number
// endpoint and reports connected or a terminal auth failure. Transport
// errors during sends are surfaced as disconnected events so the
// connection manager can drive its reconnect cycle.
type WhatsAppDriver struct {
	config     WhatsAppConfig
	httpClient *http.Client
	events     chan Event
	logger     *zap.Logger
}

// NewWhatsAppDriver creates a Cloud API driver.
func NewWhatsAppDriver(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppDriver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WhatsAppDriver{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		events:     make(chan Event, 16),
		logger:     logger,
	}
}

// outboundMessage is the Cloud API message envelope.
type outboundMessage struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textContent  `json:"text,omitempty"`
	Document         *mediaContent `json:"document,omitempty"`
}

type textContent struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type mediaContent struct {
	Data     string `json:"data"` // base64 payload
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// APIError is a structured Cloud API error response.
type APIError struct {
	ErrorInfo struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api error: %s (code %d, type %s)",
		e.ErrorInfo.Message, e.ErrorInfo.Code, e.ErrorInfo.Type)
}

// Start verifies credentials and reports the result on the event stream.
func (d *WhatsAppDriver) Start(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", d.config.Endpoint, d.config.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.config.Token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
		return fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		d.logger.Error("whatsapp credentials rejected", zap.Int("status", resp.StatusCode))
		d.emit(Event{Kind: EventAuthFailed, Reason: fmt.Sprintf("auth rejected (status %d)", resp.StatusCode)})
		return fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		d.emit(Event{Kind: EventDisconnected, Reason: fmt.Sprintf("verify status %d", resp.StatusCode)})
		return fmt.Errorf("whatsapp verify: unexpected status %d", resp.StatusCode)
	}

	d.emit(Event{Kind: EventConnected})
	return nil
}

func (d *WhatsAppDriver) Events() <-chan Event {
	return d.events
}

// SendText delivers a text message and returns the API message id.
func (d *WhatsAppDriver) SendText(ctx context.Context, address, body string) (string, error) {
	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               bareNumber(address),
		Type:             "text",
		Text:             &textContent{Body: body},
	}
	return d.post(ctx, msg)
}

// SendMedia delivers a binary attachment with an optional caption.
func (d *WhatsAppDriver) SendMedia(ctx context.Context, address string, data []byte, filename, caption string) (string, error) {
	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               bareNumber(address),
		Type:             "document",
		Document: &mediaContent{
			Data:     base64.StdEncoding.EncodeToString(data),
			Filename: filename,
			Caption:  caption,
		},
	}
	return d.post(ctx, msg)
}

// Logout invalidates the session. The Cloud API token is stateless, so
// this only closes the event stream consumers' view of the driver.
func (d *WhatsAppDriver) Logout(ctx context.Context) error {
	d.logger.Info("whatsapp driver logout")
	return nil
}

func (d *WhatsAppDriver) post(ctx context.Context, msg outboundMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", d.config.Endpoint, d.config.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.config.Token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// Transport failure: the connection manager should know.
		d.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
		return "", fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr APIError
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.ErrorInfo.Message != "" {
			return "", &apiErr
		}
		return "", fmt.Errorf("send failed: status %d: %s", resp.StatusCode, string(respBody))
	}

	var sendResp sendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(sendResp.Messages) == 0 {
		return "", fmt.Errorf("no message id in response")
	}

	return sendResp.Messages[0].ID, nil
}

// emit never blocks a caller: events dropped under backpressure are
// logged, not queued.
func (d *WhatsAppDriver) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("dropping channel event", zap.String("kind", ev.Kind.String()))
	}
}

// bareNumber strips the channel suffix for the wire format, which wants
// digits only.
func bareNumber(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}
