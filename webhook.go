package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

const maxWebhookBytes = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is what a remote POSTs when it accepts a message.
type WebhookPayload struct {
	Event     string  `json:"event"` // EventMessageNew
	Timestamp int64   `json:"timestamp"`
	Message   Message `json:"message"`
}

// IncomingSink receives messages delivered outside the sync cycle. *Engine
// implements it.
type IncomingSink interface {
	HandleIncoming(ctx context.Context, chatID string, msgs []Message)
}

var _ IncomingSink = (*Engine)(nil)

// ============================================================================
// Signing
// ============================================================================

// SignWebhook returns the "sha256=<hex>" signature of body.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks signature against body in constant time. The
// "sha256=" prefix is optional.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignWebhook(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload decodes and validates a webhook body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Event != EventMessageNew {
		return nil, fmt.Errorf("unsupported webhook event %q", payload.Event)
	}
	if payload.Message.ID == "" || payload.Message.ChatID == "" {
		return nil, fmt.Errorf("webhook message needs id and chatId")
	}
	return &payload, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies signed deliveries and hands their messages to a sink.
type Webhook struct {
	secret string
	sink   IncomingSink
	logger zerolog.Logger
}

// NewWebhook creates a receiver. The secret is required.
func NewWebhook(secret string, sink IncomingSink, logger zerolog.Logger) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	return &Webhook{
		secret: secret,
		sink:   sink,
		logger: logger.With().Str("component", "webhook").Logger(),
	}, nil
}

// Handle processes one delivery and returns the status code and response
// body for the caller to write.
func (w *Webhook) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	// Whatever the remote announces it has already accepted.
	m := payload.Message
	m.Synced = true
	w.sink.HandleIncoming(ctx, m.ChatID, []Message{m})
	w.logger.Debug().Str("chat_id", m.ChatID).Str("message_id", m.ID).Msg("webhook delivery applied")
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP accepts POSTed deliveries.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	r.Body.Close()
	if err != nil {
		writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	status, data := w.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	writeWebhookJSON(rw, status, data)
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
