// Package chatsync is a local-first message synchronization engine for chat
// clients.
//
// It keeps each conversation's history in a durable local store, reconciles
// it with a remote message feed, and publishes a single deduplicated,
// time-ordered view to the UI. The network is allowed to be slow or absent:
// fetch failures read as "no new messages" and unsent messages stay pending.
//
// Example:
//
//	backend, _ := chatsync.OpenBackend(ctx, "sqlite", "./data/chat.db")
//	store := chatsync.NewMessageStore(backend, logger)
//	remote := chatsync.NewClient(
//		chatsync.WithBaseURL("https://chat.example.com"),
//		chatsync.WithTokenProvider(chatsync.StaticToken(token)),
//	)
//	engine := chatsync.NewEngine(store, remote, &chatsync.EngineOptions{SyncInterval: 30 * time.Second})
//	defer engine.Close()
//
//	engine.OnPublish(func(chatID string, msgs []chatsync.Message) { render(msgs) })
//	engine.OpenConversation(ctx, "1")
//	engine.SendMessage(ctx, "1", "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 8 << 20
)

// ============================================================================
// Credentials
// ============================================================================

// TokenProvider supplies the bearer credential for each request. An empty
// token is not an error; the request goes out without Authorization.
type TokenProvider interface {
	Token() string
}

// StaticToken is a fixed credential.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// TokenFunc adapts a function to TokenProvider, e.g. to read a token that is
// refreshed elsewhere.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// ============================================================================
// Remote
// ============================================================================

// Remote is what the Engine needs from the server side. Implementations
// must not fail past this boundary: FetchSince degrades to an empty slice and
// Push to false.
type Remote interface {
	FetchSince(ctx context.Context, chatID string, since int64) []Message
	Push(ctx context.Context, msg Message) bool
}

// Fetcher is implemented by remotes that can tell a failed fetch from an
// empty one. The Engine prefers it so a failure leaves the watermark alone.
type Fetcher interface {
	Fetch(ctx context.Context, chatID string, since int64) ([]Message, error)
}

var _ Fetcher = (*Client)(nil)

// ErrMalformed marks a response body that could not be decoded.
var ErrMalformed = errors.New("malformed response")

// StatusError is returned by Fetch for a non-success HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote message API over HTTP.
type Client struct {
	baseURL    string
	userAgent  string
	tokens     TokenProvider
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ Remote = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = p }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a remote client. Without WithTokenProvider requests are
// sent unauthenticated.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: "chatsync-go",
		tokens:    StaticToken(""),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With().Str("component", "remote").Logger()
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// ============================================================================
// Messages API
// ============================================================================

// Fetch requests messages for chatID newer than since (ms). Returned messages
// are normalized: ChatID is filled in, Synced is set, and entries that do not
// decode, lack an id or belong to another conversation are dropped.
func (c *Client) Fetch(ctx context.Context, chatID string, since int64) ([]Message, error) {
	path := "/api/messages/" + url.PathEscape(chatID)
	code, data, err := c.doRequest(ctx, http.MethodGet, path, nil, map[string]string{
		"since": strconv.FormatInt(since, 10),
	})
	if err != nil {
		return nil, err
	}
	if !isSuccess(code) {
		return nil, &StatusError{Code: code, Body: truncate(string(data), 200)}
	}

	env, err := decodeJSON[messagesEnvelope](data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := make([]Message, 0, len(env.Messages))
	for _, raw := range env.Messages {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn().Err(err).Str("chat_id", chatID).Msg("skipping malformed message")
			continue
		}
		if m.ID == "" {
			continue
		}
		if m.ChatID == "" {
			m.ChatID = chatID
		} else if m.ChatID != chatID {
			continue
		}
		m.Synced = true
		out = append(out, m)
	}
	return out, nil
}

// FetchSince is Fetch with failures folded into an empty result.
func (c *Client) FetchSince(ctx context.Context, chatID string, since int64) []Message {
	msgs, err := c.Fetch(ctx, chatID, since)
	if err != nil {
		fetchFailures.WithLabelValues(failureReason(err)).Inc()
		c.logger.Warn().Err(err).Str("chat_id", chatID).Int64("since", since).Msg("fetch failed, treating as no new messages")
		return []Message{}
	}
	messagesFetched.Add(float64(len(msgs)))
	return msgs
}

// Push delivers a locally authored message. It reports whether the remote
// accepted it.
func (c *Client) Push(ctx context.Context, msg Message) bool {
	code, data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", msg, nil)
	if err == nil && !isSuccess(code) {
		err = &StatusError{Code: code, Body: truncate(string(data), 200)}
	}
	if err != nil {
		pushesTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().Err(err).Str("chat_id", msg.ChatID).Str("message_id", msg.ID).Msg("push failed")
		return false
	}
	pushesTotal.WithLabelValues("ok").Inc()
	return true
}

func failureReason(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, ErrMalformed):
		return "decode"
	default:
		return "transport"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
