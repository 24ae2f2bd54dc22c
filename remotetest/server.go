// Package remotetest is an in-memory implementation of the chatsync remote
// API. It backs the package tests and cmd/chatsync-server.
package remotetest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/chatsync"
)

// DemoQuietPeriod is how long a demo chat stays silent after a fetch.
const DemoQuietPeriod = 30 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithToken requires every request to carry this bearer token.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger enables request logging.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithDemoFeed makes fetches for the given chats produce one synthetic
// incoming message whenever the requested watermark is at least
// DemoQuietPeriod old.
func WithDemoFeed(chatIDs ...string) Option {
	return func(s *Server) {
		for _, id := range chatIDs {
			s.demo[id] = true
		}
	}
}

// WithWebhook POSTs every accepted message to url, signed with secret.
func WithWebhook(url, secret string) Option {
	return func(s *Server) {
		s.webhookURL = url
		s.webhookSecret = secret
	}
}

// Server holds messages per conversation and serves them over HTTP and
// WebSocket.
type Server struct {
	token  string
	logger zerolog.Logger
	now    func() time.Time
	demo   map[string]bool

	webhookURL    string
	webhookSecret string
	httpClient    *http.Client

	mu       sync.Mutex
	messages map[string][]chatsync.Message
	failNext int
	fetches  int
	pushes   int

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}

	router chi.Router
}

type subscriber struct {
	conn *websocket.Conn

	mu    sync.Mutex
	chats map[string]bool
}

func (sub *subscriber) joined(chatID string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.chats[chatID]
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   zerolog.Nop(),
		now:      time.Now,
		demo:     make(map[string]bool),
		messages: make(map[string][]chatsync.Message),
		subs:     make(map[*subscriber]struct{}),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/api/messages/{chatID}", s.handleFetch)
		r.Post("/api/messages", s.handlePush)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Add stores messages as if they had been posted by other clients and
// broadcasts them to subscribers.
func (s *Server) Add(msgs ...chatsync.Message) {
	for _, m := range msgs {
		m.Synced = false
		s.store(m)
		s.publish(m)
	}
}

// Messages returns what the server holds for chatID, oldest first.
func (s *Server) Messages(chatID string) []chatsync.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatsync.Message, len(s.messages[chatID]))
	copy(out, s.messages[chatID])
	return out
}

// FailNext makes the next n API requests answer 500.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Fetches returns how many fetch requests were served.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Pushes returns how many push requests were accepted.
func (s *Server) Pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		since = 0
	}
	if s.shouldFail() {
		writeError(w, http.StatusInternalServerError, "injected failure")
		return
	}

	if s.demo[chatID] && s.now().Sub(time.UnixMilli(since)) >= DemoQuietPeriod {
		m := chatsync.Message{
			ID:        "demo-" + uuid.NewString(),
			ChatID:    chatID,
			Sender:    chatsync.SenderOther,
			Content:   "Just looked at your code, one small suggestion",
			Timestamp: s.now().UnixMilli(),
		}
		s.store(m)
		s.publish(m)
	}

	s.mu.Lock()
	s.fetches++
	out := make([]chatsync.Message, 0)
	for _, m := range s.messages[chatID] {
		if m.Timestamp > since {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.shouldFail() {
		writeError(w, http.StatusInternalServerError, "injected failure")
		return
	}

	var m chatsync.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	if m.ID == "" || m.ChatID == "" || strings.TrimSpace(m.Content) == "" {
		writeError(w, http.StatusBadRequest, "id, chatId and content are required")
		return
	}
	m.Synced = false

	s.mu.Lock()
	s.pushes++
	s.mu.Unlock()
	s.store(m)
	s.publish(m)

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Query().Get("token") != s.token {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	sub := &subscriber{conn: conn, chats: make(map[string]bool)}

	ctx := r.Context()
	if err := s.send(ctx, sub, chatsync.EventAuthenticated, map[string]string{}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	defer func() {
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			RequestID string          `json:"requestId"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}

		switch cmd.Type {
		case chatsync.CommandJoin:
			var p struct {
				ChatID string `json:"chatId"`
			}
			if json.Unmarshal(cmd.Payload, &p) == nil && p.ChatID != "" {
				sub.mu.Lock()
				sub.chats[p.ChatID] = true
				sub.mu.Unlock()
			}
		case chatsync.CommandPing:
			s.send(ctx, sub, chatsync.EventPong, chatsync.PongPayload{RequestID: cmd.RequestID})
		default:
			s.send(ctx, sub, chatsync.EventError, map[string]string{"message": "unknown command " + cmd.Type})
		}
	}
}

// ============================================================================
// Internals
// ============================================================================

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

// store upserts m by id and keeps the conversation ordered by timestamp.
func (s *Server) store(m chatsync.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[m.ChatID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return
		}
	}
	msgs = append(msgs, m)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	s.messages[m.ChatID] = msgs
}

// publish fans an accepted message out to WebSocket subscribers and the
// webhook, if configured.
func (s *Server) publish(m chatsync.Message) {
	s.broadcast(m)
	if s.webhookURL != "" {
		s.notify(m)
	}
}

func (s *Server) notify(m chatsync.Message) {
	body, err := json.Marshal(chatsync.WebhookPayload{
		Event:     chatsync.EventMessageNew,
		Timestamp: s.now().UnixMilli(),
		Message:   m,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid webhook url")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(chatsync.SignatureHeader, chatsync.SignWebhook(body, s.webhookSecret))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", s.webhookURL).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn().Int("status", resp.StatusCode).Str("url", s.webhookURL).Msg("webhook rejected")
	}
}

func (s *Server) broadcast(m chatsync.Message) {
	s.subsMu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		if sub.joined(m.ChatID) {
			targets = append(targets, sub)
		}
	}
	s.subsMu.Unlock()

	for _, sub := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.send(ctx, sub, chatsync.EventMessageNew, m); err != nil {
			s.logger.Debug().Err(err).Str("chat_id", m.ChatID).Msg("broadcast failed")
		}
		cancel()
	}
}

func (s *Server) send(ctx context.Context, sub *subscriber, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(chatsync.RealtimeEnvelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	return sub.conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
