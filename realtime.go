package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// Event types.
const (
	EventAuthenticated = "authenticated"
	EventMessageNew    = "message.new"
	EventPong          = "pong"
	EventError         = "error"

	CommandJoin = "conversation.join"
	CommandPing = "ping"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures RealtimeClient.
type RealtimeConfig struct {
	Tokens               TokenProvider
	AutoReconnect        bool
	MaxReconnectAttempts int // negative retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Tokens == nil {
		c.Tokens = StaticToken("")
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	RealtimeDisconnected RealtimeState = "disconnected"
	RealtimeConnecting   RealtimeState = "connecting"
	RealtimeConnected    RealtimeState = "connected"
	RealtimeReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential backoff with up to 50% jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient receives pushed messages over a WebSocket with auto-reconnect
// and heartbeat. It is an optional accelerator for the periodic sync, which
// stays the source of truth.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	logger           zerolog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
	joined           map[string]bool

	handlersMu     sync.RWMutex
	onMessage      []func(Message)
	onConnected    []func()
	onDisconnected []func(code int, reason string)
}

// NewRealtimeClient creates a client for baseURL (http or https; the scheme
// is switched to ws/wss).
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       config.Logger.With().Str("component", "realtime").Logger(),
		state:        RealtimeDisconnected,
		recon:        newReconnector(config),
		pendingPings: make(map[string]chan PongPayload),
		joined:       make(map[string]bool),
	}
}

// OnMessage registers a handler for pushed messages.
func (rc *RealtimeClient) OnMessage(h func(Message)) {
	rc.handlersMu.Lock()
	rc.onMessage = append(rc.onMessage, h)
	rc.handlersMu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeClient) OnConnected(h func()) {
	rc.handlersMu.Lock()
	rc.onConnected = append(rc.onConnected, h)
	rc.handlersMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rc.handlersMu.Lock()
	rc.onDisconnected = append(rc.onDisconnected, h)
	rc.handlersMu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) wsURL() string {
	u := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(rc.config.Tokens.Token())
}

// Connect dials the server and waits for the authenticated event.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == RealtimeConnected || rc.state == RealtimeConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = RealtimeConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rc.wsURL(), nil)
	if err != nil {
		rc.setState(RealtimeDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(RealtimeDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(RealtimeDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}

	// The read loop outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = RealtimeConnected
	rc.cancelFn = cancel
	joined := make([]string, 0, len(rc.joined))
	for id := range rc.joined {
		joined = append(joined, id)
	}
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.logger.Info().Str("url", rc.baseURL).Msg("realtime connected")

	rc.handlersMu.RLock()
	for _, h := range rc.onConnected {
		go h()
	}
	rc.handlersMu.RUnlock()

	for _, id := range joined {
		if err := rc.sendJoin(connCtx, id); err != nil {
			rc.logger.Warn().Err(err).Str("chat_id", id).Msg("rejoin failed")
		}
	}

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = RealtimeDisconnected
	rc.mu.Unlock()

	rc.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Join subscribes to pushes for a conversation. Joins are replayed after a
// reconnect.
func (rc *RealtimeClient) Join(ctx context.Context, chatID string) error {
	rc.mu.Lock()
	rc.joined[chatID] = true
	rc.mu.Unlock()
	return rc.sendJoin(ctx, chatID)
}

func (rc *RealtimeClient) sendJoin(ctx context.Context, chatID string) error {
	return rc.Send(ctx, &RealtimeCommand{
		Type:    CommandJoin,
		Payload: map[string]string{"chatId": chatID},
	})
}

// Send sends a raw command over the WebSocket.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()

	forget := func() {
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
	}

	err := rc.Send(ctx, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if !intentional {
				rc.state = RealtimeDisconnected
				rc.conn = nil
			}
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.logger.Warn().Err(err).Msg("realtime connection lost")
			rc.handlersMu.RLock()
			for _, h := range rc.onDisconnected {
				go h(int(websocket.CloseStatus(err)), err.Error())
			}
			rc.handlersMu.RUnlock()

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.dispatch(env)
	}
}

func (rc *RealtimeClient) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case EventMessageNew:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil || m.ID == "" {
			rc.logger.Debug().Err(err).Msg("ignoring malformed message.new")
			return
		}
		// Anything the server pushes has been accepted by it.
		m.Synced = true
		rc.handlersMu.RLock()
		for _, h := range rc.onMessage {
			go h(m)
		}
		rc.handlersMu.RUnlock()

	case EventPong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			rc.pendingMu.Lock()
			ch, ok := rc.pendingPings[p.RequestID]
			if ok {
				delete(rc.pendingPings, p.RequestID)
			}
			rc.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}

	case EventError:
		rc.logger.Warn().RawJSON("payload", env.Payload).Msg("realtime server error")
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != RealtimeConnected {
				return
			}

			if _, err := rc.Ping(ctx); err != nil {
				// Heartbeat failed, force the read loop to notice.
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	for {
		delay := rc.recon.nextDelay()
		rc.setState(RealtimeReconnecting)
		rc.logger.Info().Int("attempt", rc.recon.attempt).Dur("delay", delay).Msg("realtime reconnecting")

		time.Sleep(delay)

		rc.mu.Lock()
		stop := rc.intentionalClose
		rc.mu.Unlock()
		if stop {
			return
		}

		// Connect refuses to run unless the state says disconnected.
		rc.setState(RealtimeDisconnected)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := rc.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if !rc.config.AutoReconnect || !rc.recon.shouldReconnect() {
			rc.setState(RealtimeDisconnected)
			return
		}
	}
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}
