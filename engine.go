package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

// EngineOptions configures the Engine.
type EngineOptions struct {
	// SyncInterval is the periodic sync period for the active conversation.
	// Zero disables the background loop; PeriodicSync can still be called.
	SyncInterval time.Duration
	// PushTimeout bounds each asynchronous push. Defaults to 15s.
	PushTimeout time.Duration
	// Seeds supplies history for conversations with nothing cached.
	Seeds SeedProvider
	// NewID generates ids for sent messages. Defaults to NewMessageID.
	NewID IDGenerator
	// Now is the clock. Defaults to time.Now.
	Now    func() time.Time
	Logger *zerolog.Logger
}

// DefaultSyncInterval is the period the UI layer is expected to use.
const DefaultSyncInterval = 30 * time.Second

// ============================================================================
// Listeners
// ============================================================================

type engineEmitter struct {
	logger    *zerolog.Logger
	mu        sync.RWMutex
	onPublish []func(chatID string, msgs []Message)
	onRecall  []func(chatID, msgID string)
	onState   []func(chatID string, s State)
}

// OnPublish registers a listener for every new message list of a
// conversation. Listeners run synchronously, in publish order, and must not
// call back into the Engine for the same conversation.
func (e *engineEmitter) OnPublish(h func(chatID string, msgs []Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPublish = append(e.onPublish, h)
}

// OnRecall registers a listener for recalled messages.
func (e *engineEmitter) OnRecall(h func(chatID, msgID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRecall = append(e.onRecall, h)
}

// OnStateChange registers a listener for conversation state transitions.
func (e *engineEmitter) OnStateChange(h func(chatID string, s State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = append(e.onState, h)
}

func (e *engineEmitter) emitPublish(chatID string, msgs []Message) {
	e.mu.RLock()
	handlers := e.onPublish
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer e.contain("publish")
			h(chatID, cloneMessages(msgs))
		}()
	}
}

func (e *engineEmitter) emitRecall(chatID, msgID string) {
	e.mu.RLock()
	handlers := e.onRecall
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer e.contain("recall")
			h(chatID, msgID)
		}()
	}
}

func (e *engineEmitter) emitState(chatID string, s State) {
	e.mu.RLock()
	handlers := e.onState
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer e.contain("state")
			h(chatID, s)
		}()
	}
}

// contain recovers and logs a panicking listener.
func (e *engineEmitter) contain(kind string) {
	if r := recover(); r != nil && e.logger != nil {
		e.logger.Error().Interface("panic", r).Str("listener", kind).Msg("listener panicked")
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine coordinates the local store and the remote feed for the active
// conversation. No method returns an error: degraded conditions resolve to
// publishing the best data available.
type Engine struct {
	engineEmitter

	store       Store
	remote      Remote
	seeds       SeedProvider
	newID       IDGenerator
	now         func() time.Time
	interval    time.Duration
	pushTimeout time.Duration
	logger      zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	active   string
	stopTick chan struct{}
	closed   bool
	views    map[string][]Message
	states   map[string]State
	periodic map[string]bool // periodic sync in flight
	retrying map[string]bool
	locks    map[string]*sync.Mutex

	summaryMu sync.Mutex

	pushes sync.WaitGroup
	loops  sync.WaitGroup
}

// NewEngine creates an engine. opts may be nil.
func NewEngine(store Store, remote Remote, opts *EngineOptions) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    store,
		remote:   remote,
		baseCtx:  ctx,
		cancel:   cancel,
		views:    make(map[string][]Message),
		states:   make(map[string]State),
		periodic: make(map[string]bool),
		retrying: make(map[string]bool),
		locks:    make(map[string]*sync.Mutex),
	}
	if opts != nil {
		e.interval = opts.SyncInterval
		e.pushTimeout = opts.PushTimeout
		e.seeds = opts.Seeds
		e.newID = opts.NewID
		e.now = opts.Now
		if opts.Logger != nil {
			e.logger = *opts.Logger
		}
	}
	// Defaults
	if e.pushTimeout == 0 {
		e.pushTimeout = 15 * time.Second
	}
	if e.seeds == nil {
		e.seeds = noSeed{}
	}
	if e.newID == nil {
		e.newID = NewMessageID
	}
	if e.now == nil {
		e.now = time.Now
	}
	if opts == nil || opts.Logger == nil {
		e.logger = zerolog.Nop()
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()
	e.engineEmitter.logger = &e.logger
	return e
}

// Close stops the periodic loop and waits for outstanding pushes.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopLoopLocked()
	e.mu.Unlock()

	e.pushes.Wait()
	e.cancel()
	e.loops.Wait()
}

// Wait blocks until every push started so far has finished.
func (e *Engine) Wait() {
	e.pushes.Wait()
}

// Active returns the active conversation id, or "".
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// State returns the state of a conversation.
func (e *Engine) State(chatID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[chatID]; ok {
		return s
	}
	return StateIdle
}

// Messages returns the last list published for a conversation.
func (e *Engine) Messages(chatID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.views[chatID])
}

// ── Conversation lifecycle ────────────────────────────────

// OpenConversation makes chatID the active conversation, publishes the cached
// history (or seed history when nothing is cached), then syncs with the
// remote and publishes the result. It returns the final list.
func (e *Engine) OpenConversation(ctx context.Context, chatID string) []Message {
	if chatID == "" || e.isClosed() {
		return nil
	}

	e.activate(chatID)
	e.setState(chatID, StateLoading)
	e.touchSummary(ctx, chatID, nil, true, 0)

	lock := e.chatLock(chatID)
	lock.Lock()
	initial := e.store.Read(ctx, chatID)
	if len(initial) == 0 {
		if seed := e.seeds.Seed(chatID, e.now()); len(seed) > 0 {
			initial = Dedupe(seed)
			e.store.Seed(ctx, chatID, initial)
			e.logger.Debug().Str("chat_id", chatID).Int("messages", len(initial)).Msg("seeded conversation")
		}
	}
	e.publishLocked(ctx, chatID, initial)
	lock.Unlock()

	merged := e.fullSync(ctx, chatID, "open")
	e.settle(chatID)
	return merged
}

// CloseConversation stops background sync for chatID if it is active.
func (e *Engine) CloseConversation(chatID string) {
	e.mu.Lock()
	if e.active != chatID {
		e.mu.Unlock()
		return
	}
	e.stopLoopLocked()
	e.active = ""
	e.mu.Unlock()
	e.setState(chatID, StateIdle)
}

func (e *Engine) activate(chatID string) {
	e.mu.Lock()
	if e.active == chatID {
		e.mu.Unlock()
		return
	}
	prev := e.active
	e.stopLoopLocked()
	e.active = chatID
	if e.interval > 0 && !e.closed {
		stop := make(chan struct{})
		e.stopTick = stop
		e.loops.Add(1)
		go e.syncLoop(chatID, stop)
	}
	e.mu.Unlock()

	if prev != "" {
		e.setState(prev, StateIdle)
	}
	e.logger.Info().Str("chat_id", chatID).Str("previous", prev).Msg("conversation activated")
}

func (e *Engine) stopLoopLocked() {
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
}

func (e *Engine) syncLoop(chatID string, stop <-chan struct{}) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Each tick runs on its own so a slow sync makes the next tick
			// skip instead of queueing behind it.
			e.loops.Add(1)
			go func() {
				defer e.loops.Done()
				e.PeriodicSync(e.baseCtx, chatID)
			}()
		}
	}
}

// ── Sync ──────────────────────────────────────────────────

// PeriodicSync runs the fetch-and-merge part of OpenConversation for the
// active conversation. It reports false without doing anything when chatID
// is not active or a previous periodic sync for it is still running.
func (e *Engine) PeriodicSync(ctx context.Context, chatID string) bool {
	e.mu.Lock()
	if chatID == "" || e.closed || e.active != chatID {
		e.mu.Unlock()
		return false
	}
	if e.periodic[chatID] {
		e.mu.Unlock()
		syncsSkipped.Inc()
		e.logger.Debug().Str("chat_id", chatID).Msg("periodic sync still running, skipping tick")
		return false
	}
	e.periodic[chatID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.periodic, chatID)
		e.mu.Unlock()
	}()

	e.setState(chatID, StateLoading)
	e.fullSync(ctx, chatID, "periodic")
	e.settle(chatID)
	return true
}

// fullSync is read watermark, fetch, merge into the store, publish. The
// watermark is the instant before the fetch went out, so nothing posted
// while the request was in flight falls behind it. A failed fetch leaves the
// watermark where it was so the next sync asks again.
func (e *Engine) fullSync(ctx context.Context, chatID, trigger string) []Message {
	start := time.Now()
	since := e.store.Watermark(ctx, chatID)
	syncedAt := e.now().UnixMilli()

	incoming, fetched := e.fetch(ctx, chatID, since)
	if !fetched {
		syncedAt = 0
	}

	lock := e.chatLock(chatID)
	lock.Lock()
	merged, ok := e.store.Commit(ctx, chatID, incoming, syncedAt)
	if !ok || len(merged) == 0 {
		// The store is unreadable or came back empty; never publish less
		// than the UI already shows.
		merged = Merge(e.currentView(chatID), incoming)
	}
	e.publishLocked(ctx, chatID, merged)
	lock.Unlock()

	syncsTotal.WithLabelValues(trigger).Inc()
	syncDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	e.logger.Debug().
		Str("chat_id", chatID).
		Str("trigger", trigger).
		Int64("since", since).
		Int("incoming", len(incoming)).
		Int("total", len(merged)).
		Dur("took", time.Since(start)).
		Msg("sync complete")
	return merged
}

// fetch asks the remote for messages newer than since. ok is false only when
// the remote reports a failure, which plain Remote implementations cannot.
func (e *Engine) fetch(ctx context.Context, chatID string, since int64) (msgs []Message, ok bool) {
	f, fallible := e.remote.(Fetcher)
	if !fallible {
		return e.remote.FetchSince(ctx, chatID, since), true
	}
	msgs, err := f.Fetch(ctx, chatID, since)
	if err != nil {
		fetchFailures.WithLabelValues(failureReason(err)).Inc()
		e.logger.Warn().Err(err).Str("chat_id", chatID).Int64("since", since).Msg("fetch failed, keeping watermark")
		return []Message{}, false
	}
	messagesFetched.Add(float64(len(msgs)))
	return msgs, true
}

// ── Local writes ──────────────────────────────────────────

// SendMessage appends a new self-authored message, publishes and persists it
// before returning, then pushes it to the remote in the background. On
// success the message is marked synced; on failure it stays pending and is
// not retried automatically. It reports false for an empty chat id or blank
// content.
func (e *Engine) SendMessage(ctx context.Context, chatID, content string) (Message, bool) {
	if chatID == "" || strings.TrimSpace(content) == "" || e.isClosed() {
		return Message{}, false
	}

	msg := Message{
		ID:        e.newID(),
		ChatID:    chatID,
		Sender:    SenderSelf,
		Content:   content,
		Timestamp: e.now().UnixMilli(),
		Synced:    false,
	}

	lock := e.chatLock(chatID)
	lock.Lock()
	view := e.viewOrStored(ctx, chatID)
	e.publishLocked(ctx, chatID, Merge(view, []Message{msg}))
	e.store.Append(ctx, msg)
	lock.Unlock()

	e.pushes.Add(1)
	go e.deliver(msg)
	return msg, true
}

func (e *Engine) deliver(msg Message) {
	defer e.pushes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.pushTimeout)
	defer cancel()

	if !e.remote.Push(ctx, msg) {
		e.logger.Warn().Str("chat_id", msg.ChatID).Str("message_id", msg.ID).Msg("message left pending")
		return
	}
	e.confirm(ctx, msg.ChatID, msg.ID)
}

// confirm marks a delivered message synced in the store and in the view.
func (e *Engine) confirm(ctx context.Context, chatID, msgID string) {
	lock := e.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	e.store.MarkSynced(ctx, chatID, msgID)

	e.mu.Lock()
	view, ok := e.views[chatID]
	e.mu.Unlock()
	if !ok {
		return
	}
	view = cloneMessages(view)
	changed := false
	for i := range view {
		if view[i].ID == msgID && !view[i].Synced {
			view[i].Synced = true
			changed = true
		}
	}
	if changed {
		e.publishLocked(ctx, chatID, view)
	}
}

// RecallMessage removes a message from the published list and the store.
// Nothing is sent to the remote.
func (e *Engine) RecallMessage(ctx context.Context, chatID, msgID string) bool {
	if chatID == "" || msgID == "" || e.isClosed() {
		return false
	}

	lock := e.chatLock(chatID)
	lock.Lock()
	e.mu.Lock()
	view, hasView := e.views[chatID]
	e.mu.Unlock()
	view, inView := removeByID(view, msgID)
	stored := e.store.Remove(ctx, chatID, msgID)
	if hasView && inView {
		e.publishLocked(ctx, chatID, view)
	}
	lock.Unlock()

	if !inView && !stored {
		return false
	}
	recallsTotal.Inc()
	e.logger.Info().Str("chat_id", chatID).Str("message_id", msgID).Msg("message recalled")
	e.emitRecall(chatID, msgID)
	return true
}

// RetryPending pushes the conversation's unsynced messages in the order they
// were written and stops at the first failure. It returns how many were
// delivered. Nothing calls it automatically.
func (e *Engine) RetryPending(ctx context.Context, chatID string) int {
	e.mu.Lock()
	if chatID == "" || e.closed || e.retrying[chatID] {
		e.mu.Unlock()
		return 0
	}
	e.retrying[chatID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.retrying, chatID)
		e.mu.Unlock()
	}()

	delivered := 0
	for _, m := range e.store.Read(ctx, chatID) {
		if !m.Pending() {
			continue
		}
		if !e.remote.Push(ctx, m) {
			break
		}
		e.confirm(ctx, chatID, m.ID)
		delivered++
	}
	if delivered > 0 {
		e.logger.Info().Str("chat_id", chatID).Int("delivered", delivered).Msg("pending messages delivered")
	}
	return delivered
}

// HandleIncoming merges messages pushed outside the sync cycle (for example
// by RealtimeClient). The watermark is not moved. For conversations other
// than the active one the unread counter grows by the number of new
// messages.
func (e *Engine) HandleIncoming(ctx context.Context, chatID string, msgs []Message) {
	if chatID == "" || len(msgs) == 0 || e.isClosed() {
		return
	}
	incoming := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || (m.ChatID != "" && m.ChatID != chatID) {
			continue
		}
		m.ChatID = chatID
		incoming = append(incoming, m)
	}
	if len(incoming) == 0 {
		return
	}

	lock := e.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	before := make(map[string]bool)
	for _, m := range e.store.Read(ctx, chatID) {
		before[m.ID] = true
	}
	merged, ok := e.store.Commit(ctx, chatID, incoming, 0)
	if !ok {
		merged = Merge(e.currentView(chatID), incoming)
	}

	e.mu.Lock()
	_, hasView := e.views[chatID]
	active := e.active == chatID
	e.mu.Unlock()

	if hasView {
		e.publishLocked(ctx, chatID, merged)
	}
	if !active {
		fresh := 0
		for _, m := range incoming {
			if !before[m.ID] && m.Sender != SenderSelf {
				fresh++
			}
		}
		e.touchSummary(ctx, chatID, merged, false, fresh)
	}
}

// ── Conversation list ─────────────────────────────────────

// ListChats returns the cached conversation list, most recent first.
func (e *Engine) ListChats(ctx context.Context) []ChatSummary {
	list := e.store.ChatList(ctx)
	sort.SliceStable(list, func(i, j int) bool { return list[i].LastMessageAt > list[j].LastMessageAt })
	return list
}

// touchSummary keeps the chat list entry for chatID in line with its latest
// message. markRead resets the unread counter, otherwise unread grows by
// delta.
func (e *Engine) touchSummary(ctx context.Context, chatID string, msgs []Message, markRead bool, delta int) {
	e.summaryMu.Lock()
	defer e.summaryMu.Unlock()

	list := e.store.ChatList(ctx)
	idx := -1
	for i := range list {
		if list[i].ID == chatID {
			idx = i
			break
		}
	}
	existed := idx >= 0
	if !existed {
		list = append(list, ChatSummary{ID: chatID})
		idx = len(list) - 1
	}
	s := list[idx]
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		s.LastMessage = last.Content
		s.LastMessageAt = last.Timestamp
	}
	if markRead {
		s.Unread = 0
	} else {
		s.Unread += delta
	}
	if existed && s == list[idx] {
		return
	}
	list[idx] = s
	e.store.SaveChatList(ctx, list)
}

// ── Helpers ───────────────────────────────────────────────

// publishLocked records msgs as the conversation's view and notifies
// listeners. The caller holds the conversation lock.
func (e *Engine) publishLocked(ctx context.Context, chatID string, msgs []Message) {
	snapshot := cloneMessages(msgs)
	if snapshot == nil {
		snapshot = []Message{}
	}
	e.mu.Lock()
	e.views[chatID] = snapshot
	e.mu.Unlock()

	if len(snapshot) > 0 {
		e.touchSummary(ctx, chatID, snapshot, false, 0)
	}
	e.emitPublish(chatID, snapshot)
}

// currentView returns a copy of the last published list.
func (e *Engine) currentView(chatID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.views[chatID])
}

// viewOrStored returns the published list, falling back to the store for a
// conversation that has not been opened.
func (e *Engine) viewOrStored(ctx context.Context, chatID string) []Message {
	e.mu.Lock()
	view, ok := e.views[chatID]
	e.mu.Unlock()
	if ok {
		return cloneMessages(view)
	}
	return e.store.Read(ctx, chatID)
}

func (e *Engine) chatLock(chatID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[chatID] = l
	}
	return l
}

func (e *Engine) setState(chatID string, s State) {
	e.mu.Lock()
	prev := e.states[chatID]
	e.states[chatID] = s
	e.mu.Unlock()
	if prev != s {
		e.emitState(chatID, s)
	}
}

// settle ends a sync: Ready while chatID is still active, Idle if the user
// moved on while it ran.
func (e *Engine) settle(chatID string) {
	e.mu.Lock()
	active := e.active == chatID
	e.mu.Unlock()
	if active {
		e.setState(chatID, StateReady)
	} else {
		e.setState(chatID, StateIdle)
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
