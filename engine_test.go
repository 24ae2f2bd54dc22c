package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const engineNow = 5_000_000

// fakeRemote serves a fixed feed per conversation. When gate is set every
// fetch signals started and then blocks until gate is closed.
type fakeRemote struct {
	mu       sync.Mutex
	feed     map[string][]Message
	since    []int64
	pushOK   bool
	pushed   []Message
	gate     chan struct{}
	started  chan struct{}
	hold     chan struct{} // blocks pushes while set
	failNext int           // fetches left to fail
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		feed:    make(map[string][]Message),
		pushOK:  true,
		started: make(chan struct{}, 16),
	}
}

func (r *fakeRemote) Fetch(ctx context.Context, chatID string, since int64) ([]Message, error) {
	r.mu.Lock()
	r.since = append(r.since, since)
	gate := r.gate
	fail := r.failNext > 0
	if fail {
		r.failNext--
	}
	out := make([]Message, 0, len(r.feed[chatID]))
	for _, m := range r.feed[chatID] {
		m.Synced = true
		out = append(out, m)
	}
	r.mu.Unlock()

	if gate != nil {
		r.started <- struct{}{}
		<-gate
	}
	if fail {
		return nil, &StatusError{Code: http.StatusServiceUnavailable}
	}
	return out, nil
}

func (r *fakeRemote) FetchSince(ctx context.Context, chatID string, since int64) []Message {
	msgs, err := r.Fetch(ctx, chatID, since)
	if err != nil {
		return []Message{}
	}
	return msgs
}

func (r *fakeRemote) Push(ctx context.Context, msg Message) bool {
	r.mu.Lock()
	hold := r.hold
	r.mu.Unlock()
	if hold != nil {
		<-hold
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pushOK {
		return false
	}
	r.pushed = append(r.pushed, msg)
	return true
}

func (r *fakeRemote) setGate(gate chan struct{}) {
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
}

func (r *fakeRemote) setPushOK(ok bool) {
	r.mu.Lock()
	r.pushOK = ok
	r.mu.Unlock()
}

func (r *fakeRemote) fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.since)
}

func (r *fakeRemote) pushedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ids(r.pushed)
}

type recorder struct {
	mu    sync.Mutex
	lists [][]Message
}

func (rec *recorder) attach(e *Engine, chatID string) {
	e.OnPublish(func(id string, msgs []Message) {
		if id != chatID {
			return
		}
		rec.mu.Lock()
		rec.lists = append(rec.lists, msgs)
		rec.mu.Unlock()
	})
}

func (rec *recorder) all() [][]Message {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([][]Message(nil), rec.lists...)
}

func (rec *recorder) last() []Message {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.lists) == 0 {
		return nil
	}
	return rec.lists[len(rec.lists)-1]
}

func newTestEngine(t *testing.T, opts *EngineOptions) (*Engine, *MessageStore, *fakeRemote) {
	t.Helper()
	store, _ := newTestStore(t)
	remote := newFakeRemote()
	if opts == nil {
		opts = &EngineOptions{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.UnixMilli(engineNow) }
	}
	if opts.NewID == nil {
		var mu sync.Mutex
		n := 0
		opts.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("local-%d", n)
		}
	}
	e := NewEngine(store, remote, opts)
	t.Cleanup(e.Close)
	return e, store, remote
}

// ============================================================================
// OpenConversation
// ============================================================================

func TestEngine_OpenMergesCacheWithRemote(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)

	store.Write(ctx, "1", []Message{msg("m1", 100), msg("m2", 200)})
	before := store.Watermark(ctx, "1")
	remote.feed["1"] = []Message{msg("m2", 200), msg("m3", 300)}

	var rec recorder
	rec.attach(e, "1")
	var states []State
	e.OnStateChange(func(id string, s State) { states = append(states, s) })

	out := e.OpenConversation(ctx, "1")

	lists := rec.all()
	require.Len(t, lists, 2)
	assert.Equal(t, []string{"m1", "m2"}, ids(lists[0]), "cached history is published first")
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(lists[1]))
	assert.False(t, lists[1][0].Synced)
	assert.True(t, lists[1][1].Synced)
	assert.Equal(t, lists[1], out)

	assert.Equal(t, []int64{before}, remote.since)
	assert.Equal(t, int64(engineNow), store.Watermark(ctx, "1"))
	assert.Equal(t, out, store.Read(ctx, "1"))

	assert.Equal(t, []State{StateLoading, StateReady}, states)
	assert.Equal(t, StateReady, e.State("1"))
	assert.Equal(t, "1", e.Active())
	assert.Equal(t, out, e.Messages("1"))
}

func TestEngine_OpenWithFailingRemote(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)

	store.Write(ctx, "1", []Message{msg("m1", 100), msg("m2", 200)})
	remote.failNext = 1

	var rec recorder
	rec.attach(e, "1")

	out := e.OpenConversation(ctx, "1")

	assert.Equal(t, []string{"m1", "m2"}, ids(out))
	for _, list := range rec.all() {
		assert.Len(t, list, 2, "a non-empty cache is never replaced by an empty list")
	}
	assert.Equal(t, StateReady, e.State("1"))
}

func TestEngine_FailedFetchKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)

	store.Write(ctx, "1", []Message{msg("m1", 100)})
	before := store.Watermark(ctx, "1")
	remote.feed["1"] = []Message{msg("r1", before-10)}
	remote.failNext = 1

	e.OpenConversation(ctx, "1")
	assert.Equal(t, before, store.Watermark(ctx, "1"))
	assert.Equal(t, []string{"m1"}, ids(e.Messages("1")))

	require.True(t, e.PeriodicSync(ctx, "1"))
	assert.Equal(t, []int64{before, before}, remote.since, "the next sync asks from the same point")
	assert.Equal(t, []string{"m1", "r1"}, ids(e.Messages("1")))
	assert.Equal(t, int64(engineNow), store.Watermark(ctx, "1"))
}

func TestEngine_OpenUsesSeedForEmptyCache(t *testing.T) {
	ctx := context.Background()
	seeds := StaticSeeds{"1": {
		{Sender: SenderOther, Content: "first", Ago: 2 * time.Minute},
		{Sender: SenderSelf, Content: "second", Ago: time.Minute},
	}}
	e, store, remote := newTestEngine(t, &EngineOptions{Seeds: seeds})
	remote.feed["1"] = []Message{msg("r1", engineNow+1)}

	var rec recorder
	rec.attach(e, "1")
	e.OpenConversation(ctx, "1")

	lists := rec.all()
	require.Len(t, lists, 2)
	assert.Equal(t, []string{"m1", "m2"}, ids(lists[0]))
	assert.Equal(t, []string{"m1", "m2", "r1"}, ids(lists[1]))
	assert.Equal(t, []int64{0}, remote.since, "seeding does not move the watermark")
	assert.Len(t, store.Read(ctx, "1"), 3)

	// Reopening finds the cache and never reseeds.
	store.Remove(ctx, "1", "m1")
	out := e.OpenConversation(ctx, "1")
	assert.Equal(t, []string{"m2", "r1"}, ids(out))
}

func TestEngine_OpenEmptyWithoutSeed(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	var rec recorder
	rec.attach(e, "1")
	out := e.OpenConversation(context.Background(), "1")

	assert.Empty(t, out)
	require.NotEmpty(t, rec.all())
	assert.NotNil(t, rec.all()[0])
}

func TestEngine_OpenRejectsEmptyChatID(t *testing.T) {
	e, _, remote := newTestEngine(t, nil)
	assert.Nil(t, e.OpenConversation(context.Background(), ""))
	assert.Zero(t, remote.fetches())
	assert.Empty(t, e.Active())
}

func TestEngine_SwitchConversation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, nil)

	e.OpenConversation(ctx, "1")
	e.OpenConversation(ctx, "2")

	assert.Equal(t, "2", e.Active())
	assert.Equal(t, StateIdle, e.State("1"))
	assert.Equal(t, StateReady, e.State("2"))
	assert.False(t, e.PeriodicSync(ctx, "1"))

	e.CloseConversation("2")
	assert.Empty(t, e.Active())
	assert.Equal(t, StateIdle, e.State("2"))
}

// ============================================================================
// PeriodicSync
// ============================================================================

func TestEngine_PeriodicSyncSkipsWhileInFlight(t *testing.T) {
	ctx := context.Background()
	e, _, remote := newTestEngine(t, nil)
	e.OpenConversation(ctx, "1")

	gate := make(chan struct{})
	remote.setGate(gate)

	done := make(chan bool, 1)
	go func() { done <- e.PeriodicSync(ctx, "1") }()
	<-remote.started

	assert.False(t, e.PeriodicSync(ctx, "1"), "second tick is dropped")
	assert.Equal(t, 2, remote.fetches(), "open plus one periodic fetch")

	close(gate)
	assert.True(t, <-done)

	remote.setGate(nil)
	assert.True(t, e.PeriodicSync(ctx, "1"), "flag is cleared after completion")
}

func TestEngine_PeriodicSyncRequiresActive(t *testing.T) {
	ctx := context.Background()
	e, _, remote := newTestEngine(t, nil)

	assert.False(t, e.PeriodicSync(ctx, "1"))
	assert.False(t, e.PeriodicSync(ctx, ""))
	assert.Zero(t, remote.fetches())
}

func TestEngine_PeriodicLoop(t *testing.T) {
	ctx := context.Background()
	e, _, remote := newTestEngine(t, &EngineOptions{SyncInterval: 10 * time.Millisecond})

	e.OpenConversation(ctx, "1")
	assert.Eventually(t, func() bool { return remote.fetches() >= 3 }, 2*time.Second, 5*time.Millisecond)

	e.CloseConversation("1")
	stopped := remote.fetches()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, remote.fetches(), stopped+1, "at most one tick already in flight")
}

func TestEngine_WatermarkNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	clock := int64(engineNow)
	var mu sync.Mutex
	e, store, _ := newTestEngine(t, &EngineOptions{Now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return time.UnixMilli(clock)
	}})

	e.OpenConversation(ctx, "1")
	assert.Equal(t, int64(engineNow), store.Watermark(ctx, "1"))

	mu.Lock()
	clock = engineNow - 1000
	mu.Unlock()
	e.PeriodicSync(ctx, "1")
	assert.Equal(t, int64(engineNow), store.Watermark(ctx, "1"))
}

// ============================================================================
// SendMessage
// ============================================================================

func TestEngine_SendIsOptimistic(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)
	e.OpenConversation(ctx, "1")
	watermark := store.Watermark(ctx, "1")

	hold := make(chan struct{})
	remote.mu.Lock()
	remote.hold = hold
	remote.mu.Unlock()

	var rec recorder
	rec.attach(e, "1")

	sent, ok := e.SendMessage(ctx, "1", "hi")
	require.True(t, ok)

	last := rec.last()
	require.NotEmpty(t, last)
	got := last[len(last)-1]
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, SenderSelf, got.Sender)
	assert.False(t, got.Synced)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, int64(engineNow), got.Timestamp)

	stored := store.Read(ctx, "1")
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Pending())

	close(hold)
	e.Wait()

	assert.Equal(t, []string{sent.ID}, remote.pushedIDs())
	assert.True(t, store.Read(ctx, "1")[0].Synced)
	assert.True(t, rec.last()[0].Synced)
	assert.Equal(t, watermark, store.Watermark(ctx, "1"), "local sends do not move the watermark")
}

func TestEngine_SendFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)
	remote.setPushOK(false)

	e.OpenConversation(ctx, "1")
	a, _ := e.SendMessage(ctx, "1", "first")
	e.Wait()
	b, _ := e.SendMessage(ctx, "1", "second")
	e.Wait()

	for _, m := range store.Read(ctx, "1") {
		assert.True(t, m.Pending())
	}
	assert.Empty(t, remote.pushedIDs())

	remote.setPushOK(true)
	assert.Equal(t, 2, e.RetryPending(ctx, "1"))
	assert.Equal(t, []string{a.ID, b.ID}, remote.pushedIDs())
	for _, m := range store.Read(ctx, "1") {
		assert.True(t, m.Synced)
	}
	for _, m := range e.Messages("1") {
		assert.True(t, m.Synced)
	}
	assert.Zero(t, e.RetryPending(ctx, "1"))
}

func TestEngine_SendRejectsBlankInput(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)

	var rec recorder
	rec.attach(e, "1")

	_, ok := e.SendMessage(ctx, "1", "   ")
	assert.False(t, ok)
	_, ok = e.SendMessage(ctx, "", "hello")
	assert.False(t, ok)

	e.Wait()
	assert.Empty(t, rec.all())
	assert.Empty(t, store.Read(ctx, "1"))
	assert.Empty(t, remote.pushedIDs())
}

func TestEngine_SendDuringSyncSurvives(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)
	remote.feed["1"] = []Message{msg("r1", 100)}

	gate := make(chan struct{})
	remote.setGate(gate)

	opened := make(chan []Message, 1)
	go func() { opened <- e.OpenConversation(ctx, "1") }()
	<-remote.started

	sent, ok := e.SendMessage(ctx, "1", "typed while loading")
	require.True(t, ok)

	close(gate)
	out := <-opened
	e.Wait()

	assert.Contains(t, ids(out), sent.ID)
	assert.Contains(t, ids(out), "r1")
	assert.Contains(t, ids(store.Read(ctx, "1")), sent.ID)
	assert.Contains(t, ids(e.Messages("1")), sent.ID)
}

func TestEngine_SendToUnopenedConversation(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t, nil)
	store.Write(ctx, "2", []Message{msg("old", 100)})

	var rec recorder
	rec.attach(e, "2")
	e.SendMessage(ctx, "2", "hello")
	e.Wait()

	require.NotEmpty(t, rec.all())
	assert.Equal(t, "old", rec.all()[0][0].ID, "published list starts from the stored history")
	assert.Len(t, store.Read(ctx, "2"), 2)
}

// ============================================================================
// RecallMessage
// ============================================================================

func TestEngine_Recall(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)
	store.Write(ctx, "1", []Message{msg("m1", 100), msg("m2", 200), msg("m3", 300)})
	e.OpenConversation(ctx, "1")
	watermark := store.Watermark(ctx, "1")

	var recalled []string
	e.OnRecall(func(chatID, msgID string) { recalled = append(recalled, chatID+"/"+msgID) })
	var rec recorder
	rec.attach(e, "1")

	assert.True(t, e.RecallMessage(ctx, "1", "m2"))

	assert.Equal(t, []string{"m1", "m3"}, ids(rec.last()))
	assert.Equal(t, []string{"m1", "m3"}, ids(store.Read(ctx, "1")))
	assert.Equal(t, []string{"1/m2"}, recalled)
	assert.Equal(t, watermark, store.Watermark(ctx, "1"))
	assert.Empty(t, remote.pushedIDs())

	assert.False(t, e.RecallMessage(ctx, "1", "m2"))
	assert.False(t, e.RecallMessage(ctx, "1", ""))
	assert.Len(t, recalled, 1)
}

// ============================================================================
// HandleIncoming & chat list
// ============================================================================

func TestEngine_HandleIncoming(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t, nil)
	e.OpenConversation(ctx, "1")
	watermark := store.Watermark(ctx, "1")

	var rec recorder
	rec.attach(e, "1")

	pushed := msg("p1", 400)
	pushed.Synced = true
	e.HandleIncoming(ctx, "1", []Message{pushed, {ID: "p2", ChatID: "other", Timestamp: 500}})

	assert.Equal(t, []string{"p1"}, ids(rec.last()))
	assert.Equal(t, []string{"p1"}, ids(store.Read(ctx, "1")))
	assert.Equal(t, watermark, store.Watermark(ctx, "1"))

	t.Run("inactive conversation counts unread", func(t *testing.T) {
		other := func(id string, ts int64) Message {
			m := msg(id, ts)
			m.ChatID = "2"
			return m
		}
		e.HandleIncoming(ctx, "2", []Message{other("x1", 600), other("x2", 700)})
		e.HandleIncoming(ctx, "2", []Message{other("x2", 700)}) // duplicate

		var summary ChatSummary
		for _, c := range e.ListChats(ctx) {
			if c.ID == "2" {
				summary = c
			}
		}
		assert.Equal(t, 2, summary.Unread)
		assert.Equal(t, "content x2", summary.LastMessage)
		assert.Zero(t, store.Watermark(ctx, "2"))

		e.OpenConversation(ctx, "2")
		for _, c := range e.ListChats(ctx) {
			if c.ID == "2" {
				assert.Zero(t, c.Unread)
			}
		}
	})
}

func TestEngine_ListChatsOrder(t *testing.T) {
	ctx := context.Background()
	e, store, remote := newTestEngine(t, nil)
	store.Write(ctx, "old", []Message{msg("a", 100)})
	remote.feed["new"] = []Message{msg("b", 900)}

	e.OpenConversation(ctx, "old")
	e.OpenConversation(ctx, "new")

	list := e.ListChats(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, int64(900), list[0].LastMessageAt)
	assert.Equal(t, "old", list[1].ID)
}

// ============================================================================
// Listeners & lifecycle
// ============================================================================

func TestEngine_ListenerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	e, _, remote := newTestEngine(t, nil)
	remote.feed["1"] = []Message{msg("m1", 100)}

	e.OnPublish(func(string, []Message) { panic("bad listener") })
	var rec recorder
	rec.attach(e, "1")

	out := e.OpenConversation(ctx, "1")
	assert.Len(t, out, 1)
	assert.Len(t, rec.all(), 2)
}

func TestEngine_PublishedListsAreCopies(t *testing.T) {
	ctx := context.Background()
	e, _, remote := newTestEngine(t, nil)
	remote.feed["1"] = []Message{msg("m1", 100)}

	e.OnPublish(func(_ string, msgs []Message) {
		for i := range msgs {
			msgs[i].Content = "mutated"
		}
	})
	e.OpenConversation(ctx, "1")

	assert.Equal(t, "content m1", e.Messages("1")[0].Content)
}

func TestEngine_CloseIsFinal(t *testing.T) {
	ctx := context.Background()
	e, _, remote := newTestEngine(t, &EngineOptions{SyncInterval: time.Hour})
	e.OpenConversation(ctx, "1")

	e.Close()
	e.Close()

	_, ok := e.SendMessage(ctx, "1", "late")
	assert.False(t, ok)
	assert.Nil(t, e.OpenConversation(ctx, "1"))
	assert.False(t, e.PeriodicSync(ctx, "1"))
	assert.Equal(t, 1, remote.fetches())
}

func TestEngine_UnreadableStoreKeepsView(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	store := NewMessageStore(backend, zerolog.Nop())
	remote := newFakeRemote()
	e := NewEngine(store, remote, &EngineOptions{Now: func() time.Time { return time.UnixMilli(engineNow) }})
	t.Cleanup(e.Close)

	store.Write(ctx, "1", []Message{msg("m1", 100), msg("m2", 200)})
	remote.feed["1"] = []Message{msg("m3", 300)}

	var rec recorder
	rec.attach(e, "1")

	gate := make(chan struct{})
	remote.setGate(gate)
	done := make(chan []Message, 1)
	go func() { done <- e.OpenConversation(ctx, "1") }()
	<-remote.started

	backend.mu.Lock()
	backend.broken = true
	backend.mu.Unlock()
	close(gate)
	out := <-done

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(out))
	for _, list := range rec.all() {
		assert.GreaterOrEqual(t, len(list), 2, "cached history is never dropped")
	}
}

func TestEngine_LateSyncLeavesLeftChatIdle(t *testing.T) {
	ctx := context.Background()

	t.Run("open", func(t *testing.T) {
		e, _, remote := newTestEngine(t, nil)
		gate := make(chan struct{})
		remote.setGate(gate)

		done := make(chan struct{})
		go func() {
			e.OpenConversation(ctx, "1")
			close(done)
		}()
		<-remote.started
		e.CloseConversation("1")
		close(gate)
		<-done

		assert.Equal(t, StateIdle, e.State("1"))
	})

	t.Run("periodic", func(t *testing.T) {
		e, _, remote := newTestEngine(t, nil)
		e.OpenConversation(ctx, "1")
		gate := make(chan struct{})
		remote.setGate(gate)

		done := make(chan bool, 1)
		go func() { done <- e.PeriodicSync(ctx, "1") }()
		<-remote.started
		e.CloseConversation("1")
		close(gate)
		assert.True(t, <-done)

		assert.Equal(t, StateIdle, e.State("1"))
	})
}

func TestEngine_ListenerPanicIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e, _, _ := newTestEngine(t, &EngineOptions{Logger: &logger})

	e.OnPublish(func(string, []Message) { panic("bad listener") })
	e.OnStateChange(func(string, State) { panic("bad state listener") })
	e.OpenConversation(context.Background(), "1")

	assert.Contains(t, buf.String(), "listener panicked")
	assert.Contains(t, buf.String(), "bad listener")
	assert.Contains(t, buf.String(), `"listener":"state"`)
}

func TestEngine_SendKeepsTimestampOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	remote := newFakeRemote()
	e := NewEngine(store, sinceOnly{remote}, &EngineOptions{
		Now:   func() time.Time { return time.UnixMilli(engineNow) },
		NewID: func() string { return "local-1" },
	})
	t.Cleanup(e.Close)

	// A remote clock running ahead of ours.
	remote.feed["1"] = []Message{msg("ahead", engineNow+60_000)}
	e.OpenConversation(ctx, "1")

	_, ok := e.SendMessage(ctx, "1", "hi")
	require.True(t, ok)
	e.Wait()

	assert.Equal(t, []string{"local-1", "ahead"}, ids(e.Messages("1")))
	assert.Equal(t, ids(store.Read(ctx, "1")), ids(e.Messages("1")))
	assert.True(t, e.Messages("1")[0].Synced)
}

// sinceOnly exposes just the Remote methods, hiding Fetch.
type sinceOnly struct {
	Remote
}
