package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Well-known backend keys.
const (
	MessagesKey = "chat_messages"
	ChatListKey = "chat_list"
)

// Store is the persistence contract the Engine depends on. Implementations
// never return errors: storage faults are logged and read as missing data.
type Store interface {
	Read(ctx context.Context, chatID string) []Message
	Write(ctx context.Context, chatID string, msgs []Message)
	Watermark(ctx context.Context, chatID string) int64
	ClearAll(ctx context.Context)

	Append(ctx context.Context, msg Message)
	MarkSynced(ctx context.Context, chatID, msgID string) bool
	Remove(ctx context.Context, chatID, msgID string) bool
	Commit(ctx context.Context, chatID string, incoming []Message, syncedAt int64) ([]Message, bool)
	Seed(ctx context.Context, chatID string, msgs []Message)

	ChatList(ctx context.Context) []ChatSummary
	SaveChatList(ctx context.Context, list []ChatSummary)
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore persists every conversation as one JSON table under
// MessagesKey, plus the conversation list snapshot under ChatListKey.
// Read-modify-write cycles are serialized, so writes to the same conversation
// from concurrent operations are never lost.
type MessageStore struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	mu sync.Mutex
}

var _ Store = (*MessageStore)(nil)

// NewMessageStore wraps a backend. Pass zerolog.Nop() to silence storage
// fault logging.
func NewMessageStore(backend Backend, logger zerolog.Logger) *MessageStore {
	return &MessageStore{
		backend: backend,
		logger:  logger.With().Str("component", "store").Logger(),
		now:     time.Now,
	}
}

// Backend returns the underlying backend.
func (s *MessageStore) Backend() Backend {
	return s.backend
}

// load returns the decoded table. ok is false when the backend itself failed;
// callers must not write in that case or they would replace records they
// could not see. A corrupt table decodes as empty and ok is true, so the next
// write repairs it.
func (s *MessageStore) load(ctx context.Context) (table map[string]*ConversationRecord, ok bool) {
	table = make(map[string]*ConversationRecord)

	data, err := s.backend.Get(ctx, MessagesKey)
	if errors.Is(err, ErrNotFound) {
		return table, true
	}
	if err != nil {
		storageErrors.WithLabelValues("read").Inc()
		s.logger.Error().Err(err).Msg("failed to read local messages")
		return table, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		storageErrors.WithLabelValues("decode").Inc()
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("discarding corrupt local messages")
		return table, true
	}
	// Records decode one by one so a damaged conversation only costs itself.
	for chatID, body := range raw {
		var rec ConversationRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			storageErrors.WithLabelValues("decode").Inc()
			s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("discarding corrupt conversation record")
			continue
		}
		if rec.ID == "" {
			rec.ID = chatID
		}
		table[chatID] = &rec
	}
	return table, true
}

func (s *MessageStore) save(ctx context.Context, table map[string]*ConversationRecord) {
	data, err := json.Marshal(table)
	if err != nil {
		storageErrors.WithLabelValues("encode").Inc()
		s.logger.Error().Err(err).Msg("failed to encode local messages")
		return
	}
	if err := s.backend.Set(ctx, MessagesKey, data); err != nil {
		storageErrors.WithLabelValues("write").Inc()
		s.logger.Error().Err(err).Msg("failed to save local messages")
	}
}

// update applies fn to the record for chatID, creating it if needed, and
// saves the table when fn reports a change.
func (s *MessageStore) update(ctx context.Context, chatID string, fn func(rec *ConversationRecord) bool) *ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.load(ctx)
	if !ok {
		return nil
	}
	rec := table[chatID]
	if rec == nil {
		rec = &ConversationRecord{ID: chatID}
	}
	if !fn(rec) {
		return rec
	}
	table[chatID] = rec
	s.save(ctx, table)
	return rec
}

// ── Core contract ────────────────────────────────────────

// Read returns the persisted messages for chatID, or an empty slice.
func (s *MessageStore) Read(ctx context.Context, chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, _ := s.load(ctx)
	if rec := table[chatID]; rec != nil {
		return cloneMessages(rec.Messages)
	}
	return []Message{}
}

// Write replaces the messages for chatID and stamps the watermark with the
// current time.
func (s *MessageStore) Write(ctx context.Context, chatID string, msgs []Message) {
	now := s.now().UnixMilli()
	s.update(ctx, chatID, func(rec *ConversationRecord) bool {
		rec.Messages = Dedupe(msgs)
		rec.LastSyncTime = now
		return true
	})
}

// Watermark returns the last sync time for chatID in ms, or 0.
func (s *MessageStore) Watermark(ctx context.Context, chatID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, _ := s.load(ctx)
	if rec := table[chatID]; rec != nil {
		return rec.LastSyncTime
	}
	return 0
}

// ClearAll removes every conversation record and the chat list.
func (s *MessageStore) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{MessagesKey, ChatListKey} {
		if err := s.backend.Delete(ctx, key); err != nil {
			storageErrors.WithLabelValues("delete").Inc()
			s.logger.Error().Err(err).Str("key", key).Msg("failed to clear local storage")
		}
	}
}

// ── Local mutations ──────────────────────────────────────

// Append adds msg to its conversation, replacing any message with the same
// id. The watermark is left alone.
func (s *MessageStore) Append(ctx context.Context, msg Message) {
	s.update(ctx, msg.ChatID, func(rec *ConversationRecord) bool {
		rec.Messages = Merge(rec.Messages, []Message{msg})
		return true
	})
}

// MarkSynced flags a persisted message as acknowledged by the remote.
func (s *MessageStore) MarkSynced(ctx context.Context, chatID, msgID string) bool {
	found := false
	s.update(ctx, chatID, func(rec *ConversationRecord) bool {
		for i := range rec.Messages {
			if rec.Messages[i].ID == msgID {
				rec.Messages[i].Synced = true
				found = true
			}
		}
		return found
	})
	return found
}

// Remove deletes a message by id.
func (s *MessageStore) Remove(ctx context.Context, chatID, msgID string) bool {
	found := false
	s.update(ctx, chatID, func(rec *ConversationRecord) bool {
		rec.Messages, found = removeByID(rec.Messages, msgID)
		return found
	})
	return found
}

// Commit merges incoming into what is persisted right now and advances the
// watermark to syncedAt. The watermark never moves backwards. ok is false
// when the backend could not be read; nothing is written then.
func (s *MessageStore) Commit(ctx context.Context, chatID string, incoming []Message, syncedAt int64) (merged []Message, ok bool) {
	rec := s.update(ctx, chatID, func(rec *ConversationRecord) bool {
		rec.Messages = Merge(rec.Messages, incoming)
		if syncedAt > rec.LastSyncTime {
			rec.LastSyncTime = syncedAt
		}
		return true
	})
	if rec == nil {
		return nil, false
	}
	return cloneMessages(rec.Messages), true
}

// Seed persists initial history for an empty conversation without touching
// the watermark, so the first sync still asks the remote for everything.
func (s *MessageStore) Seed(ctx context.Context, chatID string, msgs []Message) {
	s.update(ctx, chatID, func(rec *ConversationRecord) bool {
		if len(rec.Messages) > 0 {
			return false
		}
		rec.Messages = Dedupe(msgs)
		return true
	})
}

// Chats returns the ids of all persisted conversations, sorted.
func (s *MessageStore) Chats(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, _ := s.load(ctx)
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ── Chat list ────────────────────────────────────────────

// ChatList returns the cached conversation list.
func (s *MessageStore) ChatList(ctx context.Context) []ChatSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.backend.Get(ctx, ChatListKey)
	if errors.Is(err, ErrNotFound) {
		return []ChatSummary{}
	}
	if err != nil {
		storageErrors.WithLabelValues("read").Inc()
		s.logger.Error().Err(err).Msg("failed to read chat list")
		return []ChatSummary{}
	}
	var list []ChatSummary
	if err := json.Unmarshal(data, &list); err != nil {
		storageErrors.WithLabelValues("decode").Inc()
		s.logger.Warn().Err(err).Msg("discarding corrupt chat list")
		return []ChatSummary{}
	}
	return list
}

// SaveChatList replaces the cached conversation list.
func (s *MessageStore) SaveChatList(ctx context.Context, list []ChatSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(list)
	if err != nil {
		storageErrors.WithLabelValues("encode").Inc()
		s.logger.Error().Err(err).Msg("failed to encode chat list")
		return
	}
	if err := s.backend.Set(ctx, ChatListKey, data); err != nil {
		storageErrors.WithLabelValues("write").Inc()
		s.logger.Error().Err(err).Msg("failed to save chat list")
	}
}
