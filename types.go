package chatsync

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ============================================================================
// Messages
// ============================================================================

// Sender identifies who authored a message.
type Sender string

const (
	SenderSelf  Sender = "me"
	SenderOther Sender = "them"
)

// UnmarshalText maps the aliases "self" and "other" onto the wire values.
// Anything else is kept verbatim and counts as not self-authored.
func (s *Sender) UnmarshalText(b []byte) error {
	switch string(b) {
	case "me", "self":
		*s = SenderSelf
	case "them", "other":
		*s = SenderOther
	default:
		*s = Sender(b)
	}
	return nil
}

// Message is a single chat message. ID is unique within a conversation and is
// the deduplication key: two messages with the same ID are the same message.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Sender    Sender `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Synced    bool   `json:"synced,omitempty"`
}

// Pending reports whether a self-authored message still waits for the remote
// to acknowledge it.
func (m Message) Pending() bool {
	return m.Sender == SenderSelf && !m.Synced
}

// ConversationRecord is the persisted state of one conversation.
type ConversationRecord struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	LastSyncTime int64     `json:"lastSyncTime"`
}

// ChatSummary is one entry of the cached conversation list.
type ChatSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
	Unread        int    `json:"unread"`
}

// ============================================================================
// Conversation state
// ============================================================================

// State is the synchronization state of a conversation.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

// ============================================================================
// Wire envelopes
// ============================================================================

// messagesEnvelope is the body of GET /api/messages/{chatId}. Entries stay
// raw so each one decodes on its own.
type messagesEnvelope struct {
	Messages []json.RawMessage `json:"messages"`
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	return slices.Clone(msgs)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
