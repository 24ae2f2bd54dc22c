package chatsync

import (
	"fmt"
	"time"
)

// SeedProvider supplies the initial history shown for a conversation that has
// nothing cached locally. Returning nil means "no seed".
type SeedProvider interface {
	Seed(chatID string, now time.Time) []Message
}

// SeedFunc adapts a function to SeedProvider.
type SeedFunc func(chatID string, now time.Time) []Message

func (f SeedFunc) Seed(chatID string, now time.Time) []Message { return f(chatID, now) }

type noSeed struct{}

func (noSeed) Seed(string, time.Time) []Message { return nil }

// SeedLine is one scripted message, placed Ago before the time of seeding.
type SeedLine struct {
	Sender  Sender
	Content string
	Ago     time.Duration
}

// StaticSeeds maps chat ids to scripted histories. Generated ids are "m1",
// "m2", ... in script order and every seeded message is marked synced.
type StaticSeeds map[string][]SeedLine

func (s StaticSeeds) Seed(chatID string, now time.Time) []Message {
	lines, ok := s[chatID]
	if !ok {
		return nil
	}
	msgs := make([]Message, 0, len(lines))
	for i, l := range lines {
		msgs = append(msgs, Message{
			ID:        fmt.Sprintf("m%d", i+1),
			ChatID:    chatID,
			Sender:    l.Sender,
			Content:   l.Content,
			Timestamp: now.Add(-l.Ago).UnixMilli(),
			Synced:    true,
		})
	}
	return msgs
}

// DemoSeeds returns a small scripted history for the demo conversations
// "1" and "2". Only meant for local development.
func DemoSeeds() StaticSeeds {
	return StaticSeeds{
		"1": {
			{SenderOther, "Hi all, I have a frontend question", 60 * time.Minute},
			{SenderSelf, "Sure, what is it?", 58*time.Minute + 20*time.Second},
			{SenderOther, "How should the dependency array of useEffect be handled?", 56*time.Minute + 40*time.Second},
			{SenderSelf, "It depends, but usually it lists every value the effect reads", 55 * time.Minute},
			{SenderOther, "Got it. Any tips on rendering performance?", 53*time.Minute + 20*time.Second},
		},
		"2": {
			{SenderOther, "About this afternoon's product review", 2 * time.Hour},
			{SenderSelf, "What time?", 118*time.Minute + 20*time.Second},
			{SenderOther, "3pm, room A", 116*time.Minute + 40*time.Second},
			{SenderSelf, "OK, I'll be there", 115 * time.Minute},
		},
	}
}
