package chatsync

import "github.com/oklog/ulid/v2"

// IDGenerator returns a fresh message id.
type IDGenerator func() string

// NewMessageID returns a ULID-based id. ULIDs from one process are strictly
// increasing even within the same millisecond, so two sends in a burst never
// collide.
func NewMessageID() string {
	return "m-" + ulid.Make().String()
}
