package chatsync

import "sort"

// Merge combines two message sequences into one deduplicated sequence ordered
// by timestamp.
//
// Entries are keyed by ID with local inserted before incoming, so on collision
// the incoming copy wins. That is how an optimistic local message becomes
// synced once the remote echoes it back. A replaced entry keeps the position
// of its first insertion, and messages with equal timestamps keep that
// insertion order.
//
// Neither input is modified.
func Merge(local, incoming []Message) []Message {
	index := make(map[string]int, len(local)+len(incoming))
	out := make([]Message, 0, len(local)+len(incoming))

	put := func(m Message) {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			return
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range local {
		put(m)
	}
	for _, m := range incoming {
		put(m)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Dedupe normalizes a single sequence: duplicates collapse to their last
// copy and the result is ordered by timestamp.
func Dedupe(msgs []Message) []Message {
	return Merge(msgs, nil)
}

func removeByID(msgs []Message, id string) ([]Message, bool) {
	out := make([]Message, 0, len(msgs))
	found := false
	for _, m := range msgs {
		if m.ID == id {
			found = true
			continue
		}
		out = append(out, m)
	}
	return out, found
}
