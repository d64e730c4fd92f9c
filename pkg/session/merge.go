package session

import (
	"sort"

	"farmchat/pkg/models"
)

// EntryKind tags a list entry as a local placeholder or a stored message.
type EntryKind int

const (
	// Pending is a locally-synthesized message shown before the server
	// confirms the send.
	Pending EntryKind = iota
	// Confirmed is an authoritative message from the store or the feed.
	Confirmed
)

func (k EntryKind) String() string {
	if k == Pending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one element of the displayed message list. A Pending entry
// carries a local id and the correlation id it was sent with; a Confirmed
// entry carries the stored message verbatim.
type Entry struct {
	Kind    EntryKind
	LocalID string // set for Pending entries only
	Msg     models.Message
}

// Identity keys an entry for reconciliation: the local id while pending,
// the server id once confirmed. The two id spaces never collide.
func (e Entry) Identity() string {
	if e.Kind == Pending {
		return e.LocalID
	}
	return e.Msg.ID
}

// Merge folds authoritative messages into the previous list and returns a
// new ordered, de-duplicated list. It is a pure function and idempotent:
// merging the same inputs twice yields the same output.
//
// The steps, in order:
//  1. index the previous list by identity, keeping placeholders;
//  2. overlay the incoming messages by server id — an existing placeholder
//     is never silently replaced here (the id spaces are disjoint by
//     construction, so this guard is defensive);
//  3. drop every placeholder that an authoritative entry supersedes,
//     matching by correlation id when both sides carry one and by
//     sender+content otherwise;
//  4. stable-sort by timestamp ascending.
//
// The sender+content fallback can pair a placeholder with the wrong
// message when two sends with identical text race; correlation ids exist
// to make that window disappear whenever the server echoes them.
func Merge(prev []Entry, incoming []models.Message) []Entry {
	merged := make([]Entry, len(prev))
	copy(merged, prev)
	index := make(map[string]int, len(merged)+len(incoming))
	for i, e := range merged {
		index[e.Identity()] = i
	}

	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		if i, ok := index[m.ID]; ok {
			if merged[i].Kind == Pending {
				continue
			}
			// same id delivered again (at-least-once feed); take the newer
			// copy so read-state transitions land
			merged[i] = Entry{Kind: Confirmed, Msg: m}
			continue
		}
		index[m.ID] = len(merged)
		merged = append(merged, Entry{Kind: Confirmed, Msg: m})
	}

	out := merged[:0:0]
	for _, e := range merged {
		if e.Kind == Pending && supersededBy(e, merged) {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Msg.TS < out[j].Msg.TS })
	return out
}

// supersededBy reports whether some confirmed entry in list accounts for
// the placeholder p.
func supersededBy(p Entry, list []Entry) bool {
	for _, e := range list {
		if e.Kind != Confirmed {
			continue
		}
		if supersedes(e.Msg, p.Msg) {
			return true
		}
	}
	return false
}

// supersedes reports whether confirmed message c is the stored form of the
// optimistic message p. Correlation ids give an exact answer when both
// sides have one; otherwise equal sender and content is taken as a match.
func supersedes(c, p models.Message) bool {
	if c.CorrelationID != "" && p.CorrelationID != "" {
		return c.CorrelationID == p.CorrelationID
	}
	return c.Sender == p.Sender && c.Content == p.Content
}
