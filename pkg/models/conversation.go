package models

import "strings"

// Conversation is a direct chat between exactly two participants, keyed by
// the unordered pair so (a,b) and (b,a) resolve to the same record. It is
// created server-side as a side effect of the first delivered message,
// never eagerly on open.
type Conversation struct {
	ID string `json:"id"`
	// UserLo/UserHi are the participant ids in lexicographic order.
	UserLo string `json:"user_lo"`
	UserHi string `json:"user_hi"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// LastTS/LastContent mirror the newest message for inbox listings.
	LastTS      int64  `json:"last_ts,omitempty"`
	LastContent string `json:"last_content,omitempty"`
}

// PairKey normalizes two participant ids into canonical (lo, hi) order.
func PairKey(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// Has reports whether userID is one of the two participants.
func (c Conversation) Has(userID string) bool {
	return userID == c.UserLo || userID == c.UserHi
}

// Peer returns the other participant's id, or "" when userID is not a member.
func (c Conversation) Peer(userID string) string {
	switch userID {
	case c.UserLo:
		return c.UserHi
	case c.UserHi:
		return c.UserLo
	}
	return ""
}

// ConversationSummary is a conversation viewed by one participant, with the
// derived fields inbox listings need.
type ConversationSummary struct {
	Conversation
	Peer   string `json:"peer"`
	Unread int    `json:"unread"`
}
