package store

import (
	"fmt"
	"strings"

	"farmchat/pkg/models"
)

// Key layout. All message keys for a conversation share one prefix and sort
// by insertion time, so history pages are prefix scans:
//
//	conv:<id>:meta                    conversation JSON
//	conv:<id>:msg:<ts20>-<seq6>       message JSON, sortable by (ts, seq)
//	conv:<id>:unread:<user>           unread counter for one participant
//	convpair:<lo>|<hi>                conversation id, unordered-pair index
//	user:<user>:conv:<id>             membership index for inbox listings
//	participant:<id>                  participant JSON
//	system:<name>                     service-internal markers

// ConvMetaKey returns the metadata key for a conversation.
func ConvMetaKey(convID string) []byte {
	return []byte("conv:" + convID + ":meta")
}

// MsgKey returns the storage key for a message at (ts, seq). Timestamps are
// zero-padded so lexicographic order matches numeric order.
func MsgKey(convID string, ts int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020d-%06d", convID, ts, seq))
}

// MsgPrefix returns the common prefix of all message keys in a conversation.
func MsgPrefix(convID string) []byte {
	return []byte("conv:" + convID + ":msg:")
}

// UnreadKey returns the unread-counter key for one participant of a
// conversation.
func UnreadKey(convID, userID string) []byte {
	return []byte("conv:" + convID + ":unread:" + userID)
}

// PairIndexKey returns the unordered-pair index key for two participants.
// (a,b) and (b,a) produce the same key.
func PairIndexKey(a, b string) []byte {
	lo, hi := models.PairKey(a, b)
	return []byte("convpair:" + lo + "|" + hi)
}

// UserConvKey returns the membership index key linking a user to a
// conversation.
func UserConvKey(userID, convID string) []byte {
	return []byte("user:" + userID + ":conv:" + convID)
}

// UserConvPrefix returns the prefix of all membership index keys for a user.
func UserConvPrefix(userID string) []byte {
	return []byte("user:" + userID + ":conv:")
}

// ParticipantKey returns the key holding participant reference data.
func ParticipantKey(id string) []byte {
	return []byte("participant:" + id)
}

// SystemKey returns a key in the service-internal namespace.
func SystemKey(name string) string {
	return "system:" + name
}

// ConvIDFromUserConvKey extracts the conversation id from a membership index
// key, or "" when the key is not one.
func ConvIDFromUserConvKey(key, userID string) string {
	prefix := string(UserConvPrefix(userID))
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return key[len(prefix):]
}
