package models

const (
	EventMessageCreated = "message.created"
	EventMessageRead    = "message.read"
)

// Event is one change-feed notification for a conversation. Delivery is
// at-least-once and unordered; consumers must de-duplicate by message id
// and re-sort by timestamp.
type Event struct {
	Type         string `json:"type"`
	Conversation string `json:"conversation"`
	// Message is set for message.created.
	Message *Message `json:"message,omitempty"`
	// Reader/UpToTS are set for message.read: Reader has seen everything
	// addressed to them with TS <= UpToTS.
	Reader string `json:"reader,omitempty"`
	UpToTS int64  `json:"up_to_ts,omitempty"`
	// Node identifies the fanout origin so cross-node brokers can drop
	// their own echo.
	Node string `json:"node,omitempty"`
}
