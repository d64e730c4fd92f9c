package models

type Message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	TS           int64  `json:"ts"`
	Content      string `json:"content"`
	// Read flips once when the receiver marks the conversation read up to
	// this message; no other field changes after the message is stored.
	Read bool `json:"read,omitempty"`
	// CorrelationID is a client-generated id carried on send and echoed on
	// the stored message and its change event, so optimistic placeholders
	// can be matched exactly instead of by content.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Pair returns the message's participant pair in canonical (lo, hi) order.
func (m Message) Pair() (string, string) {
	return PairKey(m.Sender, m.Receiver)
}
