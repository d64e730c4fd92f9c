package utils

import "github.com/google/uuid"

// GenID returns a fresh identifier of the form "<kind>-<uuid>", e.g.
// "conv-5f64…" or "msg-a01b…". The kind prefix keeps storage keys and log
// lines readable when ids from different spaces appear side by side.
func GenID(kind string) string {
	return kind + "-" + uuid.NewString()
}

// NewCorrelationID returns an id a client attaches to an optimistic send so
// the confirmed message can be matched back to its placeholder exactly.
func NewCorrelationID() string {
	return uuid.NewString()
}
