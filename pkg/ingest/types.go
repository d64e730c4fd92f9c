package ingest

import (
	"context"

	"farmchat/pkg/models"
)

// HandlerFunc turns one queued Op into zero or more Entry values to be
// applied together. Returning an error signals a malformed op; the
// processor logs it and moves on.
type HandlerFunc func(ctx context.Context, op *Op) ([]Entry, error)

// Entry is one decoded operation ready for the store. Handlers decode the
// pooled payload into typed fields so the Op's buffer can be released
// before apply.
type Entry struct {
	Handler      HandlerID
	Conversation string
	// Msg is set for message.create entries.
	Msg *models.Message
	// Reader and UpToTS are set for message.read entries.
	Reader string
	UpToTS int64
	// Enq preserves the enqueue sequence for ordering.
	Enq uint64
}

// readMark is the payload shape for message.read ops.
type readMark struct {
	Reader string `json:"reader"`
	UpToTS int64  `json:"up_to_ts"`
}
