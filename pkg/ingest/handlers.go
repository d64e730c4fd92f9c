package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"farmchat/pkg/models"
	"farmchat/pkg/validation"
)

// MessageCreateHandler decodes a message.create op. The HTTP layer already
// resolved the conversation and assigned id and timestamp; the handler
// re-checks the fields it cannot trust and fills the ones it can.
func MessageCreateHandler(ctx context.Context, op *Op) ([]Entry, error) {
	if len(op.Payload) == 0 {
		return nil, fmt.Errorf("empty payload for message create")
	}
	var m models.Message
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return nil, fmt.Errorf("invalid message json: %w", err)
	}
	if m.ID == "" && op.ID != "" {
		m.ID = op.ID
	}
	if m.Conversation == "" && op.Conversation != "" {
		m.Conversation = op.Conversation
	}
	if m.TS == 0 && op.TS != 0 {
		m.TS = op.TS
	}
	if m.Sender == "" {
		if a := op.Extras["identity"]; a != "" {
			m.Sender = a
		}
	}
	if m.TS == 0 {
		m.TS = time.Now().UTC().UnixNano()
	}
	if m.ID == "" {
		return nil, fmt.Errorf("missing message id")
	}
	if err := validation.ValidateMessage(m); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	e := Entry{Handler: HandlerMessageCreate, Conversation: m.Conversation, Msg: &m, Enq: op.EnqSeq}
	return []Entry{e}, nil
}

// MessageReadHandler decodes a message.read op carrying the reader's new
// watermark for a conversation.
func MessageReadHandler(ctx context.Context, op *Op) ([]Entry, error) {
	if op.Conversation == "" {
		return nil, fmt.Errorf("missing conversation for read mark")
	}
	var rm readMark
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &rm); err != nil {
			return nil, fmt.Errorf("invalid read mark json: %w", err)
		}
	}
	if rm.Reader == "" {
		rm.Reader = op.Extras["identity"]
	}
	if rm.Reader == "" {
		return nil, fmt.Errorf("missing reader for read mark")
	}
	if rm.UpToTS == 0 {
		rm.UpToTS = op.TS
	}
	if rm.UpToTS == 0 {
		rm.UpToTS = time.Now().UTC().UnixNano()
	}
	e := Entry{Handler: HandlerMessageRead, Conversation: op.Conversation, Reader: rm.Reader, UpToTS: rm.UpToTS, Enq: op.EnqSeq}
	return []Entry{e}, nil
}

// RegisterDefaultHandlers wires the standard handlers onto p.
func RegisterDefaultHandlers(p *Processor) {
	p.RegisterHandler(HandlerMessageCreate, MessageCreateHandler)
	p.RegisterHandler(HandlerMessageRead, MessageReadHandler)
}
