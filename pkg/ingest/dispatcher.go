package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"farmchat/pkg/config"
	"farmchat/pkg/feed"
	"farmchat/pkg/logger"
	"farmchat/pkg/models"
)

// Dispatcher is the write front door for the API layer. In async mode it
// enqueues ops for the processor pool and the caller gets an accepted-style
// answer; in sync mode it runs the same handler and apply path inline so
// both modes share one validation and persistence codepath.
type Dispatcher struct {
	async  bool
	q      *Queue
	p      *Processor
	broker feed.Broker
}

// NewDispatcher builds a dispatcher from the ingest config. broker may be
// nil to disable fanout.
func NewDispatcher(cfg config.IngestConfig, broker feed.Broker) *Dispatcher {
	d := &Dispatcher{async: cfg.Async, broker: broker}
	if !cfg.Async {
		return d
	}
	if n := int(cfg.Queue.MaxPooledBufferBytes); n > 0 {
		SetMaxPooledBuffer(n)
	}
	d.q = NewQueue(cfg.Queue.Capacity)
	d.p = NewProcessor(d.q, cfg.Processor, cfg.Queue.DrainPollInterval.Duration(), broker)
	RegisterDefaultHandlers(d.p)
	return d
}

// Async reports whether writes are queued rather than applied inline.
func (d *Dispatcher) Async() bool { return d.async }

// Queue exposes the underlying queue for stats; nil in sync mode.
func (d *Dispatcher) Queue() *Queue { return d.q }

// Processor exposes the worker pool for the storage monitor; nil in sync
// mode.
func (d *Dispatcher) Processor() *Processor { return d.p }

// Start launches the worker pool in async mode; a no-op otherwise.
func (d *Dispatcher) Start() {
	if d.p != nil {
		d.p.Start()
	}
}

// Stop closes the queue, lets workers drain it within ctx, then discards
// whatever could not be applied in time.
func (d *Dispatcher) Stop(ctx context.Context) {
	if d.q == nil {
		return
	}
	d.q.Close()
	d.p.Stop(ctx)
	d.q.Drain()
	if n := d.q.Dropped(); n > 0 {
		logger.Warn("ingest_dispatcher_stopped", "dropped_total", n)
	}
}

// SubmitMessage routes a fully-formed message (id, conversation and
// timestamp assigned) into the write path. In async mode ErrQueueFull tells
// the caller to shed load.
func (d *Dispatcher) SubmitMessage(ctx context.Context, msg models.Message, extras map[string]string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if d.async {
		return d.q.EnqueueOp(HandlerMessageCreate, msg.Conversation, msg.ID, payload, msg.TS, extras)
	}
	entries, err := MessageCreateHandler(ctx, &Op{
		Handler:      HandlerMessageCreate,
		Conversation: msg.Conversation,
		ID:           msg.ID,
		Payload:      payload,
		TS:           msg.TS,
		Extras:       extras,
	})
	if err != nil {
		return err
	}
	return applyEntries(ctx, d.broker, entries)
}

// SubmitRead routes a read-watermark advance. In sync mode it returns how
// many messages flipped to read; in async mode the count is unknown and 0
// is returned once the op is accepted.
func (d *Dispatcher) SubmitRead(ctx context.Context, conversation, reader string, upToTS int64, extras map[string]string) (int, error) {
	payload, err := json.Marshal(readMark{Reader: reader, UpToTS: upToTS})
	if err != nil {
		return 0, fmt.Errorf("encode read mark: %w", err)
	}
	if d.async {
		return 0, d.q.EnqueueOp(HandlerMessageRead, conversation, "", payload, upToTS, extras)
	}
	entries, err := MessageReadHandler(ctx, &Op{
		Handler:      HandlerMessageRead,
		Conversation: conversation,
		Payload:      payload,
		TS:           upToTS,
		Extras:       extras,
	})
	if err != nil {
		return 0, err
	}
	// inline apply so the caller can report the flipped count
	if len(entries) == 0 {
		return 0, nil
	}
	e := entries[0]
	flipped, err := applyRead(ctx, d.broker, e)
	return flipped, err
}
