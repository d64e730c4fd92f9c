package ingest

import (
	"context"
	"fmt"

	"farmchat/pkg/feed"
	"farmchat/pkg/logger"
	"farmchat/pkg/metrics"
	"farmchat/pkg/store"
)

// applyCreate persists one message and publishes its event.
func applyCreate(ctx context.Context, broker feed.Broker, e Entry) error {
	if e.Msg == nil {
		return fmt.Errorf("create entry without message")
	}
	if err := store.AppendMessage(ctx, *e.Msg); err != nil {
		metrics.ApplyFailures.Inc()
		return err
	}
	metrics.MessagesSent.Inc()
	notifyCreated(ctx, broker, e.Msg)
	return nil
}

// applyRead advances one reader watermark and publishes its event when
// anything actually flipped.
func applyRead(ctx context.Context, broker feed.Broker, e Entry) (int, error) {
	flipped, err := store.MarkRead(ctx, e.Conversation, e.Reader, e.UpToTS)
	if err != nil {
		metrics.ApplyFailures.Inc()
		return 0, err
	}
	if flipped > 0 {
		notifyRead(ctx, broker, e.Conversation, e.Reader, e.UpToTS)
	}
	return flipped, nil
}

// applyEntries writes a batch of entries through the store in enqueue
// order and publishes an event for each successful one. A failing entry is
// logged and skipped so one bad op cannot wedge the batch.
func applyEntries(ctx context.Context, broker feed.Broker, entries []Entry) error {
	var failed int
	for _, e := range entries {
		switch e.Handler {
		case HandlerMessageCreate:
			if err := applyCreate(ctx, broker, e); err != nil {
				logger.Error("apply_message_failed",
					"conversation", e.Conversation, "error", err)
				failed++
			}
		case HandlerMessageRead:
			if _, err := applyRead(ctx, broker, e); err != nil {
				logger.Error("apply_read_failed",
					"conversation", e.Conversation, "reader", e.Reader, "error", err)
				failed++
			}
		default:
			logger.Warn("apply_unknown_entry", "handler", e.Handler)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(entries))
	}
	return nil
}
