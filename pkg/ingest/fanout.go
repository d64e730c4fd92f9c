package ingest

import (
	"context"

	"farmchat/pkg/feed"
	"farmchat/pkg/logger"
	"farmchat/pkg/models"
)

// notifyCreated publishes a message.created event for a stored message.
// The broker may be nil (fanout disabled), and publish failures are logged
// rather than surfaced: the message is already durable.
func notifyCreated(ctx context.Context, b feed.Broker, msg *models.Message) {
	if b == nil || msg == nil {
		return
	}
	ev := models.Event{
		Type:         models.EventMessageCreated,
		Conversation: msg.Conversation,
		Message:      msg,
	}
	if err := b.Publish(ctx, ev); err != nil {
		logger.Warn("fanout_publish_failed", "conversation", msg.Conversation, "msg", msg.ID, "error", err)
	}
}

// notifyRead publishes a message.read event after a watermark advance.
func notifyRead(ctx context.Context, b feed.Broker, conversation, reader string, upToTS int64) {
	if b == nil {
		return
	}
	ev := models.Event{
		Type:         models.EventMessageRead,
		Conversation: conversation,
		Reader:       reader,
		UpToTS:       upToTS,
	}
	if err := b.Publish(ctx, ev); err != nil {
		logger.Warn("fanout_publish_failed", "conversation", conversation, "reader", reader, "error", err)
	}
}
