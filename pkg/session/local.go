package session

import (
	"context"
	"errors"
	"time"

	"farmchat/pkg/feed"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
	"farmchat/pkg/utils"
	"farmchat/pkg/validation"
)

// LocalStore adapts the storage layer to MessageStore for in-process use:
// tests, tools and anything else living in the server process. Sends write
// straight to the store and publish their events on Broker when set, the
// same shape the ingest pipeline produces.
type LocalStore struct {
	Store  store.Store
	Broker feed.Broker
	Self   string
}

func (l LocalStore) SendMessage(ctx context.Context, receiverID, content, correlationID string) (models.Message, error) {
	conv, _, err := l.Store.EnsureConversation(ctx, l.Self, receiverID)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:            utils.GenID("msg"),
		Conversation:  conv.ID,
		Sender:        l.Self,
		Receiver:      receiverID,
		TS:            time.Now().UTC().UnixNano(),
		Content:       content,
		CorrelationID: correlationID,
	}
	if err := validation.ValidateMessage(msg); err != nil {
		return models.Message{}, err
	}
	if err := l.Store.AppendMessage(ctx, msg); err != nil {
		return models.Message{}, err
	}
	if l.Broker != nil {
		_ = l.Broker.Publish(ctx, models.Event{
			Type:         models.EventMessageCreated,
			Conversation: conv.ID,
			Message:      &msg,
		})
	}
	return msg, nil
}

func (l LocalStore) ConversationMessages(ctx context.Context, otherID string, limit, offset int) ([]models.Message, error) {
	conv, err := l.Store.FindConversation(ctx, l.Self, otherID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l.Store.ConversationMessages(ctx, conv.ID, limit, offset)
}

func (l LocalStore) FindConversation(ctx context.Context, otherID string) (models.Conversation, error) {
	conv, err := l.Store.FindConversation(ctx, l.Self, otherID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Conversation{}, ErrNoConversation
	}
	return conv, err
}

// BrokerFeed adapts a feed.Broker to ChangeFeed.
type BrokerFeed struct {
	Broker feed.Broker
}

func (b BrokerFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	sub, err := b.Broker.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
