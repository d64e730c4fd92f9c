// Package feed is the realtime change feed: every stored mutation becomes an
// Event published to the conversation's subscribers. Delivery is best-effort
// and at-least-once; subscribers that fall behind lose events rather than
// slow the send path.
package feed

import (
	"context"
	"errors"
	"sync"

	"farmchat/pkg/models"
)

// ErrClosed is returned when publishing to or subscribing on a closed broker.
var ErrClosed = errors.New("feed: broker closed")

// DefaultBuffer is the per-subscriber event buffer when config leaves it 0.
const DefaultBuffer = 64

// Broker fans events out to conversation-scoped subscribers.
type Broker interface {
	Publish(ctx context.Context, ev models.Event) error
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
	Close() error
}

// Subscription is one conversation-scoped event stream. Events() is closed
// when the subscription or its broker closes.
type Subscription struct {
	conv   string
	ch     chan models.Event
	once   sync.Once
	detach func(*Subscription)
}

// Events returns the subscription's event stream.
func (s *Subscription) Events() <-chan models.Event { return s.ch }

// Conversation returns the conversation this subscription is scoped to.
func (s *Subscription) Conversation() string { return s.conv }

// Close detaches the subscription and closes its stream. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach(s)
		}
		close(s.ch)
	})
}
