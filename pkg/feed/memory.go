package feed

import (
	"context"

	"farmchat/pkg/logger"
	"farmchat/pkg/metrics"
	"farmchat/pkg/models"
	"sync"
)

// Memory is the single-node broker: a per-conversation subscriber registry
// with non-blocking delivery. It also backs the redis broker's local leg.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewMemory returns a broker with the given per-subscriber buffer size.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Memory{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (b *Memory) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		conv:   conversationID,
		ch:     make(chan models.Event, b.buffer),
		detach: b.detach,
	}
	set, ok := b.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// detach removes the subscription before its channel closes, so an
// in-flight Publish can never send on a closed channel.
func (b *Memory) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.conv]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.conv)
		}
	}
}

func (b *Memory) Publish(ctx context.Context, ev models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	metrics.FeedPublished.WithLabelValues(ev.Type).Inc()
	for sub := range b.subs[ev.Conversation] {
		select {
		case sub.ch <- ev:
		default:
			// slow subscriber: drop rather than block the send path
			metrics.FeedDropped.Inc()
			logger.Warn("feed_subscriber_dropped_event", "conversation", ev.Conversation, "type", ev.Type)
		}
	}
	return nil
}

// Close detaches and closes every subscription. Further Publish and
// Subscribe calls return ErrClosed.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
