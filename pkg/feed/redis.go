package feed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"farmchat/pkg/logger"
	"farmchat/pkg/models"
	"farmchat/pkg/utils"
)

// Redis bridges brokers on different nodes through one pub/sub channel.
// Local delivery goes through an embedded Memory broker; remote events are
// folded in by a background receiver, with the node id suppressing echoes.
type Redis struct {
	local   *Memory
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	node    string
	cancel  context.CancelFunc
	done    chan struct{}
}

// RedisOptions configures the cross-node broker.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	Buffer        int
}

// NewRedis connects, subscribes to the shared event channel and starts the
// remote receiver.
func NewRedis(opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = "farmchat"
	}
	b := &Redis{
		local:   NewMemory(opts.Buffer),
		client:  client,
		channel: prefix + ":events",
		node:    utils.GenID("node"),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.pubsub = client.Subscribe(ctx, b.channel)
	// confirm the subscription before events can be missed
	if _, err := b.pubsub.Receive(ctx); err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	go b.receive(ctx)
	logger.Info("feed_redis_connected", "addr", opts.Addr, "channel", b.channel, "node", b.node)
	return b, nil
}

// receive folds events published by other nodes into the local broker.
func (b *Redis) receive(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("feed_redis_bad_payload", "error", err)
				continue
			}
			if ev.Node == b.node {
				// our own publish already went to local subscribers
				continue
			}
			_ = b.local.Publish(ctx, ev)
		}
	}
}

func (b *Redis) Publish(ctx context.Context, ev models.Event) error {
	ev.Node = b.node
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		// local subscribers got the event; remote nodes will not
		logger.Error("feed_redis_publish_failed", "error", err)
		return err
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	return b.local.Subscribe(ctx, conversationID)
}

func (b *Redis) Close() error {
	b.cancel()
	_ = b.pubsub.Close()
	<-b.done
	err := b.client.Close()
	if lerr := b.local.Close(); err == nil {
		err = lerr
	}
	return err
}
