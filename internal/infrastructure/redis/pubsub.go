package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"support-chat-ws/internal/domain"
)

const channelPrefix = "support-chat:"

var errSubscriptionClosed = errors.New("redis subscription closed")

// PubSub is a backplane transport over redis PUBLISH/SUBSCRIBE.
type PubSub struct {
	rc             *RedisClient
	healthInterval time.Duration
}

func NewPubSub(rc *RedisClient, healthInterval time.Duration) *PubSub {
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	return &PubSub{rc: rc, healthInterval: healthInterval}
}

func (p *PubSub) Publish(ctx context.Context, channel domain.Channel, data []byte) error {
	return p.rc.client.Publish(ctx, channelPrefix+string(channel), data).Err()
}

// Subscribe returns when ctx is done, the subscription channel closes, or a
// periodic ping fails. go-redis reconnects quietly on its own, so the ping
// is what surfaces an outage to the caller.
func (p *PubSub) Subscribe(ctx context.Context, channels []domain.Channel, ready func(), handle func(domain.Channel, []byte)) error {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = channelPrefix + string(ch)
	}

	sub := p.rc.client.Subscribe(ctx, names...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %v: %w", names, err)
	}
	ready()

	messages := sub.Channel()
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, p.healthInterval)
			err := p.rc.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("redis health check: %w", err)
			}
		case msg, ok := <-messages:
			if !ok {
				return errSubscriptionClosed
			}
			handle(domain.Channel(strings.TrimPrefix(msg.Channel, channelPrefix)), []byte(msg.Payload))
		}
	}
}

// Close is a no-op; the shared client is closed by its owner.
func (p *PubSub) Close() error {
	return nil
}
