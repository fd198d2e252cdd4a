package memory

import (
	"context"
	"errors"
	"sync"

	"support-chat-ws/internal/domain"
)

var ErrBusDown = errors.New("memory bus is down")

type busMessage struct {
	channel domain.Channel
	data    []byte
}

type subscriber struct {
	channels map[domain.Channel]bool
	inbox    chan busMessage
}

// Bus is an in-process pub/sub hub. Every Transport created from the same
// Bus behaves like a separate process attached to one backplane.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	down bool
	// broken is closed when the bus goes down to end active subscriptions.
	broken chan struct{}
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		broken: make(chan struct{}),
	}
}

// SetDown simulates a backplane outage: publishes fail and active
// subscriptions end with ErrBusDown.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if down == b.down {
		return
	}
	b.down = down
	if down {
		close(b.broken)
	} else {
		b.broken = make(chan struct{})
	}
}

func (b *Bus) Transport() *Transport {
	return &Transport{bus: b}
}

func (b *Bus) publish(channel domain.Channel, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.down {
		return ErrBusDown
	}
	for sub := range b.subs {
		if !sub.channels[channel] {
			continue
		}
		msg := busMessage{channel: channel, data: append([]byte(nil), data...)}
		select {
		case sub.inbox <- msg:
		default:
			// Slow subscriber; live delivery is best-effort.
		}
	}
	return nil
}

type Transport struct {
	bus *Bus
}

func (t *Transport) Publish(_ context.Context, channel domain.Channel, data []byte) error {
	return t.bus.publish(channel, data)
}

func (t *Transport) Subscribe(ctx context.Context, channels []domain.Channel, ready func(), handle func(domain.Channel, []byte)) error {
	sub := &subscriber{
		channels: make(map[domain.Channel]bool, len(channels)),
		inbox:    make(chan busMessage, 256),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}

	t.bus.mu.Lock()
	if t.bus.down {
		t.bus.mu.Unlock()
		return ErrBusDown
	}
	broken := t.bus.broken
	t.bus.subs[sub] = struct{}{}
	t.bus.mu.Unlock()

	defer func() {
		t.bus.mu.Lock()
		delete(t.bus.subs, sub)
		t.bus.mu.Unlock()
	}()

	if ready != nil {
		ready()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-broken:
			return ErrBusDown
		case msg := <-sub.inbox:
			handle(msg.channel, msg.data)
		}
	}
}

func (t *Transport) Close() error {
	return nil
}
