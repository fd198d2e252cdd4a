package memory

import (
	"context"
	"testing"
	"time"

	"support-chat-ws/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	ready := make(chan struct{})
	go func() {
		_ = bus.Transport().Subscribe(ctx, []domain.Channel{domain.ChannelChatMessages}, func() { close(ready) },
			func(ch domain.Channel, data []byte) { got <- string(ch) + ":" + string(data) })
	}()
	<-ready

	pub := bus.Transport()
	require.NoError(t, pub.Publish(ctx, domain.ChannelChatMessages, []byte("hi")))
	require.NoError(t, pub.Publish(ctx, domain.ChannelEmployeeNotifications, []byte("ignored")))

	select {
	case msg := <-got:
		assert.Equal(t, "chat_messages:hi", msg)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Empty(t, got)
}

func TestBusOutage(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		done <- bus.Transport().Subscribe(ctx, domain.Channels(), func() { close(ready) }, func(domain.Channel, []byte) {})
	}()
	<-ready

	bus.SetDown(true)
	assert.ErrorIs(t, <-done, ErrBusDown)
	assert.ErrorIs(t, bus.Transport().Publish(ctx, domain.ChannelChatMessages, nil), ErrBusDown)

	bus.SetDown(false)
	assert.NoError(t, bus.Transport().Publish(ctx, domain.ChannelChatMessages, nil))
}
