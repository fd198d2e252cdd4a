package kafka

import (
	"testing"

	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/logger"

	"github.com/stretchr/testify/assert"
)

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "chat_messages", TopicFor("", domain.ChannelChatMessages))
	assert.Equal(t, "support.session_notifications", TopicFor("support", domain.ChannelSessionNotifications))
}

func TestConsumerGroupIsPerInstance(t *testing.T) {
	a := NewTransport(Config{Brokers: []string{"k:9092"}, GroupPrefix: "chat", InstanceID: "a"}, logger.Discard())
	b := NewTransport(Config{Brokers: []string{"k:9092"}, GroupPrefix: "chat", InstanceID: "b"}, logger.Discard())
	defer a.Close()
	defer b.Close()

	assert.Equal(t, "chat-a", a.GroupID())
	assert.NotEqual(t, a.GroupID(), b.GroupID())
}
