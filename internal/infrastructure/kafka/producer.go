package kafka

import (
	"context"
	"time"

	"support-chat-ws/internal/domain"

	"github.com/segmentio/kafka-go"
)

// TopicFor maps a backplane channel to its kafka topic.
func TopicFor(prefix string, channel domain.Channel) string {
	if prefix == "" {
		return string(channel)
	}
	return prefix + "." + string(channel)
}

type KafkaProducer struct {
	Writer *kafka.Writer
	prefix string
}

func NewKafkaProducer(brokers []string, topicPrefix string) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
		// Optimize for low latency
		BatchSize:              1,
		BatchTimeout:           time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{Writer: writer, prefix: topicPrefix}
}

func (k *KafkaProducer) Publish(ctx context.Context, channel domain.Channel, data []byte) error {
	return k.Writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicFor(k.prefix, channel),
		Value: data,
	})
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}
