package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"support-chat-ws/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaConsumer reads every backplane topic in a consumer group of its own,
// so each process sees every envelope.
type KafkaConsumer struct {
	brokers []string
	groupID string
	prefix  string
	log     logrus.FieldLogger
}

// NewKafkaConsumer joins a consumer group of its own so every instance reads
// every envelope. The group is named after instanceID, which must be stable
// across restarts to avoid orphaned groups on the broker.
func NewKafkaConsumer(brokers []string, groupPrefix, instanceID, topicPrefix string, log logrus.FieldLogger) *KafkaConsumer {
	return &KafkaConsumer{
		brokers: brokers,
		groupID: groupPrefix + "-" + instanceID,
		prefix:  topicPrefix,
		log:     log.WithField("component", "kafka-consumer"),
	}
}

func (k *KafkaConsumer) GroupID() string {
	return k.groupID
}

func (k *KafkaConsumer) Subscribe(ctx context.Context, channels []domain.Channel, ready func(), handle func(domain.Channel, []byte)) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	_ = conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readers := make([]*kafka.Reader, 0, len(channels))
	for _, ch := range channels {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        k.brokers,
			Topic:          TopicFor(k.prefix, ch),
			GroupID:        k.groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		}))
	}
	ready()

	errCh := make(chan error, len(readers))
	var wg sync.WaitGroup
	for i, reader := range readers {
		wg.Add(1)
		go func(channel domain.Channel, reader *kafka.Reader) {
			defer wg.Done()
			defer reader.Close()
			// Recovery dari panic untuk mencegah crash goroutine
			defer func() {
				if r := recover(); r != nil {
					k.log.WithField("channel", channel).Errorf("Recovered from panic in Kafka reader: %v", r)
					errCh <- fmt.Errorf("kafka reader %s panicked: %v", channel, r)
				}
			}()

			for {
				m, err := reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
						k.log.WithError(err).Debug("Kafka group settling, continuing")
						continue
					}
					errCh <- fmt.Errorf("read %s: %w", channel, err)
					return
				}
				handle(channel, m.Value)
			}
		}(channels[i], reader)
	}

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	return err
}
