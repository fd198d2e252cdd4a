// Package kafka carries backplane envelopes over kafka topics, one per channel.
package kafka

import "github.com/sirupsen/logrus"

type Config struct {
	Brokers     []string
	GroupPrefix string
	TopicPrefix string
	InstanceID  string
}

type Transport struct {
	*KafkaProducer
	*KafkaConsumer
}

func NewTransport(cfg Config, log logrus.FieldLogger) *Transport {
	return &Transport{
		KafkaProducer: NewKafkaProducer(cfg.Brokers, cfg.TopicPrefix),
		KafkaConsumer: NewKafkaConsumer(cfg.Brokers, cfg.GroupPrefix, cfg.InstanceID, cfg.TopicPrefix, log),
	}
}

// Close flushes the writer. Readers close when their subscription ends.
func (t *Transport) Close() error {
	return t.KafkaProducer.Close()
}
