// Package nats carries backplane envelopes over core NATS subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"support-chat-ws/internal/domain"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

var errNotConnected = errors.New("nats not connected")

type Config struct {
	Servers       []string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Transport struct {
	nc     *nats.Conn
	prefix string
	log    logrus.FieldLogger

	mu           sync.Mutex
	disconnected chan struct{}
}

func NewTransport(cfg Config, log logrus.FieldLogger) (*Transport, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	t := &Transport{
		prefix:       cfg.SubjectPrefix,
		log:          log.WithField("component", "nats"),
		disconnected: make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.WithError(err).Warn("NATS disconnected")
			t.signalDisconnect()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	t.nc = nc
	return t, nil
}

func (t *Transport) subject(channel domain.Channel) string {
	if t.prefix == "" {
		return string(channel)
	}
	return t.prefix + "." + string(channel)
}

func (t *Transport) signalDisconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.disconnected)
	t.disconnected = make(chan struct{})
}

func (t *Transport) disconnectSignal() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected
}

func (t *Transport) Publish(ctx context.Context, channel domain.Channel, data []byte) error {
	if !t.nc.IsConnected() {
		return errNotConnected
	}
	if err := t.nc.Publish(t.subject(channel), data); err != nil {
		return err
	}
	return ctx.Err()
}

// Subscribe ends on disconnect so the caller sees the outage. Core NATS
// subscriptions resume by themselves after a reconnect, but the caller
// resubscribes anyway to get a fresh ready signal.
func (t *Transport) Subscribe(ctx context.Context, channels []domain.Channel, ready func(), handle func(domain.Channel, []byte)) error {
	if !t.nc.IsConnected() {
		return errNotConnected
	}
	lost := t.disconnectSignal()

	msgs := make(chan *nats.Msg, 256)
	subs := make([]*nats.Subscription, 0, len(channels))
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	bySubject := make(map[string]domain.Channel, len(channels))
	for _, ch := range channels {
		subject := t.subject(ch)
		sub, err := t.nc.ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
		bySubject[subject] = ch
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	ready()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return errNotConnected
		case m := <-msgs:
			ch, ok := bySubject[m.Subject]
			if !ok {
				continue
			}
			handle(ch, m.Data)
		}
	}
}

func (t *Transport) Close() error {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return err
	}
	return nil
}
