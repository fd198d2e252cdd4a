// Package backplane fans routing envelopes out to every process and feeds
// envelopes published elsewhere into local delivery.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Transport moves raw envelope bytes between processes.
type Transport interface {
	Publish(ctx context.Context, channel domain.Channel, data []byte) error
	// Subscribe blocks, passing every received message to handle, until ctx
	// is done or the subscription breaks. ready is called once the
	// subscription is established.
	Subscribe(ctx context.Context, channels []domain.Channel, ready func(), handle func(domain.Channel, []byte)) error
	Close() error
}

// DeliverFunc performs local delivery of an envelope received from another process.
type DeliverFunc func(env domain.RoutingEnvelope)

type Config struct {
	InstanceID     string
	PublishTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

type Client struct {
	transport Transport
	cfg       Config
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	// connected tracks the subscription. Publishing is skipped while it is
	// down so callers never wait on an unreachable backplane.
	connected atomic.Bool
}

func NewClient(transport Transport, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Client {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	c := &Client{
		transport: transport,
		cfg:       cfg,
		log:       log.WithField("component", "backplane"),
		metrics:   m,
	}
	c.connected.Store(true)
	return c
}

func (c *Client) InstanceID() string {
	return c.cfg.InstanceID
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Publish sends env to every other process. It does not wait for delivery.
// On failure it logs and returns an error wrapping ErrBackplaneUnavailable,
// which callers treat as a degradation, not a failure.
func (c *Client) Publish(ctx context.Context, env domain.RoutingEnvelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Origin = c.cfg.InstanceID
	env.Channel = env.TargetType.Channel()

	if !c.connected.Load() {
		c.publishFailed(env, fmt.Errorf("subscription down"))
		return fmt.Errorf("%w: subscription down", domain.ErrBackplaneUnavailable)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	if err := c.transport.Publish(ctx, env.Channel, data); err != nil {
		c.publishFailed(env, err)
		return fmt.Errorf("%w: %v", domain.ErrBackplaneUnavailable, err)
	}
	return nil
}

func (c *Client) publishFailed(env domain.RoutingEnvelope, err error) {
	if c.metrics != nil {
		c.metrics.BackplanePublishFailures.Inc()
	}
	c.log.WithFields(logrus.Fields{
		"channel":     env.Channel,
		"target_type": env.TargetType,
		"target_id":   env.TargetID,
		"error":       err.Error(),
	}).Warn("Backplane publish failed, delivery limited to this instance")
}

// Run is the delivery loop. It resubscribes with exponential backoff,
// without limit, until ctx is cancelled.
func (c *Client) Run(ctx context.Context, deliver DeliverFunc) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0

	ready := func() {
		c.connected.Store(true)
		b.Reset()
		c.log.Info("Backplane subscription established")
	}
	handle := func(channel domain.Channel, data []byte) {
		c.handle(channel, data, deliver)
	}

	for {
		err := c.transport.Subscribe(ctx, domain.Channels(), ready, handle)
		c.connected.Store(false)
		if ctx.Err() != nil {
			c.log.Info("Backplane delivery loop stopping")
			return
		}

		wait := b.NextBackOff()
		if c.metrics != nil {
			c.metrics.BackplaneReconnects.Inc()
		}
		c.log.WithFields(logrus.Fields{
			"error": fmt.Sprint(err),
			"retry": wait.String(),
		}).Warn("Backplane subscription lost")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) handle(channel domain.Channel, data []byte, deliver DeliverFunc) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("channel", channel).Errorf("Recovered from panic while delivering envelope: %v", r)
		}
	}()

	var env domain.RoutingEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.WithFields(logrus.Fields{"channel": channel, "error": err.Error()}).Warn("Dropping malformed envelope")
		return
	}
	// The publishing instance already delivered locally.
	if env.Origin == c.cfg.InstanceID {
		return
	}
	if c.metrics != nil {
		c.metrics.BackplaneReceived.WithLabelValues(string(channel)).Inc()
	}
	deliver(env)
}

func (c *Client) Close() error {
	return c.transport.Close()
}
