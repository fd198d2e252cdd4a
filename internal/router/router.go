// Package router decides where chat events go: to connections held by this
// process, to the backplane, or both.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/metrics"
	"support-chat-ws/internal/registry"

	"github.com/sirupsen/logrus"
)

// Publisher is the outbound half of the backplane.
type Publisher interface {
	Publish(ctx context.Context, env domain.RoutingEnvelope) error
}

type Router struct {
	store     domain.SessionStore
	registry  *registry.Registry
	backplane Publisher
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(store domain.SessionStore, reg *registry.Registry, backplane Publisher, log logrus.FieldLogger, m *metrics.Metrics) *Router {
	return &Router{
		store:     store,
		registry:  reg,
		backplane: backplane,
		log:       log.WithField("component", "router"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RouteCustomerMessage persists the message, then sends it to the assigned
// employee or, for unassigned sessions, to every employee of the shop.
func (r *Router) RouteCustomerMessage(ctx context.Context, session *domain.ChatSession, customerEmail, content, timestamp string) (*domain.ChatMessage, error) {
	msg, err := r.store.AppendMessage(ctx, session.ID, nil, content, true)
	if err != nil {
		return nil, fmt.Errorf("persist customer message: %w", err)
	}
	r.persisted(domain.FromCustomer)

	if timestamp == "" {
		timestamp = msg.CreatedAt.Format(time.RFC3339)
	}

	if employeeID, ok := session.AssignedTo(); ok {
		r.dispatch(ctx, domain.TargetEmployee, registry.EmployeeIdentity(employeeID), domain.Notification{
			Type:          domain.OutboundMessage,
			SessionID:     session.ID,
			Message:       content,
			From:          domain.FromCustomer,
			CustomerEmail: customerEmail,
			Timestamp:     timestamp,
		}, false)
		return msg, nil
	}

	r.dispatch(ctx, domain.TargetShopBroadcast, strconv.FormatInt(session.ShopID, 10), domain.Notification{
		Type:          domain.OutboundUnassignedMessage,
		SessionID:     session.ID,
		Message:       content,
		CustomerEmail: customerEmail,
		ShopID:        session.ShopID,
		Timestamp:     timestamp,
	}, false)
	return msg, nil
}

// RouteEmployeeMessage persists the message and sends it to whichever
// process holds the session's customer connection. With no binding anywhere
// the message stays persisted only.
func (r *Router) RouteEmployeeMessage(ctx context.Context, session *domain.ChatSession, employeeID int64, content, timestamp string) (*domain.ChatMessage, error) {
	msg, err := r.store.AppendMessage(ctx, session.ID, &employeeID, content, false)
	if err != nil {
		return nil, fmt.Errorf("persist employee message: %w", err)
	}
	r.persisted(domain.FromSupport)

	if timestamp == "" {
		timestamp = msg.CreatedAt.Format(time.RFC3339)
	}

	r.dispatch(ctx, domain.TargetSession, strconv.FormatInt(session.ID, 10), domain.Notification{
		Type:       domain.OutboundMessage,
		SessionID:  session.ID,
		Message:    content,
		From:       domain.FromSupport,
		EmployeeID: employeeID,
		Timestamp:  timestamp,
	}, false)
	return msg, nil
}

func (r *Router) NotifyAssignment(ctx context.Context, session *domain.ChatSession, employeeID int64, reason string) {
	r.dispatch(ctx, domain.TargetSession, strconv.FormatInt(session.ID, 10), domain.Notification{
		Type:       domain.OutboundAgentAssigned,
		SessionID:  session.ID,
		EmployeeID: employeeID,
		ShopID:     session.ShopID,
		Reason:     reason,
		Status:     session.Status,
		Timestamp:  r.now().Format(time.RFC3339),
	}, false)
}

// NotifyClosure tells the customer the session is over. The holder of the
// session binding drops it after delivery.
func (r *Router) NotifyClosure(ctx context.Context, session *domain.ChatSession) {
	r.dispatch(ctx, domain.TargetSession, strconv.FormatInt(session.ID, 10), domain.Notification{
		Type:      domain.OutboundSessionClosed,
		SessionID: session.ID,
		ShopID:    session.ShopID,
		Reason:    domain.ReasonClosed,
		Status:    domain.StatusClosed,
		Timestamp: r.now().Format(time.RFC3339),
	}, true)
}

func (r *Router) NotifyNewSession(ctx context.Context, session *domain.ChatSession, customerEmail string) {
	r.dispatch(ctx, domain.TargetShopBroadcast, strconv.FormatInt(session.ShopID, 10), domain.Notification{
		Type:          domain.OutboundNewSession,
		SessionID:     session.ID,
		CustomerEmail: customerEmail,
		ShopID:        session.ShopID,
		Reason:        domain.ReasonNewSession,
		Status:        session.Status,
		Timestamp:     r.now().Format(time.RFC3339),
	}, false)
}

// Announce broadcasts a notice to every connected employee of every shop.
func (r *Router) Announce(ctx context.Context, message string) {
	r.dispatch(ctx, domain.TargetAllEmployees, "", domain.Notification{
		Type:      domain.OutboundAnnouncement,
		Message:   message,
		Timestamp: r.now().Format(time.RFC3339),
	}, false)
}

// dispatch delivers locally first. Single-valued targets found here are not
// republished; everything else goes to the backplane as well.
func (r *Router) dispatch(ctx context.Context, target domain.TargetType, targetID string, payload domain.Notification, unbind bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode notification")
		return
	}

	env := domain.RoutingEnvelope{
		Channel:    target.Channel(),
		TargetType: target,
		TargetID:   targetID,
		Payload:    data,
		Unbind:     unbind,
	}

	if delivered := r.DeliverLocal(env); delivered > 0 && target.SingleTarget() {
		return
	}

	if err := r.backplane.Publish(ctx, env); err != nil && !errors.Is(err, domain.ErrBackplaneUnavailable) {
		r.log.WithError(err).WithField("target_type", target).Error("Failed to publish envelope")
	}
}

// DeliverLocal sends env to the matching connections of this process and
// returns how many received it. Connections that fail to receive are
// released from the registry and closed.
func (r *Router) DeliverLocal(env domain.RoutingEnvelope) int {
	targets, sessionID := r.resolve(env)

	if len(targets) == 0 {
		r.observe(env.TargetType, metrics.ResultMiss, 1)
		r.log.WithFields(logrus.Fields{
			"target_type": env.TargetType,
			"target_id":   env.TargetID,
		}).Debug("No local connection for target")
		return 0
	}

	delivered := r.send(targets, env)

	if env.Unbind && env.TargetType == domain.TargetSession {
		r.registry.UnbindSession(sessionID)
	}
	return delivered
}

func (r *Router) resolve(env domain.RoutingEnvelope) ([]*registry.Connection, int64) {
	var single *registry.Connection

	switch env.TargetType {
	case domain.TargetEmployee:
		single = r.registry.Lookup(registry.KindEmployee, env.TargetID)
	case domain.TargetCustomer:
		single = r.registry.Lookup(registry.KindCustomer, env.TargetID)
	case domain.TargetSession:
		sessionID, err := strconv.ParseInt(env.TargetID, 10, 64)
		if err != nil {
			r.log.WithField("target_id", env.TargetID).Warn("Invalid session target")
			return nil, 0
		}
		single = r.registry.LookupSession(sessionID)
		if single == nil {
			return nil, sessionID
		}
		return []*registry.Connection{single}, sessionID
	case domain.TargetShopBroadcast:
		shopID, err := strconv.ParseInt(env.TargetID, 10, 64)
		if err != nil {
			r.log.WithField("target_id", env.TargetID).Warn("Invalid shop target")
			return nil, 0
		}
		return r.registry.ShopMembers(shopID), 0
	case domain.TargetAllEmployees:
		return r.registry.Employees(), 0
	default:
		r.log.WithField("target_type", env.TargetType).Warn("Unknown target type")
		return nil, 0
	}

	if single == nil {
		return nil, 0
	}
	return []*registry.Connection{single}, 0
}

func (r *Router) send(targets []*registry.Connection, env domain.RoutingEnvelope) int {
	payload := json.RawMessage(env.Payload)

	if len(targets) == 1 {
		if r.sendOne(targets[0], env.TargetType, payload) {
			return 1
		}
		return 0
	}

	var delivered int64
	var wg sync.WaitGroup
	for _, conn := range targets {
		wg.Add(1)
		go func(c *registry.Connection) {
			defer wg.Done()
			if r.sendOne(c, env.TargetType, payload) {
				atomic.AddInt64(&delivered, 1)
			}
		}(conn)
	}
	wg.Wait()

	r.log.WithFields(logrus.Fields{
		"target_type": env.TargetType,
		"target_id":   env.TargetID,
	}).Debugf("Broadcast delivered to %d/%d connections", delivered, len(targets))
	return int(delivered)
}

func (r *Router) sendOne(conn *registry.Connection, target domain.TargetType, payload json.RawMessage) bool {
	if err := conn.Send(payload); err != nil {
		r.log.WithFields(logrus.Fields{
			"connection_id": conn.ID,
			"kind":          conn.Kind.String(),
			"identity":      conn.Identity,
			"error":         err.Error(),
		}).Warn("Send failed, dropping stale connection")
		r.registry.Release(conn)
		_ = conn.Close()
		r.observe(target, metrics.ResultFailed, 1)
		return false
	}
	r.observe(target, metrics.ResultDelivered, 1)
	return true
}

func (r *Router) observe(target domain.TargetType, result string, n int) {
	if r.metrics == nil {
		return
	}
	r.metrics.Deliveries.WithLabelValues(string(target), result).Add(float64(n))
}

func (r *Router) persisted(sender string) {
	if r.metrics == nil {
		return
	}
	r.metrics.MessagesPersisted.WithLabelValues(sender).Inc()
}
