package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/lifecycle"
	"support-chat-ws/internal/metrics"
	"support-chat-ws/internal/registry"
	"support-chat-ws/internal/router"

	"github.com/sirupsen/logrus"
)

// wsConn is the part of *websocket.Conn the handlers use.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

type WSManager struct {
	store     domain.SessionStore
	registry  *registry.Registry
	router    *router.Router
	lifecycle *lifecycle.Manager
	presence  domain.Presence
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	// refresh is how often a connection's presence entries are rewritten.
	refresh time.Duration
}

func NewWSManager(store domain.SessionStore, reg *registry.Registry, r *router.Router, lm *lifecycle.Manager, presence domain.Presence, presenceTTL time.Duration, m *metrics.Metrics, log logrus.FieldLogger) *WSManager {
	return &WSManager{
		store:     store,
		registry:  reg,
		router:    r,
		lifecycle: lm,
		presence:  presence,
		metrics:   m,
		log:       log.WithField("component", "ws"),
		refresh:   presenceTTL / 2,
	}
}

// HandleEmployee serves a verified employee until the connection drops.
func (w *WSManager) HandleEmployee(c wsConn, id domain.EmployeeIdentity) {
	ctx := context.Background()
	conn := registry.NewEmployeeConnection(c, id.EmployeeID, id.ShopID)
	log := w.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"employee_id":   id.EmployeeID,
		"shop_id":       id.ShopID,
	})

	lease := w.open(ctx, conn, log)
	defer w.cleanup(ctx, conn, lease, log)

	w.reply(conn, log, domain.Notification{
		Type:       domain.OutboundConnectionEstablished,
		EmployeeID: id.EmployeeID,
		ShopID:     id.ShopID,
		Message:    "Successfully connected as support agent",
		Timestamp:  now(),
	})

	w.readLoop(c, log, func(msg domain.InboundMessage) {
		w.handleEmployeeMessage(ctx, conn, lease, id, msg, log)
	})
}

// HandleCustomer serves a customer. With a non-zero shopID the connection is
// bound to the customer's open session for that shop, if there is one.
func (w *WSManager) HandleCustomer(c wsConn, customer *domain.Customer, shopID int64) {
	ctx := context.Background()
	conn := registry.NewCustomerConnection(c, customer.Email)
	log := w.log.WithFields(logrus.Fields{
		"connection_id":  conn.ID,
		"customer_email": customer.Email,
		"shop_id":        shopID,
	})

	lease := w.open(ctx, conn, log)
	defer w.cleanup(ctx, conn, lease, log)

	state := &customerState{customer: customer, shopID: shopID, lease: lease}

	welcome := domain.Notification{
		Type:          domain.OutboundConnectionEstablished,
		CustomerEmail: customer.Email,
		ShopID:        shopID,
		Message:       "Successfully connected to support chat",
		Timestamp:     now(),
	}
	if shopID != 0 {
		session, err := w.store.FindOpenSession(ctx, customer.ID, shopID)
		switch {
		case err == nil:
			w.bind(ctx, conn, state, session, log)
			welcome.SessionID = session.ID
			welcome.Status = session.Status
		case !errors.Is(err, domain.ErrNotFound):
			log.WithError(err).Error("Failed to look up open session")
		}
	}
	w.reply(conn, log, welcome)

	w.readLoop(c, log, func(msg domain.InboundMessage) {
		w.handleCustomerMessage(ctx, conn, state, msg, log)
	})
}

type customerState struct {
	customer *domain.Customer
	shopID   int64
	lease    *presenceLease
	// sessionID is the session this connection is bound to, 0 when none.
	sessionID int64
}

func (w *WSManager) open(ctx context.Context, conn *registry.Connection, log logrus.FieldLogger) *presenceLease {
	if replaced := w.registry.Register(conn); replaced != nil {
		log.WithField("replaced_connection_id", replaced.ID).Info("Identity reconnected, newer connection wins")
	}
	if w.metrics != nil {
		w.metrics.Connections.WithLabelValues(conn.Kind.String()).Inc()
	}

	lease := newPresenceLease(w.presence, conn.Kind.String(), conn.Identity, log)
	lease.connect(ctx)
	lease.keepAlive(ctx, w.refresh)

	log.Info("WebSocket client connected")
	return lease
}

// cleanup runs on every exit path. Release only removes entries that still
// point at this connection, so a newer connection of the same identity stays.
func (w *WSManager) cleanup(ctx context.Context, conn *registry.Connection, lease *presenceLease, log logrus.FieldLogger) {
	if r := recover(); r != nil {
		log.Errorf("Recovered from panic in connection handler: %v", r)
	}

	unbound := w.registry.Release(conn)
	_ = conn.Close()

	if w.metrics != nil {
		w.metrics.Connections.WithLabelValues(conn.Kind.String()).Dec()
	}
	lease.disconnect(ctx, w.registry.Lookup(conn.Kind, conn.Identity) != nil)
	for _, sessionID := range unbound {
		lease.leave(ctx, sessionID, domain.RoleCustomer)
	}
	log.Info("WebSocket client disconnected")
}

func (w *WSManager) readLoop(c wsConn, log logrus.FieldLogger, handle func(domain.InboundMessage)) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("WebSocket read ended")
			return
		}

		var msg domain.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Debug("Ignoring malformed inbound message")
			continue
		}
		handle(msg)
	}
}

func (w *WSManager) handleEmployeeMessage(ctx context.Context, conn *registry.Connection, lease *presenceLease, id domain.EmployeeIdentity, msg domain.InboundMessage, log logrus.FieldLogger) {
	switch msg.Type {
	case domain.InboundChatMessage:
		session, err := w.employeeSession(ctx, id, msg)
		if err != nil {
			w.replyError(conn, log, msg, err)
			return
		}

		// Closing unbinds the session, so on a closed session this only persists.
		stored, err := w.router.RouteEmployeeMessage(ctx, session, id.EmployeeID, msg.Message, msg.Timestamp)
		if err != nil {
			log.WithError(err).WithField("session_id", session.ID).Error("Failed to route employee message")
			w.replyError(conn, log, msg, err)
			return
		}
		if session.IsOpen() {
			lease.join(ctx, session.ID, domain.RoleAgent)
		}
		w.reply(conn, log, domain.Notification{
			Type:      domain.OutboundMessageSent,
			SessionID: session.ID,
			Timestamp: stored.CreatedAt.Format(time.RFC3339),
		})

	case domain.InboundAssignSession:
		session, err := w.employeeSession(ctx, id, msg)
		if err != nil {
			w.replyError(conn, log, msg, err)
			return
		}
		session, err = w.lifecycle.Assign(ctx, session.ID, id.EmployeeID)
		if err != nil {
			w.replyError(conn, log, msg, err)
			return
		}
		lease.join(ctx, session.ID, domain.RoleAgent)
		w.reply(conn, log, domain.Notification{
			Type:       domain.OutboundSessionConnected,
			SessionID:  session.ID,
			EmployeeID: id.EmployeeID,
			Status:     session.Status,
			Timestamp:  now(),
		})

	case domain.InboundCloseSession:
		session, err := w.employeeSession(ctx, id, msg)
		if err != nil {
			w.replyError(conn, log, msg, err)
			return
		}
		session, err = w.lifecycle.Close(ctx, session.ID)
		if err != nil {
			w.replyError(conn, log, msg, err)
			return
		}
		lease.leave(ctx, session.ID, domain.RoleAgent)
		w.reply(conn, log, domain.Notification{
			Type:      domain.OutboundSessionClosed,
			SessionID: session.ID,
			Reason:    domain.ReasonClosed,
			Status:    session.Status,
			Timestamp: now(),
		})

	case domain.InboundPing:
		lease.connect(ctx)
		w.reply(conn, log, domain.Notification{Type: domain.OutboundPong, Timestamp: now()})

	default:
		log.WithField("type", msg.Type).Debug("Ignoring unknown message type")
	}
}

// employeeSession loads the session named by msg and checks it belongs to
// the employee's shop.
func (w *WSManager) employeeSession(ctx context.Context, id domain.EmployeeIdentity, msg domain.InboundMessage) (*domain.ChatSession, error) {
	sessionID, ok := msg.Session()
	if !ok {
		return nil, fmt.Errorf("session_id is required: %w", domain.ErrNotFound)
	}
	return authorizeSession(ctx, w.store, id, sessionID)
}

func (w *WSManager) handleCustomerMessage(ctx context.Context, conn *registry.Connection, state *customerState, msg domain.InboundMessage, log logrus.FieldLogger) {
	switch msg.Type {
	case domain.InboundSessionConnect:
		sessionID, ok := msg.Session()
		if !ok {
			w.replyError(conn, log, msg, fmt.Errorf("session_id is required: %w", domain.ErrNotFound))
			return
		}
		session, err := w.customerSession(ctx, state, sessionID)
		if err != nil {
			w.replyError(conn, log, msg, err)
			return
		}
		if state.sessionID != 0 && state.sessionID != session.ID {
			w.unbind(ctx, conn, state)
		}
		w.bind(ctx, conn, state, session, log)
		w.reply(conn, log, domain.Notification{
			Type:      domain.OutboundSessionConnected,
			SessionID: session.ID,
			ShopID:    session.ShopID,
			Status:    session.Status,
			Timestamp: now(),
		})

	case domain.InboundChatMessage:
		session, err := w.activeCustomerSession(ctx, conn, state, msg, log)
		if err != nil {
			w.replyError(conn, log, msg, err)
			return
		}

		stored, err := w.router.RouteCustomerMessage(ctx, session, state.customer.Email, msg.Message, msg.Timestamp)
		if err != nil {
			log.WithError(err).WithField("session_id", session.ID).Error("Failed to route customer message")
			w.replyError(conn, log, msg, err)
			return
		}
		w.reply(conn, log, domain.Notification{
			Type:      domain.OutboundMessageSent,
			SessionID: session.ID,
			Status:    session.Status,
			Timestamp: stored.CreatedAt.Format(time.RFC3339),
		})

	case domain.InboundPing:
		state.lease.connect(ctx)
		w.reply(conn, log, domain.Notification{Type: domain.OutboundPong, Timestamp: now()})

	default:
		log.WithField("type", msg.Type).Debug("Ignoring unknown message type")
	}
}

// customerSession loads a session and checks the customer owns it.
func (w *WSManager) customerSession(ctx context.Context, state *customerState, sessionID int64) (*domain.ChatSession, error) {
	session, err := w.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CustomerID != state.customer.ID {
		return nil, fmt.Errorf("session %d belongs to another customer: %w", sessionID, domain.ErrUnauthorized)
	}
	return session, nil
}

// activeCustomerSession picks the open session a customer message belongs
// to: the one named in the message, the bound one, or a new one for the
// connection's shop.
func (w *WSManager) activeCustomerSession(ctx context.Context, conn *registry.Connection, state *customerState, msg domain.InboundMessage, log logrus.FieldLogger) (*domain.ChatSession, error) {
	sessionID, named := msg.Session()
	if !named {
		sessionID = state.sessionID
	}

	if sessionID != 0 {
		session, err := w.customerSession(ctx, state, sessionID)
		if err != nil {
			return nil, err
		}
		if session.IsOpen() {
			if state.sessionID != session.ID {
				if state.sessionID != 0 {
					w.unbind(ctx, conn, state)
				}
				w.bind(ctx, conn, state, session, log)
			}
			return session, nil
		}
		if named {
			return nil, fmt.Errorf("session %d is closed: %w", session.ID, domain.ErrInvalidTransition)
		}
		w.unbind(ctx, conn, state)
		state.shopID = session.ShopID
	}

	if state.shopID == 0 {
		return nil, fmt.Errorf("shop_id is required to start a session: %w", domain.ErrNotFound)
	}

	session, _, err := w.lifecycle.GetOrCreate(ctx, state.customer, state.shopID)
	if err != nil {
		return nil, err
	}
	w.bind(ctx, conn, state, session, log)
	return session, nil
}

func (w *WSManager) bind(ctx context.Context, conn *registry.Connection, state *customerState, session *domain.ChatSession, log logrus.FieldLogger) {
	w.registry.BindSession(session.ID, session.ShopID, conn)
	state.sessionID = session.ID
	state.shopID = session.ShopID
	state.lease.join(ctx, session.ID, domain.RoleCustomer)
	log.WithField("session_id", session.ID).Debug("Connection bound to session")
}

func (w *WSManager) unbind(ctx context.Context, conn *registry.Connection, state *customerState) {
	if w.registry.LookupSession(state.sessionID) == conn {
		w.registry.UnbindSession(state.sessionID)
		state.lease.leave(ctx, state.sessionID, domain.RoleCustomer)
	} else {
		state.lease.forget(state.sessionID)
	}
	state.sessionID = 0
}

func (w *WSManager) reply(conn *registry.Connection, log logrus.FieldLogger, n domain.Notification) {
	if err := conn.Send(n); err != nil {
		log.WithError(err).WithField("type", n.Type).Warn("Failed to send reply")
	}
}

func (w *WSManager) replyError(conn *registry.Connection, log logrus.FieldLogger, msg domain.InboundMessage, err error) {
	sessionID, _ := msg.Session()
	w.reply(conn, log, domain.Notification{
		Type:      domain.OutboundError,
		SessionID: sessionID,
		Message:   errorCode(err),
		Error:     err.Error(),
		Timestamp: now(),
	})
}

// errorCode names the error class for clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal_error"
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
