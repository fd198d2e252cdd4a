// Package lifecycle drives chat sessions through waiting, active and closed
// and tells the interested connections about each transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"support-chat-ws/internal/domain"

	"github.com/sirupsen/logrus"
)

// Notifier fans lifecycle events out to connections.
type Notifier interface {
	NotifyNewSession(ctx context.Context, session *domain.ChatSession, customerEmail string)
	NotifyAssignment(ctx context.Context, session *domain.ChatSession, employeeID int64, reason string)
	NotifyClosure(ctx context.Context, session *domain.ChatSession)
}

// Binder drops local session bindings.
type Binder interface {
	UnbindSession(sessionID int64)
}

type Manager struct {
	store    domain.SessionStore
	notifier Notifier
	binder   Binder
	log      logrus.FieldLogger
}

func NewManager(store domain.SessionStore, notifier Notifier, binder Binder, log logrus.FieldLogger) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		binder:   binder,
		log:      log.WithField("component", "lifecycle"),
	}
}

// Create opens a waiting session and announces it to the shop's employees.
func (m *Manager) Create(ctx context.Context, customer *domain.Customer, shopID int64) (*domain.ChatSession, error) {
	session, err := m.store.CreateSession(ctx, customer.ID, shopID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"session_id":  session.ID,
		"customer_id": customer.ID,
		"shop_id":     shopID,
	}).Info("Chat session created")

	m.notifier.NotifyNewSession(ctx, session, customer.Email)
	return session, nil
}

// GetOrCreate returns the customer's open session for the shop, creating one
// when there is none.
func (m *Manager) GetOrCreate(ctx context.Context, customer *domain.Customer, shopID int64) (*domain.ChatSession, bool, error) {
	session, err := m.store.FindOpenSession(ctx, customer.ID, shopID)
	if err == nil {
		return session, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("find open session: %w", err)
	}

	session, err = m.Create(ctx, customer, shopID)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// Assign hands the session to employeeID. Active sessions may be reassigned;
// closed ones may not.
func (m *Manager) Assign(ctx context.Context, sessionID, employeeID int64) (*domain.ChatSession, error) {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(domain.StatusActive) {
		return nil, fmt.Errorf("assign session %d in status %s: %w", sessionID, current.Status, domain.ErrInvalidTransition)
	}

	reason := domain.ReasonAssigned
	if previous, ok := current.AssignedTo(); ok && previous != employeeID {
		reason = domain.ReasonReassigned
	}

	session, err := m.store.AssignEmployee(ctx, sessionID, employeeID)
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"employee_id": employeeID,
		"reason":      reason,
	}).Info("Chat session assigned")

	m.notifier.NotifyAssignment(ctx, session, employeeID, reason)
	return session, nil
}

// Close ends the session. Closing twice fails with ErrInvalidTransition and
// leaves the original closure time in place.
func (m *Manager) Close(ctx context.Context, sessionID int64) (*domain.ChatSession, error) {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(domain.StatusClosed) {
		return nil, fmt.Errorf("close session %d in status %s: %w", sessionID, current.Status, domain.ErrInvalidTransition)
	}

	session, err := m.store.CloseSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.log.WithField("session_id", sessionID).Info("Chat session closed")

	m.notifier.NotifyClosure(ctx, session)
	m.binder.UnbindSession(sessionID)
	return session, nil
}
