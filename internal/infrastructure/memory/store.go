// Package memory holds in-process implementations of the session store and
// backplane, used for single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"support-chat-ws/internal/domain"
)

// Store implements domain.SessionStore and domain.CustomerStore.
type Store struct {
	mu sync.RWMutex

	shops     map[int64]bool
	employees map[int64]int64 // employee id -> shop id
	customers map[int64]*domain.Customer
	byEmail   map[string]int64
	sessions  map[int64]*domain.ChatSession
	messages  map[int64][]domain.ChatMessage

	nextCustomerID int64
	nextSessionID  int64
	nextMessageID  int64

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		shops:     make(map[int64]bool),
		employees: make(map[int64]int64),
		customers: make(map[int64]*domain.Customer),
		byEmail:   make(map[string]int64),
		sessions:  make(map[int64]*domain.ChatSession),
		messages:  make(map[int64][]domain.ChatMessage),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) AddShop(shopID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shops[shopID] = true
}

// AddEmployee registers an employee as a member of shopID, creating the shop.
func (s *Store) AddEmployee(employeeID, shopID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shops[shopID] = true
	s.employees[employeeID] = shopID
}

func copySession(src *domain.ChatSession) *domain.ChatSession {
	dst := *src
	if src.EmployeeID != nil {
		id := *src.EmployeeID
		dst.EmployeeID = &id
	}
	if src.ClosedAt != nil {
		at := *src.ClosedAt
		dst.ClosedAt = &at
	}
	return &dst
}

func (s *Store) GetOrCreateCustomer(_ context.Context, email string) (*domain.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("customer email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[email]; ok {
		c := *s.customers[id]
		return &c, nil
	}

	s.nextCustomerID++
	c := &domain.Customer{
		ID:        s.nextCustomerID,
		Name:      strings.SplitN(email, "@", 2)[0],
		Email:     email,
		CreatedAt: s.now(),
	}
	s.customers[c.ID] = c
	s.byEmail[email] = c.ID

	out := *c
	return &out, nil
}

func (s *Store) GetCustomer(_ context.Context, id int64) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %d: %w", id, domain.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (s *Store) CreateSession(_ context.Context, customerID, shopID int64) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shops[shopID] {
		return nil, fmt.Errorf("shop %d: %w", shopID, domain.ErrNotFound)
	}
	if _, ok := s.customers[customerID]; !ok {
		return nil, fmt.Errorf("customer %d: %w", customerID, domain.ErrNotFound)
	}

	s.nextSessionID++
	session := &domain.ChatSession{
		ID:         s.nextSessionID,
		CustomerID: customerID,
		ShopID:     shopID,
		Status:     domain.StatusWaiting,
		CreatedAt:  s.now(),
	}
	s.sessions[session.ID] = session
	return copySession(session), nil
}

func (s *Store) GetSession(_ context.Context, id int64) (*domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	return copySession(session), nil
}

func (s *Store) AssignEmployee(_ context.Context, id, employeeID int64) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	if !session.Status.CanTransitionTo(domain.StatusActive) {
		return nil, fmt.Errorf("assign session %d in status %s: %w", id, session.Status, domain.ErrInvalidTransition)
	}
	session.EmployeeID = &employeeID
	session.Status = domain.StatusActive
	return copySession(session), nil
}

func (s *Store) CloseSession(_ context.Context, id int64) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	if !session.Status.CanTransitionTo(domain.StatusClosed) {
		return nil, fmt.Errorf("close session %d in status %s: %w", id, session.Status, domain.ErrInvalidTransition)
	}
	closedAt := s.now()
	session.ClosedAt = &closedAt
	session.Status = domain.StatusClosed
	return copySession(session), nil
}

func (s *Store) AppendMessage(_ context.Context, sessionID int64, senderEmployeeID *int64, content string, isFromCustomer bool) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}

	s.nextMessageID++
	msg := domain.ChatMessage{
		ID:             s.nextMessageID,
		SessionID:      sessionID,
		Message:        content,
		IsFromCustomer: isFromCustomer,
		CreatedAt:      s.now(),
	}
	if senderEmployeeID != nil {
		id := *senderEmployeeID
		msg.EmployeeID = &id
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return &msg, nil
}

func (s *Store) ListWaitingByShop(_ context.Context, shopID int64) ([]domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	waiting := make([]domain.ChatSession, 0)
	for _, session := range s.sessions {
		if session.ShopID == shopID && session.Status == domain.StatusWaiting {
			waiting = append(waiting, *copySession(session))
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].ID < waiting[j].ID })
	return waiting, nil
}

func (s *Store) GetShopOf(_ context.Context, employeeID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shopID, ok := s.employees[employeeID]
	if !ok {
		return 0, fmt.Errorf("employee %d: %w", employeeID, domain.ErrNotFound)
	}
	return shopID, nil
}

func (s *Store) FindOpenSession(_ context.Context, customerID, shopID int64) (*domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.ChatSession
	for _, session := range s.sessions {
		if session.CustomerID != customerID || session.ShopID != shopID || !session.IsOpen() {
			continue
		}
		if latest == nil || session.ID > latest.ID {
			latest = session
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("open session for customer %d shop %d: %w", customerID, shopID, domain.ErrNotFound)
	}
	return copySession(latest), nil
}

func (s *Store) ListMessages(_ context.Context, sessionID int64) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	out := make([]domain.ChatMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}
