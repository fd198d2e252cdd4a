package memory

import (
	"context"
	"sync"
	"time"

	"support-chat-ws/internal/domain"
)

// Presence implements domain.Presence for a single process. With a TTL,
// connection entries lapse unless Connected is called again in time.
type Presence struct {
	mu         sync.Mutex
	instanceID string
	ttl        time.Duration
	now        func() time.Time
	online     map[string]time.Time        // key -> expiry, zero for none
	sessions   map[int64]map[string]string // session -> role -> identity
}

func NewPresence(instanceID string) *Presence {
	return NewPresenceWithTTL(instanceID, 0)
}

func NewPresenceWithTTL(instanceID string, ttl time.Duration) *Presence {
	return &Presence{
		instanceID: instanceID,
		ttl:        ttl,
		now:        time.Now,
		online:     make(map[string]time.Time),
		sessions:   make(map[int64]map[string]string),
	}
}

func (p *Presence) alive(key string) bool {
	expiry, ok := p.online[key]
	return ok && (expiry.IsZero() || p.now().Before(expiry))
}

func presenceKey(kind, identity string) string {
	return kind + ":" + identity
}

func (p *Presence) Connected(_ context.Context, kind, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expiry time.Time
	if p.ttl > 0 {
		expiry = p.now().Add(p.ttl)
	}
	p.online[presenceKey(kind, identity)] = expiry
	return nil
}

func (p *Presence) Disconnected(_ context.Context, kind, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, presenceKey(kind, identity))
	return nil
}

func (p *Presence) SessionJoined(_ context.Context, sessionID int64, role, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[sessionID] == nil {
		p.sessions[sessionID] = make(map[string]string)
	}
	p.sessions[sessionID][role] = identity
	return nil
}

func (p *Presence) SessionLeft(_ context.Context, sessionID int64, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions[sessionID], role)
	if len(p.sessions[sessionID]) == 0 {
		delete(p.sessions, sessionID)
	}
	return nil
}

func (p *Presence) SessionStatus(_ context.Context, sessionID int64) (domain.ConnectionStatusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := domain.ConnectionStatusResponse{SessionID: sessionID}
	if identity, ok := p.sessions[sessionID][domain.RoleCustomer]; ok && p.alive(presenceKey("customer", identity)) {
		status.CustomerConnected = true
		status.CustomerInstance = p.instanceID
	}
	if identity, ok := p.sessions[sessionID][domain.RoleAgent]; ok && p.alive(presenceKey("employee", identity)) {
		status.AgentConnected = true
		status.AgentInstance = p.instanceID
	}
	return status, nil
}
