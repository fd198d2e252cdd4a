// Package registry keeps the per-process index from logical identities to
// live connections.
package registry

import "sync"

type sessionBinding struct {
	conn   *Connection
	shopID int64
}

// Stats is a point-in-time count of registry entries.
type Stats struct {
	Employees int `json:"employees"`
	Customers int `json:"customers"`
	Sessions  int `json:"sessions"`
}

// Registry is safe for concurrent use by connection handlers and the
// backplane delivery loop. The lock is never held across a send.
type Registry struct {
	mu        sync.RWMutex
	employees map[string]*Connection
	customers map[string]*Connection
	sessions  map[int64]sessionBinding
}

func New() *Registry {
	return &Registry{
		employees: make(map[string]*Connection),
		customers: make(map[string]*Connection),
		sessions:  make(map[int64]sessionBinding),
	}
}

func (r *Registry) table(kind Kind) map[string]*Connection {
	if kind == KindEmployee {
		return r.employees
	}
	return r.customers
}

// Register indexes conn under its kind and identity. An existing entry for
// the same identity is replaced and returned; closing it is up to its owner.
func (r *Registry) Register(conn *Connection) (replaced *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table(conn.Kind)
	if old, ok := t[conn.Identity]; ok && old != conn {
		replaced = old
	}
	t[conn.Identity] = conn
	return replaced
}

// Unregister removes the identity. Absent identities are a no-op.
func (r *Registry) Unregister(kind Kind, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.table(kind), identity)
}

// BindSession points sessionID at conn, overwriting any earlier binding.
func (r *Registry) BindSession(sessionID, shopID int64, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sessionID] = sessionBinding{conn: conn, shopID: shopID}
}

func (r *Registry) UnbindSession(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
}

func (r *Registry) Lookup(kind Kind, identity string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.table(kind)[identity]
}

func (r *Registry) LookupSession(sessionID int64) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessions[sessionID].conn
}

// ShopMembers returns the employee connections registered for shopID.
func (r *Registry) ShopMembers(shopID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Connection, 0)
	for _, conn := range r.employees {
		if conn.ShopID == shopID {
			members = append(members, conn)
		}
	}
	return members
}

// Employees returns every employee connection on this process.
func (r *Registry) Employees() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Connection, 0, len(r.employees))
	for _, conn := range r.employees {
		all = append(all, conn)
	}
	return all
}

// BoundSessions returns the ids of sessions of shopID with a customer
// connection bound on this process.
func (r *Registry) BoundSessions(shopID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0)
	for id, b := range r.sessions {
		if b.shopID == shopID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Release drops every entry that still points at conn and returns the
// session ids that were unbound. Entries already taken over by a newer
// connection are left alone.
func (r *Registry) Release(conn *Connection) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table(conn.Kind)
	if t[conn.Identity] == conn {
		delete(t, conn.Identity)
	}

	var unbound []int64
	for id, b := range r.sessions {
		if b.conn == conn {
			delete(r.sessions, id)
			unbound = append(unbound, id)
		}
	}
	return unbound
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Employees: len(r.employees),
		Customers: len(r.customers),
		Sessions:  len(r.sessions),
	}
}
