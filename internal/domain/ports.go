package domain

import "context"

// SessionStore is the durable record of chat sessions and messages.
// Lookups of missing rows return an error wrapping ErrNotFound.
type SessionStore interface {
	CreateSession(ctx context.Context, customerID, shopID int64) (*ChatSession, error)
	GetSession(ctx context.Context, id int64) (*ChatSession, error)
	AssignEmployee(ctx context.Context, id, employeeID int64) (*ChatSession, error)
	CloseSession(ctx context.Context, id int64) (*ChatSession, error)
	AppendMessage(ctx context.Context, sessionID int64, senderEmployeeID *int64, content string, isFromCustomer bool) (*ChatMessage, error)
	ListWaitingByShop(ctx context.Context, shopID int64) ([]ChatSession, error)
	GetShopOf(ctx context.Context, employeeID int64) (int64, error)
	// FindOpenSession returns the most recently created waiting or active
	// session of the customer for the shop.
	FindOpenSession(ctx context.Context, customerID, shopID int64) (*ChatSession, error)
	ListMessages(ctx context.Context, sessionID int64) ([]ChatMessage, error)
}

type CustomerStore interface {
	GetOrCreateCustomer(ctx context.Context, email string) (*Customer, error)
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
}

// IdentityProvider verifies employees and resolves customers.
type IdentityProvider interface {
	VerifyEmployee(ctx context.Context, credential string) (EmployeeIdentity, error)
	GetOrCreateCustomer(ctx context.Context, emailLike string) (*Customer, error)
}

// Presence roles recorded against a session.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
)

// Presence records which process holds which connection so any process can
// answer connection-status queries. Failures are advisory and never block
// delivery.
type Presence interface {
	Connected(ctx context.Context, kind, identity string) error
	Disconnected(ctx context.Context, kind, identity string) error
	SessionJoined(ctx context.Context, sessionID int64, role, identity string) error
	SessionLeft(ctx context.Context, sessionID int64, role string) error
	SessionStatus(ctx context.Context, sessionID int64) (ConnectionStatusResponse, error)
}
