package registry

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrConnectionClosed = errors.New("connection closed")

type Kind int

const (
	KindEmployee Kind = iota + 1
	KindCustomer
)

func (k Kind) String() string {
	switch k {
	case KindEmployee:
		return "employee"
	case KindCustomer:
		return "customer"
	default:
		return "unknown"
	}
}

// Sink is the transport half of a connection. *websocket.Conn satisfies it.
type Sink interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Connection is a live bidirectional channel bound to one identity.
// ShopID is only meaningful for KindEmployee.
type Connection struct {
	ID       string
	Kind     Kind
	Identity string
	ShopID   int64

	sink    Sink
	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewEmployeeConnection(sink Sink, employeeID, shopID int64) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		Kind:     KindEmployee,
		Identity: EmployeeIdentity(employeeID),
		ShopID:   shopID,
		sink:     sink,
	}
}

func NewCustomerConnection(sink Sink, email string) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		Kind:     KindCustomer,
		Identity: email,
		sink:     sink,
	}
}

// EmployeeIdentity formats an employee id as a registry identity.
func EmployeeIdentity(employeeID int64) string {
	return strconv.FormatInt(employeeID, 10)
}

// Send writes v as JSON. Writes are serialized per connection since the
// underlying websocket does not allow concurrent writers.
func (c *Connection) Send(v interface{}) (err error) {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write panicked: %v", r)
		}
	}()

	return c.sink.WriteJSON(v)
}

// Close marks the connection closed and closes the sink once.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.sink.Close()
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}
