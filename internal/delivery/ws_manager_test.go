package delivery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/infrastructure/memory"
	"support-chat-ws/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) connectEmployee(t *testing.T, employeeID, shopID int64) (*fakeConn, <-chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.ws.HandleEmployee(conn, domain.EmployeeIdentity{EmployeeID: employeeID, ShopID: shopID})
	}()
	conn.waitFor(t, domain.OutboundConnectionEstablished, 1)
	return conn, done
}

func (e *testEnv) connectCustomer(t *testing.T, email string, shopID int64) (*fakeConn, <-chan struct{}) {
	t.Helper()
	customer, err := e.store.GetOrCreateCustomer(context.Background(), email)
	require.NoError(t, err)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.ws.HandleCustomer(conn, customer, shopID)
	}()
	conn.waitFor(t, domain.OutboundConnectionEstablished, 1)
	return conn, done
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return")
	}
}

func TestEmployeeConnectionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	conn, done := env.connectEmployee(t, 42, 7)

	assert.NotNil(t, env.registry.Lookup(registry.KindEmployee, "42"))

	conn.send(t, map[string]string{"type": "typing_start"})
	conn.send(t, map[string]string{"type": domain.InboundPing})
	conn.waitFor(t, domain.OutboundPong, 1)
	assert.Empty(t, conn.ofType(domain.OutboundError), "unknown types are ignored")

	conn.in <- []byte("{not json")
	conn.send(t, map[string]string{"type": domain.InboundPing})
	conn.waitFor(t, domain.OutboundPong, 2)

	conn.Close()
	waitClosed(t, done)
	assert.Nil(t, env.registry.Lookup(registry.KindEmployee, "42"))
}

func TestReconnectKeepsNewerConnection(t *testing.T) {
	env := newTestEnv(t)
	old, oldDone := env.connectEmployee(t, 42, 7)
	newer, newerDone := env.connectEmployee(t, 42, 7)

	old.Close()
	waitClosed(t, oldDone)

	got := env.registry.Lookup(registry.KindEmployee, "42")
	require.NotNil(t, got)
	require.NoError(t, got.Send(domain.Notification{Type: domain.OutboundAnnouncement}))
	assert.Len(t, newer.ofType(domain.OutboundAnnouncement), 1)

	newer.Close()
	waitClosed(t, newerDone)
	assert.Equal(t, registry.Stats{}, env.registry.Stats())
}

func TestCustomerFirstMessageCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	e42, _ := env.connectEmployee(t, 42, 7)
	e50, _ := env.connectEmployee(t, 50, 8)
	cust, _ := env.connectCustomer(t, "a@x.com", 7)

	cust.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, Message: "hello"})

	sent := cust.waitFor(t, domain.OutboundMessageSent, 1)
	sessionID := sent[0].SessionID
	require.NotZero(t, sessionID)

	newSession := e42.waitFor(t, domain.OutboundNewSession, 1)
	assert.Equal(t, sessionID, newSession[0].SessionID)
	assert.Equal(t, "a@x.com", newSession[0].CustomerEmail)
	unassigned := e42.waitFor(t, domain.OutboundUnassignedMessage, 1)
	assert.Equal(t, "hello", unassigned[0].Message)

	assert.Empty(t, e50.ofType(domain.OutboundNewSession))
	assert.Empty(t, e50.ofType(domain.OutboundUnassignedMessage))

	assert.NotNil(t, env.registry.LookupSession(sessionID))

	// A second message reuses the bound session.
	cust.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, Message: "anyone?"})
	sent = cust.waitFor(t, domain.OutboundMessageSent, 2)
	assert.Equal(t, sessionID, sent[1].SessionID)
	assert.Len(t, e42.ofType(domain.OutboundNewSession), 1)
}

func TestCustomerWithoutShopMustNameSession(t *testing.T) {
	env := newTestEnv(t)
	cust, _ := env.connectCustomer(t, "a@x.com", 0)

	cust.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, Message: "hello"})
	errs := cust.waitFor(t, domain.OutboundError, 1)
	assert.Equal(t, "not_found", errs[0].Message)
}

func TestCustomerAutoBindsOnConnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customer, err := env.store.GetOrCreateCustomer(ctx, "a@x.com")
	require.NoError(t, err)
	session, err := env.store.CreateSession(ctx, customer.ID, 7)
	require.NoError(t, err)

	cust, _ := env.connectCustomer(t, "a@x.com", 7)

	welcome := cust.ofType(domain.OutboundConnectionEstablished)[0]
	assert.Equal(t, session.ID, welcome.SessionID)
	assert.Equal(t, domain.StatusWaiting, welcome.Status)
	require.NotNil(t, env.registry.LookupSession(session.ID))
}

func TestCustomerSessionConnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customer, err := env.store.GetOrCreateCustomer(ctx, "a@x.com")
	require.NoError(t, err)
	session, err := env.store.CreateSession(ctx, customer.ID, 7)
	require.NoError(t, err)
	other, err := env.store.GetOrCreateCustomer(ctx, "b@x.com")
	require.NoError(t, err)
	foreign, err := env.store.CreateSession(ctx, other.ID, 7)
	require.NoError(t, err)

	cust, _ := env.connectCustomer(t, "a@x.com", 0)

	cust.send(t, domain.InboundMessage{Type: domain.InboundSessionConnect, SessionIDCamel: int64p(session.ID)})
	connected := cust.waitFor(t, domain.OutboundSessionConnected, 1)
	assert.Equal(t, session.ID, connected[0].SessionID)
	assert.NotNil(t, env.registry.LookupSession(session.ID))

	cust.send(t, domain.InboundMessage{Type: domain.InboundSessionConnect, SessionID: int64p(foreign.ID)})
	errs := cust.waitFor(t, domain.OutboundError, 1)
	assert.Equal(t, "unauthorized", errs[0].Message)
	assert.Nil(t, env.registry.LookupSession(foreign.ID))
}

func TestEmployeeConversationFlow(t *testing.T) {
	env := newTestEnv(t)
	e42, _ := env.connectEmployee(t, 42, 7)
	cust, custDone := env.connectCustomer(t, "a@x.com", 7)

	cust.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, Message: "hello"})
	sessionID := cust.waitFor(t, domain.OutboundMessageSent, 1)[0].SessionID

	e42.send(t, domain.InboundMessage{Type: domain.InboundAssignSession, SessionID: int64p(sessionID)})
	e42.waitFor(t, domain.OutboundSessionConnected, 1)
	assigned := cust.waitFor(t, domain.OutboundAgentAssigned, 1)
	assert.Equal(t, int64(42), assigned[0].EmployeeID)
	assert.Equal(t, domain.ReasonAssigned, assigned[0].Reason)

	cust.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, Message: "still there?"})
	toEmployee := e42.waitFor(t, domain.OutboundMessage, 1)
	assert.Equal(t, domain.FromCustomer, toEmployee[0].From)
	assert.Equal(t, "still there?", toEmployee[0].Message)

	e42.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, SessionID: int64p(sessionID), Message: "yes"})
	e42.waitFor(t, domain.OutboundMessageSent, 1)
	toCustomer := cust.waitFor(t, domain.OutboundMessage, 1)
	assert.Equal(t, domain.FromSupport, toCustomer[0].From)
	assert.Equal(t, "yes", toCustomer[0].Message)

	e42.send(t, domain.InboundMessage{Type: domain.InboundCloseSession, SessionID: int64p(sessionID)})
	cust.waitFor(t, domain.OutboundSessionClosed, 1)
	require.Eventually(t, func() bool { return env.registry.LookupSession(sessionID) == nil }, time.Second, 5*time.Millisecond)

	e42.send(t, domain.InboundMessage{Type: domain.InboundCloseSession, SessionID: int64p(sessionID)})
	errs := e42.waitFor(t, domain.OutboundError, 1)
	assert.Equal(t, "invalid_transition", errs[0].Message)

	// A message to the closed session is kept but reaches no connection.
	e42.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, SessionID: int64p(sessionID), Message: "follow-up"})
	e42.waitFor(t, domain.OutboundMessageSent, 2)
	assert.Len(t, e42.ofType(domain.OutboundError), 1)
	assert.Len(t, cust.ofType(domain.OutboundMessage), 1)

	messages, err := env.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "follow-up", messages[3].Message)
	assert.False(t, messages[3].IsFromCustomer)

	cust.Close()
	waitClosed(t, custDone)
	assert.Nil(t, env.registry.Lookup(registry.KindCustomer, "a@x.com"))
}

func TestEmployeeCannotTouchOtherShop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customer, err := env.store.GetOrCreateCustomer(ctx, "a@x.com")
	require.NoError(t, err)
	session, err := env.store.CreateSession(ctx, customer.ID, 7)
	require.NoError(t, err)

	e50, _ := env.connectEmployee(t, 50, 8)
	e50.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, SessionID: int64p(session.ID), Message: "hi"})
	e50.send(t, domain.InboundMessage{Type: domain.InboundAssignSession, SessionID: int64p(session.ID)})

	errs := e50.waitFor(t, domain.OutboundError, 2)
	for _, e := range errs {
		assert.Equal(t, "unauthorized", e.Message)
	}

	stored, err := env.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, stored.Status)
	messages, err := env.store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

// countingPresence counts how often session entries are written.
type countingPresence struct {
	*memory.Presence
	joins atomic.Int64
}

func (c *countingPresence) SessionJoined(ctx context.Context, sessionID int64, role, identity string) error {
	c.joins.Add(1)
	return c.Presence.SessionJoined(ctx, sessionID, role, identity)
}

func TestQuietConnectionStaysPresent(t *testing.T) {
	const ttl = 100 * time.Millisecond
	presence := &countingPresence{Presence: memory.NewPresenceWithTTL("test", ttl)}
	env := newTestEnvWithPresence(t, presence, ttl)
	ctx := context.Background()

	cust, custDone := env.connectCustomer(t, "a@x.com", 7)
	cust.send(t, domain.InboundMessage{Type: domain.InboundChatMessage, Message: "hello"})
	sessionID := cust.waitFor(t, domain.OutboundMessageSent, 1)[0].SessionID
	joined := presence.joins.Load()

	// No frames for several TTLs.
	time.Sleep(3 * ttl)

	status, err := env.server.deps.Presence.SessionStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, status.CustomerConnected)
	assert.Greater(t, presence.joins.Load(), joined, "session entry is refreshed too")

	cust.Close()
	waitClosed(t, custDone)

	status, err = presence.SessionStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, status.CustomerConnected)

	// Nothing is rewritten after the handler is gone.
	after := presence.joins.Load()
	time.Sleep(ttl)
	assert.Equal(t, after, presence.joins.Load())
}
