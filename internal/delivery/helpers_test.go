package delivery

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"support-chat-ws/internal/backplane"
	"support-chat-ws/internal/config"
	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/identity"
	"support-chat-ws/internal/infrastructure/memory"
	"support-chat-ws/internal/lifecycle"
	"support-chat-ws/internal/logger"
	"support-chat-ws/internal/metrics"
	"support-chat-ws/internal/registry"
	"support-chat-ws/internal/router"

	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store    *memory.Store
	registry *registry.Registry
	identity *identity.Provider
	server   *Server
	ws       *WSManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPresence(t, memory.NewPresence("test"), 0)
}

func newTestEnvWithPresence(t *testing.T, presence domain.Presence, ttl time.Duration) *testEnv {
	t.Helper()
	log := logger.Discard()
	m := metrics.New()

	store := memory.NewStore()
	store.AddEmployee(42, 7)
	store.AddEmployee(43, 7)
	store.AddEmployee(50, 8)

	reg := registry.New()
	client := backplane.NewClient(memory.NewBus().Transport(), backplane.Config{InstanceID: "test"}, log, m)
	r := router.New(store, reg, client, log, m)
	lm := lifecycle.NewManager(store, r, reg, log)
	idp := identity.NewProvider(identity.Options{Secret: []byte("secret"), TTL: time.Hour}, store, store)

	cfg := &config.Config{Port: "0", Environment: "test"}
	server := NewServer(cfg, Dependencies{
		Store:       store,
		Identity:    idp,
		Registry:    reg,
		Router:      r,
		Lifecycle:   lm,
		Presence:    presence,
		PresenceTTL: ttl,
		Backplane:   client,
		Metrics:     m,
		Log:         log,
	})

	return &testEnv{
		store:    store,
		registry: reg,
		identity: idp,
		server:   server,
		ws:       server.wsManager,
	}
}

func (e *testEnv) token(t *testing.T, employeeID, shopID int64) string {
	t.Helper()
	token, _, err := e.identity.Issue(employeeID, shopID)
	require.NoError(t, err)
	return token
}

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []domain.Notification
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var n domain.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, n)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) send(t *testing.T, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) received() []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Notification(nil), f.out...)
}

func (f *fakeConn) ofType(typ string) []domain.Notification {
	var out []domain.Notification
	for _, n := range f.received() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// waitFor blocks until the connection has received count notifications of typ.
func (f *fakeConn) waitFor(t *testing.T, typ string, count int) []domain.Notification {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.ofType(typ)) >= count }, time.Second, 5*time.Millisecond,
		"waiting for %d %q notifications, got %+v", count, typ, f.received())
	return f.ofType(typ)
}

func int64p(v int64) *int64 {
	return &v
}
