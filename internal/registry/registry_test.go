package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	written []interface{}
	closed  bool
	failing bool
}

func (f *fakeSink) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegisterLastConnectWins(t *testing.T) {
	r := New()
	first := NewEmployeeConnection(&fakeSink{}, 42, 7)
	second := NewEmployeeConnection(&fakeSink{}, 42, 7)

	assert.Nil(t, r.Register(first))
	assert.Same(t, first, r.Register(second))
	assert.Same(t, second, r.Lookup(KindEmployee, "42"))
	assert.False(t, first.IsClosed(), "registry must not close replaced connections")
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	conn := NewCustomerConnection(&fakeSink{}, "a@x.com")
	r.Register(conn)

	r.Unregister(KindCustomer, "a@x.com")
	r.Unregister(KindCustomer, "a@x.com")
	r.Unregister(KindEmployee, "does-not-exist")

	assert.Nil(t, r.Lookup(KindCustomer, "a@x.com"))
}

func TestLookupReflectsLastOperation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	identities := []string{"1", "2", "3", "4"}

	for round := 0; round < 50; round++ {
		r := New()
		lastWasRegister := make(map[string]bool)

		for step := 0; step < 40; step++ {
			id := identities[rng.Intn(len(identities))]
			if rng.Intn(2) == 0 {
				conn := &Connection{Kind: KindEmployee, Identity: id, sink: &fakeSink{}}
				r.Register(conn)
				lastWasRegister[id] = true
			} else {
				r.Unregister(KindEmployee, id)
				lastWasRegister[id] = false
			}
		}

		for _, id := range identities {
			got := r.Lookup(KindEmployee, id)
			if lastWasRegister[id] {
				assert.NotNil(t, got, "round %d identity %s", round, id)
			} else {
				assert.Nil(t, got, "round %d identity %s", round, id)
			}
		}
	}
}

func TestBindSessionOverwrites(t *testing.T) {
	r := New()
	first := NewCustomerConnection(&fakeSink{}, "a@x.com")
	second := NewCustomerConnection(&fakeSink{}, "a@x.com")

	r.BindSession(10, 7, first)
	r.BindSession(10, 7, second)
	assert.Same(t, second, r.LookupSession(10))
	assert.Equal(t, []int64{10}, r.BoundSessions(7))
	assert.Empty(t, r.BoundSessions(8))

	r.UnbindSession(10)
	r.UnbindSession(10)
	assert.Nil(t, r.LookupSession(10))
}

func TestShopMembersScoping(t *testing.T) {
	r := New()
	a := NewEmployeeConnection(&fakeSink{}, 1, 7)
	b := NewEmployeeConnection(&fakeSink{}, 2, 7)
	c := NewEmployeeConnection(&fakeSink{}, 3, 8)
	r.Register(a)
	r.Register(b)
	r.Register(c)

	shop7 := r.ShopMembers(7)
	assert.ElementsMatch(t, []*Connection{a, b}, shop7)
	assert.Equal(t, []*Connection{c}, r.ShopMembers(8))
	assert.Empty(t, r.ShopMembers(9))
	assert.Len(t, r.Employees(), 3)
}

func TestReleaseKeepsNewerConnection(t *testing.T) {
	r := New()
	old := NewCustomerConnection(&fakeSink{}, "a@x.com")
	r.Register(old)
	r.BindSession(10, 7, old)
	r.BindSession(11, 7, old)

	newer := NewCustomerConnection(&fakeSink{}, "a@x.com")
	r.Register(newer)
	r.BindSession(11, 7, newer)

	unbound := r.Release(old)
	assert.Equal(t, []int64{10}, unbound)
	assert.Same(t, newer, r.Lookup(KindCustomer, "a@x.com"))
	assert.Same(t, newer, r.LookupSession(11))
	assert.Nil(t, r.LookupSession(10))

	r.Release(newer)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestConnectionSendAndClose(t *testing.T) {
	sink := &fakeSink{}
	conn := NewEmployeeConnection(sink, 42, 7)

	require.NoError(t, conn.Send(map[string]string{"type": "pong"}))
	assert.Len(t, sink.written, 1)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, sink.closed)
	assert.ErrorIs(t, conn.Send("late"), ErrConnectionClosed)
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := NewEmployeeConnection(&fakeSink{}, int64(i), int64(i%3))
			r.Register(conn)
			r.BindSession(int64(i), int64(i%3), conn)
			_ = r.ShopMembers(int64(i % 3))
			_ = r.Lookup(KindEmployee, fmt.Sprint(i))
			r.Release(conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, Stats{}, r.Stats())
}
