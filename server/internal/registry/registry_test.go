package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id string

	mu     sync.Mutex
	got    [][]byte
	fail   error
	closed int
}

func newFake(id string) *fakeMember { return &fakeMember{id: id} }

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeMember) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func sendAll(msg string) func(Member) error {
	return func(m Member) error { return m.Send([]byte(msg)) }
}

func TestRegisterAndCount(t *testing.T) {
	r := New()
	r.Register(newFake("a"))
	r.Register(newFake("b"))
	assert.Equal(t, 2, r.Count())
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New()
	m := newFake("a")
	r.Register(m)

	assert.True(t, r.Unregister(m))
	assert.False(t, r.Unregister(m))
	assert.Zero(t, r.Count())
}

func TestUnregister_IgnoresReplacedMember(t *testing.T) {
	r := New()
	old := newFake("a")
	cur := newFake("a")
	r.Register(old)
	r.Register(cur)

	assert.False(t, r.Unregister(old))
	assert.True(t, r.Contains(cur))
}

func TestBroadcast_ReachesEveryMember(t *testing.T) {
	r := New()
	members := make([]*fakeMember, 5)
	for i := range members {
		members[i] = newFake(fmt.Sprintf("m%d", i))
		r.Register(members[i])
	}

	delivered, dropped := r.Broadcast(sendAll("hi"))
	assert.Equal(t, 5, delivered)
	assert.Empty(t, dropped)
	for _, m := range members {
		require.Len(t, m.got, 1)
		assert.Equal(t, "hi", string(m.got[0]))
	}
}

func TestBroadcast_DropsFailingMemberOnly(t *testing.T) {
	r := New()
	good := newFake("good")
	slow := newFake("slow")
	slow.fail = ErrQueueFull
	r.Register(good)
	r.Register(slow)

	delivered, dropped := r.Broadcast(sendAll("x"))
	assert.Equal(t, 1, delivered)
	require.Len(t, dropped, 1)
	assert.Equal(t, "slow", dropped[0].ID())

	assert.False(t, r.Contains(slow))
	assert.True(t, r.Contains(good))
	assert.Equal(t, 1, slow.closed)

	// Subsequent broadcasts skip the dropped member.
	delivered, dropped = r.Broadcast(sendAll("y"))
	assert.Equal(t, 1, delivered)
	assert.Empty(t, dropped)
	assert.Len(t, good.got, 2)
}

func TestBroadcast_Empty(t *testing.T) {
	delivered, dropped := New().Broadcast(sendAll("x"))
	assert.Zero(t, delivered)
	assert.Empty(t, dropped)
}

func TestLookup(t *testing.T) {
	const alias = "abcdefghijklmnopqrstuv"
	r := New()
	m := newFake("a")
	r.Register(m)
	r.Register(newFake("b"))
	require.True(t, r.SetAlias(m, alias))

	got, ok := r.Lookup(alias)
	require.True(t, ok)
	assert.Equal(t, "a", got.ID())

	_, ok = r.Lookup("")
	assert.False(t, ok)
	_, ok = r.Lookup("zzzzzzzzzzzzzzzzzzzzzz")
	assert.False(t, ok)
}

func TestSetAlias_NewestClaimWins(t *testing.T) {
	const alias = "abcdefghijklmnopqrstuv"
	r := New()
	first, second := newFake("z-first"), newFake("a-second")
	r.Register(first)
	r.Register(second)

	// Repeat so a map-order dependent lookup would show up.
	for i := 0; i < 20; i++ {
		require.True(t, r.SetAlias(first, alias))
		require.True(t, r.SetAlias(second, alias))

		got, ok := r.Lookup(alias)
		require.True(t, ok)
		assert.Same(t, second, got)
	}

	// Once the newest holder leaves, the alias is gone rather than handed back.
	r.Unregister(second)
	_, ok := r.Lookup(alias)
	assert.False(t, ok)
}

func TestSetAlias_ReplacesMembersOldAlias(t *testing.T) {
	r := New()
	m := newFake("a")
	r.Register(m)

	require.True(t, r.SetAlias(m, "aaaaaaaaaaaaaaaaaaaaaa"))
	require.True(t, r.SetAlias(m, "bbbbbbbbbbbbbbbbbbbbbb"))

	_, ok := r.Lookup("aaaaaaaaaaaaaaaaaaaaaa")
	assert.False(t, ok)
	got, ok := r.Lookup("bbbbbbbbbbbbbbbbbbbbbb")
	require.True(t, ok)
	assert.Same(t, m, got)
}

func TestSetAlias_RequiresRegisteredMember(t *testing.T) {
	r := New()
	m := newFake("a")

	assert.False(t, r.SetAlias(m, "aaaaaaaaaaaaaaaaaaaaaa"))
	r.Register(m)
	assert.False(t, r.SetAlias(m, ""))

	r.SetAlias(m, "aaaaaaaaaaaaaaaaaaaaaa")
	r.CloseAll()
	_, ok := r.Lookup("aaaaaaaaaaaaaaaaaaaaaa")
	assert.False(t, ok)
}

func TestCloseAll(t *testing.T) {
	r := New()
	a, b := newFake("a"), newFake("b")
	r.Register(a)
	r.Register(b)

	r.CloseAll()
	assert.Zero(t, r.Count())
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
}

func TestConcurrentRegisterBroadcast(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		m := newFake(fmt.Sprintf("m%02d", i))
		go func() {
			defer wg.Done()
			r.Register(m)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast(sendAll("x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Count())
}
