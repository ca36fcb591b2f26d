package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/mobichat/internal/model"
)

func TestRegistry_RegisterEvictsPrevious(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, evicted := r.Register("555-0100", "c1")
	require.False(t, evicted)

	old, evicted := r.Register("555-0100", "c2")
	require.True(t, evicted)
	require.Equal(t, model.ConnID("c1"), old)

	c, ok := r.LookupConnection("555-0100")
	require.True(t, ok)
	require.Equal(t, model.ConnID("c2"), c)

	_, ok = r.LookupUser("c1")
	require.False(t, ok)
	u, ok := r.LookupUser("c2")
	require.True(t, ok)
	require.Equal(t, model.UserID("555-0100"), u)
}

func TestRegistry_RegisterSameConnIsNotEviction(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("555-0100", "c1")
	_, evicted := r.Register("555-0100", "c1")
	require.False(t, evicted)
	require.Equal(t, 1, r.Online())
}

func TestRegistry_LateDisconnectOfSupersededConn(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("555-0100", "c1")
	r.Register("555-0100", "c2")

	_, gone := r.UnregisterByConnection("c1")
	require.False(t, gone)

	c, ok := r.LookupConnection("555-0100")
	require.True(t, ok)
	require.Equal(t, model.ConnID("c2"), c)

	u, gone := r.UnregisterByConnection("c2")
	require.True(t, gone)
	require.Equal(t, model.UserID("555-0100"), u)
	_, ok = r.LookupConnection("555-0100")
	require.False(t, ok)
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, gone := r.UnregisterByConnection("nope")
	require.False(t, gone)
	require.Equal(t, 0, r.Online())
}

func TestRegistry_ConnReboundToOtherUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("555-0100", "c1")
	r.Register("555-0200", "c1")

	_, ok := r.LookupConnection("555-0100")
	require.False(t, ok)
	require.True(t, r.IsCurrent("555-0200", "c1"))
}

func TestRegistry_ConcurrentSingleAuthority(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := model.ConnID(fmt.Sprintf("c%d", i))
			r.Register("555-0100", conn)
			r.UnregisterByConnection(conn)
		}(i)
	}
	wg.Wait()

	// Whatever interleaving happened, at most one connection may claim the user
	// and it must map back to the user.
	if c, ok := r.LookupConnection("555-0100"); ok {
		u, ok := r.LookupUser(c)
		require.True(t, ok)
		require.Equal(t, model.UserID("555-0100"), u)
	}
	require.LessOrEqual(t, r.Online(), 1)
}

type groupCall struct {
	join bool
	conn model.ConnID
	key  model.ChatKey
}

type fakeGroups struct {
	mu    sync.Mutex
	calls []groupCall
}

func (f *fakeGroups) JoinGroup(conn model.ConnID, key model.ChatKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, groupCall{join: true, conn: conn, key: key})
}

func (f *fakeGroups) LeaveGroup(conn model.ConnID, key model.ChatKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, groupCall{join: false, conn: conn, key: key})
}

func TestRooms_JoinLeaveMirrorsTransport(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	groups := &fakeGroups{}
	rooms := NewRooms(reg, groups)

	// Offline user: membership tracked, transport untouched.
	rooms.Join("555-0100", "555-0100:555-0200")
	require.True(t, rooms.Has("555-0100", "555-0100:555-0200"))
	require.Empty(t, groups.calls)

	reg.Register("555-0100", "c1")
	rooms.Join("555-0100", "555-0100:555-0200")
	rooms.Join("555-0100", "555-0100:555-0200")
	rooms.Leave("555-0100", "555-0100:555-0200")
	rooms.Leave("555-0100", "555-0100:555-0200")

	require.False(t, rooms.Has("555-0100", "555-0100:555-0200"))
	require.Equal(t, []groupCall{
		{true, "c1", "555-0100:555-0200"},
		{true, "c1", "555-0100:555-0200"},
		{false, "c1", "555-0100:555-0200"},
		{false, "c1", "555-0100:555-0200"},
	}, groups.calls)
}

func TestRooms_JoinLive(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	groups := &fakeGroups{}
	rooms := NewRooms(reg, groups)

	require.False(t, rooms.JoinLive("555-0200", "555-0100:555-0200"))
	require.False(t, rooms.Has("555-0200", "555-0100:555-0200"))

	reg.Register("555-0200", "c2")
	require.True(t, rooms.JoinLive("555-0200", "555-0100:555-0200"))
	require.False(t, rooms.JoinLive("555-0200", "555-0100:555-0200"))
	require.Equal(t, []groupCall{{true, "c2", "555-0100:555-0200"}}, groups.calls)
}

func TestRooms_ResetAndClear(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	groups := &fakeGroups{}
	rooms := NewRooms(reg, groups)
	reg.Register("555-0100", "c1")

	rooms.Join("555-0100", "555-0100:555-0999")
	rooms.Reset("555-0100", []model.ChatKey{"555-0100:555-0300", "555-0100:555-0200"})
	require.Equal(t, []model.ChatKey{"555-0100:555-0200", "555-0100:555-0300"}, rooms.Keys("555-0100"))

	rooms.Clear("555-0100")
	require.Empty(t, rooms.Keys("555-0100"))
	require.False(t, rooms.Has("555-0100", "555-0100:555-0200"))

	rooms.Join("555-0100", "555-0100:555-0200")
	rooms.ClearAll()
	require.Empty(t, rooms.Keys("555-0100"))
}
