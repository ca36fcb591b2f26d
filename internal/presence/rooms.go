package presence

import (
	"sort"
	"sync"

	"github.com/and161185/mobichat/internal/model"
)

// GroupTransport is the broadcast-group mechanism of the live transport.
type GroupTransport interface {
	JoinGroup(conn model.ConnID, key model.ChatKey)
	LeaveGroup(conn model.ConnID, key model.ChatKey)
}

// Rooms tracks, per user, the conversation keys their live connection is subscribed to
// and mirrors every change into the transport groups.
type Rooms struct {
	mu        sync.Mutex
	reg       *Registry
	transport GroupTransport
	byUser    map[model.UserID]map[model.ChatKey]struct{}
}

// NewRooms builds a tracker bound to reg for live-connection lookups.
func NewRooms(reg *Registry, transport GroupTransport) *Rooms {
	return &Rooms{
		reg:       reg,
		transport: transport,
		byUser:    make(map[model.UserID]map[model.ChatKey]struct{}),
	}
}

// Join adds key to user's set (idempotent) and subscribes the live connection, if any.
func (r *Rooms) Join(user model.UserID, key model.ChatKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(user, key)
}

func (r *Rooms) joinLocked(user model.UserID, key model.ChatKey) {
	set := r.byUser[user]
	if set == nil {
		set = make(map[model.ChatKey]struct{})
		r.byUser[user] = set
	}
	set[key] = struct{}{}
	if conn, ok := r.reg.LookupConnection(user); ok {
		r.transport.JoinGroup(conn, key)
	}
}

// JoinLive joins only when user currently has a live connection and is not yet a member.
// It reports whether a join happened.
func (r *Rooms) JoinLive(user model.UserID, key model.ChatKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[user][key]; ok {
		return false
	}
	if _, ok := r.reg.LookupConnection(user); !ok {
		return false
	}
	r.joinLocked(user, key)
	return true
}

// Leave removes key from user's set (idempotent) and unsubscribes the live connection.
func (r *Rooms) Leave(user model.UserID, key model.ChatKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set := r.byUser[user]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(r.byUser, user)
		}
	}
	if conn, ok := r.reg.LookupConnection(user); ok {
		r.transport.LeaveGroup(conn, key)
	}
}

// Reset replaces user's memberships with keys. Used on authenticate.
func (r *Rooms) Reset(user model.UserID, keys []model.ChatKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byUser, user)
	for _, k := range keys {
		r.joinLocked(user, k)
	}
}

// Clear forgets all memberships of user. The connection is gone, so transport
// groups are left alone.
func (r *Rooms) Clear(user model.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, user)
}

// Has reports whether user is subscribed to key.
func (r *Rooms) Has(user model.UserID, key model.ChatKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUser[user][key]
	return ok
}

// Keys returns user's memberships in sorted order.
func (r *Rooms) Keys(user model.UserID) []model.ChatKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[user]
	out := make([]model.ChatKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClearAll drops every membership. Used at shutdown.
func (r *Rooms) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser = make(map[model.UserID]map[model.ChatKey]struct{})
}
