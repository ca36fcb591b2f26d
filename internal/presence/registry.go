// Package presence keeps the in-memory bookkeeping of who is live and which
// conversation rooms their connection is subscribed to.
//
// State is process-wide: populated on authenticate, drained on disconnect and
// empty at process start. Both Registry and Rooms are safe for concurrent use.
package presence

import (
	"sync"

	"github.com/and161185/mobichat/internal/model"
)

// Registry is the bidirectional user <-> connection map. A user has at most one
// registered connection at any instant.
type Registry struct {
	mu     sync.RWMutex
	byUser map[model.UserID]model.ConnID
	byConn map[model.ConnID]model.UserID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[model.UserID]model.ConnID),
		byConn: make(map[model.ConnID]model.UserID),
	}
}

// Register binds user to conn. A previously registered connection of the same user
// is evicted first and returned; evicted is false when there was none or it was conn itself.
func (r *Registry) Register(user model.UserID, conn model.ConnID) (old model.ConnID, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[user]; ok && prev != conn {
		delete(r.byConn, prev)
		old, evicted = prev, true
	}
	// A connection re-bound to a different identity must not leave the old user pointing at it.
	if prevUser, ok := r.byConn[conn]; ok && prevUser != user {
		delete(r.byUser, prevUser)
	}
	r.byUser[user] = conn
	r.byConn[conn] = user
	return old, evicted
}

// UnregisterByConnection removes conn and its user only if conn is still the user's
// registered connection. It reports the user that went offline.
func (r *Registry) UnregisterByConnection(conn model.ConnID) (model.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	if cur, ok := r.byUser[user]; ok && cur == conn {
		delete(r.byUser, user)
		return user, true
	}
	return "", false
}

// LookupConnection returns the live connection of user.
func (r *Registry) LookupConnection(user model.UserID) (model.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[user]
	return c, ok
}

// LookupUser returns the user bound to conn.
func (r *Registry) LookupUser(conn model.ConnID) (model.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[conn]
	return u, ok
}

// IsCurrent reports whether conn is the registered connection of user.
func (r *Registry) IsCurrent(user model.UserID, conn model.ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[user]
	return ok && c == conn
}

// Online returns the number of live users.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ClearAll drops every entry. Used at shutdown.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser = make(map[model.UserID]model.ConnID)
	r.byConn = make(map[model.ConnID]model.UserID)
}
