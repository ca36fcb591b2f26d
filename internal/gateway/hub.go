// Package gateway is the fan-out layer between services and live connections.
//
// The Hub owns the set of open connections and the broadcast groups (one per
// conversation key). Delivery is fire-and-forget: a payload is queued on the
// connection's sink without blocking, and a full queue or a vanished connection
// drops that payload only.
package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/event"
	"github.com/and161185/mobichat/internal/metrics"
	"github.com/and161185/mobichat/internal/model"
)

// Sink queues an encoded frame for one connection. It must not block and reports
// false when the frame was not accepted.
type Sink interface {
	Send(frame []byte) bool
}

// Hub routes events to connections and conversation groups. Safe for concurrent use.
type Hub struct {
	log *zap.Logger
	met *metrics.Metrics

	mu       sync.RWMutex
	conns    map[model.ConnID]Sink
	groups   map[model.ChatKey]map[model.ConnID]struct{}
	memberOf map[model.ConnID]map[model.ChatKey]struct{}
}

// NewHub returns an empty hub. met may be nil.
func NewHub(log *zap.Logger, met *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:      log,
		met:      met,
		conns:    make(map[model.ConnID]Sink),
		groups:   make(map[model.ChatKey]map[model.ConnID]struct{}),
		memberOf: make(map[model.ConnID]map[model.ChatKey]struct{}),
	}
}

// Add attaches a connection sink.
func (h *Hub) Add(id model.ConnID, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		h.met.ConnOpened()
	}
	h.conns[id] = s
}

// Remove detaches a connection and drops it from every group.
func (h *Hub) Remove(id model.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return
	}
	delete(h.conns, id)
	h.leaveAllLocked(id)
	h.met.ConnClosed()
}

// JoinGroup subscribes a connection to a conversation group. Unknown connections are ignored.
func (h *Hub) JoinGroup(id model.ConnID, key model.ChatKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return
	}
	g := h.groups[key]
	if g == nil {
		g = make(map[model.ConnID]struct{})
		h.groups[key] = g
	}
	g[id] = struct{}{}

	m := h.memberOf[id]
	if m == nil {
		m = make(map[model.ChatKey]struct{})
		h.memberOf[id] = m
	}
	m[key] = struct{}{}
}

// LeaveGroup unsubscribes a connection from a conversation group.
func (h *Hub) LeaveGroup(id model.ConnID, key model.ChatKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(id, key)
}

// LeaveAll unsubscribes a connection from every group but keeps it attached, so
// it can still receive acks.
func (h *Hub) LeaveAll(id model.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(id)
}

func (h *Hub) leaveLocked(id model.ConnID, key model.ChatKey) {
	if g := h.groups[key]; g != nil {
		delete(g, id)
		if len(g) == 0 {
			delete(h.groups, key)
		}
	}
	if m := h.memberOf[id]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(h.memberOf, id)
		}
	}
}

func (h *Hub) leaveAllLocked(id model.ConnID) {
	for key := range h.memberOf[id] {
		if g := h.groups[key]; g != nil {
			delete(g, id)
			if len(g) == 0 {
				delete(h.groups, key)
			}
		}
	}
	delete(h.memberOf, id)
}

// InGroup reports whether the connection is subscribed to key.
func (h *Hub) InGroup(id model.ConnID, key model.ChatKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[key][id]
	return ok
}

// EmitToConnection queues ev for one connection. It returns errs.ErrTargetGone when
// the connection is not attached or its queue is full.
func (h *Hub) EmitToConnection(id model.ConnID, ev event.Event) error {
	frame, err := event.Encode(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	s, ok := h.conns[id]
	h.mu.RUnlock()

	if !ok || !s.Send(frame) {
		h.met.Dropped(string(ev.Name()))
		h.log.Debug("event dropped", zap.String("conn", string(id)), zap.String("event", string(ev.Name())))
		return errs.ErrTargetGone
	}
	h.met.Emitted(string(ev.Name()))
	return nil
}

// EmitToGroup queues ev for every member of the group except exclude (may be empty).
// Per-member delivery failures are dropped.
func (h *Hub) EmitToGroup(key model.ChatKey, ev event.Event, exclude model.ConnID) {
	frame, err := event.Encode(ev)
	if err != nil {
		h.log.Error("encode event", zap.String("event", string(ev.Name())), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.groups[key]))
	for id := range h.groups[key] {
		if id == exclude {
			continue
		}
		if s, ok := h.conns[id]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	name := string(ev.Name())
	for _, s := range targets {
		if s.Send(frame) {
			h.met.Emitted(name)
		} else {
			h.met.Dropped(name)
		}
	}
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Reset detaches everything. Used at shutdown.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = make(map[model.ConnID]Sink)
	h.groups = make(map[model.ChatKey]map[model.ConnID]struct{})
	h.memberOf = make(map[model.ConnID]map[model.ChatKey]struct{})
}
