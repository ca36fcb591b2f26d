package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/mobichat/internal/chatkey"
	"github.com/and161185/mobichat/internal/convert"
	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/event"
	"github.com/and161185/mobichat/internal/gateway"
	"github.com/and161185/mobichat/internal/metrics"
	"github.com/and161185/mobichat/internal/model"
	"github.com/and161185/mobichat/internal/presence"
	"github.com/and161185/mobichat/internal/repository"
)

// State is the lifecycle stage of a live connection.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is one live transport session as seen by the coordinator.
type Conn struct {
	id model.ConnID

	mu    sync.Mutex
	state State
	user  model.UserID
}

// ID returns the connection identifier.
func (c *Conn) ID() model.ConnID { return c.id }

// State returns the current lifecycle state and the bound identity, if any.
func (c *Conn) State() (State, model.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.user
}

// Gateway is the fan-out surface the coordinator drives.
type Gateway interface {
	presence.GroupTransport
	Add(id model.ConnID, s gateway.Sink)
	Remove(id model.ConnID)
	LeaveAll(id model.ConnID)
	EmitToConnection(id model.ConnID, ev event.Event) error
	EmitToGroup(key model.ChatKey, ev event.Event, exclude model.ConnID)
}

// SessionService is the live-connection API.
type SessionService interface {
	Connect(s gateway.Sink) *Conn
	Authenticate(ctx context.Context, c *Conn, token string) (model.UserID, error)
	JoinChat(ctx context.Context, c *Conn, key model.ChatKey) ([]model.Message, error)
	LeaveChat(ctx context.Context, c *Conn, key model.ChatKey) error
	SendMessage(ctx context.Context, c *Conn, to model.UserID, text string) (model.Message, error)
	MarkRead(ctx context.Context, c *Conn, key model.ChatKey) (event.MessagesReadSelf, error)
	Typing(ctx context.Context, c *Conn, key model.ChatKey, isTyping bool) error
	Disconnect(ctx context.Context, c *Conn)
}

// MessagingService is the stateless per-request variant keyed by an already verified user.
type MessagingService interface {
	SendMessageAs(ctx context.Context, user, to model.UserID, text string) (model.Message, error)
	MarkReadAs(ctx context.Context, user model.UserID, key model.ChatKey) (event.MessagesReadSelf, error)
	TypingAs(ctx context.Context, user model.UserID, key model.ChatKey, isTyping bool) error
}

// SessionDeps collects the coordinator collaborators. LastSeen, Log and Metrics are optional.
type SessionDeps struct {
	Verifier IdentityVerifier
	Messages repository.MessageRepository
	LastSeen repository.LastSeenRepository
	Registry *presence.Registry
	Rooms    *presence.Rooms
	Gateway  Gateway
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// SessionCoordinator binds identities to connections and sequences store writes
// before fan-out.
type SessionCoordinator struct {
	verifier IdentityVerifier
	msgs     repository.MessageRepository
	lastSeen repository.LastSeenRepository
	reg      *presence.Registry
	rooms    *presence.Rooms
	gw       Gateway
	log      *zap.Logger
	met      *metrics.Metrics
	now      func() time.Time

	locks userLocks
}

// NewSessionCoordinator wires the coordinator.
func NewSessionCoordinator(d SessionDeps) *SessionCoordinator {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionCoordinator{
		verifier: d.Verifier,
		msgs:     d.Messages,
		lastSeen: d.LastSeen,
		reg:      d.Registry,
		rooms:    d.Rooms,
		gw:       d.Gateway,
		log:      log,
		met:      d.Metrics,
		now:      time.Now,
		locks:    userLocks{m: make(map[model.UserID]*userLock)},
	}
}

// Connect registers a new connection in the Connected state.
func (s *SessionCoordinator) Connect(sink gateway.Sink) *Conn {
	c := &Conn{id: model.ConnID(uuid.Must(uuid.NewV4()).String()), state: StateConnected}
	s.gw.Add(c.id, sink)
	return c
}

// Authenticate binds the identity behind token to c. A previous connection of the
// same user is evicted from presence. On failure c keeps its state and may retry.
func (s *SessionCoordinator) Authenticate(ctx context.Context, c *Conn, token string) (model.UserID, error) {
	if st, _ := c.State(); st == StateDisconnected {
		return "", fmt.Errorf("%w: connection closed", errs.ErrUnauthenticated)
	}

	user, err := s.verifier.Verify(ctx, token)
	if err != nil {
		_ = s.gw.EmitToConnection(c.id, event.Authenticated{Status: event.StatusFailed, Reason: "invalid token"})
		return "", err
	}

	// Held across the conversation load: room joins from concurrent sends wait
	// for the reset below instead of being overwritten by a stale list.
	unlock := s.locks.lock(user)
	defer unlock()

	c.mu.Lock()
	switch {
	case c.state == StateDisconnected:
		c.mu.Unlock()
		return "", fmt.Errorf("%w: connection closed", errs.ErrUnauthenticated)
	case c.state == StateAuthenticated && c.user != user:
		c.mu.Unlock()
		return "", fmt.Errorf("%w: connection already bound to another identity", errs.ErrInvalidRequest)
	}
	c.state, c.user = StateAuthenticated, user
	c.mu.Unlock()

	if old, evicted := s.reg.Register(user, c.id); evicted {
		s.gw.LeaveAll(old)
		s.met.Evicted()
		s.log.Info("connection superseded", zap.String("user", string(user)), zap.String("conn", string(old)))
	}
	s.met.SetOnline(s.reg.Online())

	summaries, err := s.msgs.Conversations(ctx, user)
	if err != nil {
		s.log.Warn("load conversations", zap.String("user", string(user)), zap.Error(err))
		summaries = nil
	}
	keys := make([]model.ChatKey, 0, len(summaries))
	for _, sum := range summaries {
		keys = append(keys, sum.ChatID)
	}
	s.rooms.Reset(user, keys)

	online := event.UserStatus{Mobile: user, Status: event.PresenceOnline}
	for _, sum := range summaries {
		if pc, ok := s.reg.LookupConnection(sum.Partner); ok {
			_ = s.gw.EmitToConnection(pc, online)
		}
	}

	_ = s.gw.EmitToConnection(c.id, event.Authenticated{Status: event.StatusSuccess, Mobile: user})
	_ = s.gw.EmitToConnection(c.id, convert.ToChatList(summaries, s.isOnline))

	s.log.Debug("authenticated", zap.String("user", string(user)), zap.String("conn", string(c.id)))
	return user, nil
}

// JoinChat subscribes c to key, marks the conversation read and returns its history.
func (s *SessionCoordinator) JoinChat(ctx context.Context, c *Conn, key model.ChatKey) ([]model.Message, error) {
	user, err := s.session(c)
	if err != nil {
		return nil, err
	}
	if _, err := member(user, key); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(user)
	s.rooms.Join(user, key)
	unlock()

	history, err := s.msgs.Messages(ctx, key, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", errs.ErrStoreUnavailable, err)
	}
	if _, err := s.markRead(ctx, user, key); err != nil {
		s.log.Warn("mark read on join", zap.String("user", string(user)), zap.String("chat", string(key)), zap.Error(err))
	}
	return history, nil
}

// LeaveChat drops the subscription of c to key.
func (s *SessionCoordinator) LeaveChat(_ context.Context, c *Conn, key model.ChatKey) error {
	user, err := s.session(c)
	if err != nil {
		return err
	}
	if _, err := member(user, key); err != nil {
		return err
	}
	s.rooms.Leave(user, key)
	return nil
}

// SendMessage persists a message from the identity bound to c and fans it out.
func (s *SessionCoordinator) SendMessage(ctx context.Context, c *Conn, to model.UserID, text string) (model.Message, error) {
	user, err := s.session(c)
	if err != nil {
		return model.Message{}, err
	}
	return s.send(ctx, user, to, text)
}

// SendMessageAs is SendMessage for a request authenticated outside the live transport.
func (s *SessionCoordinator) SendMessageAs(ctx context.Context, user, to model.UserID, text string) (model.Message, error) {
	return s.send(ctx, user, to, text)
}

func (s *SessionCoordinator) send(ctx context.Context, user, to model.UserID, text string) (model.Message, error) {
	to = model.UserID(strings.TrimSpace(string(to)))
	switch {
	case to == "" || strings.TrimSpace(text) == "":
		return model.Message{}, fmt.Errorf("%w: receiver and text are required", errs.ErrInvalidRequest)
	case !chatkey.Valid(to):
		return model.Message{}, fmt.Errorf("%w: bad receiver", errs.ErrInvalidRequest)
	case to == user:
		return model.Message{}, fmt.Errorf("%w: cannot message yourself", errs.ErrInvalidRequest)
	}

	key := chatkey.For(user, to)
	m := model.Message{
		ChatID:    key,
		Sender:    user,
		Receiver:  to,
		Text:      text,
		Timestamp: s.now().Unix(),
	}
	// Nothing is emitted unless the append succeeded.
	if err := s.msgs.Append(ctx, &m); err != nil {
		return model.Message{}, fmt.Errorf("%w: append: %v", errs.ErrStoreUnavailable, err)
	}
	s.met.MessagePersisted()

	s.joinLive(user, key)
	s.joinLive(to, key)

	s.gw.EmitToGroup(key, convert.ToEventMessage(m), "")
	s.pushChatList(ctx, user)
	s.pushChatList(ctx, to)
	return m, nil
}

// joinLive subscribes user to key under the user's lock, so it lands after the
// room reset of an authenticate already in flight for that user.
func (s *SessionCoordinator) joinLive(user model.UserID, key model.ChatKey) {
	unlock := s.locks.lock(user)
	defer unlock()
	s.rooms.JoinLive(user, key)
}

// MarkRead moves the read watermark of the identity bound to c.
func (s *SessionCoordinator) MarkRead(ctx context.Context, c *Conn, key model.ChatKey) (event.MessagesReadSelf, error) {
	user, err := s.session(c)
	if err != nil {
		return event.MessagesReadSelf{}, err
	}
	return s.markRead(ctx, user, key)
}

// MarkReadAs is MarkRead for a request authenticated outside the live transport.
func (s *SessionCoordinator) MarkReadAs(ctx context.Context, user model.UserID, key model.ChatKey) (event.MessagesReadSelf, error) {
	return s.markRead(ctx, user, key)
}

func (s *SessionCoordinator) markRead(ctx context.Context, user model.UserID, key model.ChatKey) (event.MessagesReadSelf, error) {
	other, err := member(user, key)
	if err != nil {
		return event.MessagesReadSelf{}, err
	}

	ts := s.now().Unix()
	if err := s.msgs.UpsertWatermark(ctx, user, key, ts); err != nil {
		return event.MessagesReadSelf{}, fmt.Errorf("%w: watermark: %v", errs.ErrStoreUnavailable, err)
	}

	if oc, ok := s.reg.LookupConnection(other); ok {
		_ = s.gw.EmitToConnection(oc, event.MessagesRead{ChatID: key, Reader: user, Timestamp: ts})
	}

	unread, err := s.msgs.UnreadCount(ctx, user, key)
	if err != nil {
		s.log.Warn("unread count", zap.String("user", string(user)), zap.String("chat", string(key)), zap.Error(err))
		unread = 0
	}
	self := event.MessagesReadSelf{ChatID: key, Timestamp: ts, UnreadCount: unread}
	if uc, ok := s.reg.LookupConnection(user); ok {
		_ = s.gw.EmitToConnection(uc, self)
	}
	return self, nil
}

// Typing relays a typing indicator to the room, excluding c itself.
func (s *SessionCoordinator) Typing(_ context.Context, c *Conn, key model.ChatKey, isTyping bool) error {
	user, err := s.session(c)
	if err != nil {
		return err
	}
	return s.typing(user, key, isTyping, c.id)
}

// TypingAs is Typing for a request authenticated outside the live transport. The
// user's live connection, if any, is still excluded.
func (s *SessionCoordinator) TypingAs(_ context.Context, user model.UserID, key model.ChatKey, isTyping bool) error {
	self, _ := s.reg.LookupConnection(user)
	return s.typing(user, key, isTyping, self)
}

func (s *SessionCoordinator) typing(user model.UserID, key model.ChatKey, isTyping bool, exclude model.ConnID) error {
	if _, err := member(user, key); err != nil {
		return err
	}
	s.gw.EmitToGroup(key, event.UserTyping{ChatID: key, Mobile: user, IsTyping: isTyping}, exclude)
	return nil
}

// Disconnect moves c to the terminal state and, when c still owns its user's
// presence slot, announces the user offline and drops their room memberships.
func (s *SessionCoordinator) Disconnect(ctx context.Context, c *Conn) {
	c.mu.Lock()
	prev, user := c.state, c.user
	c.state = StateDisconnected
	c.mu.Unlock()

	if prev == StateDisconnected {
		return
	}
	s.gw.Remove(c.id)
	if prev != StateAuthenticated {
		return
	}

	unlock := s.locks.lock(user)
	defer unlock()

	if _, current := s.reg.UnregisterByConnection(c.id); !current {
		return
	}
	s.met.SetOnline(s.reg.Online())

	offline := event.UserStatus{Mobile: user, Status: event.PresenceOffline}
	for _, key := range s.rooms.Keys(user) {
		other, ok := chatkey.Counterpart(key, user)
		if !ok {
			continue
		}
		if oc, ok := s.reg.LookupConnection(other); ok {
			_ = s.gw.EmitToConnection(oc, offline)
		}
	}
	s.rooms.Clear(user)

	if s.lastSeen != nil {
		if err := s.lastSeen.Touch(ctx, user, s.now()); err != nil {
			s.log.Warn("record last seen", zap.String("user", string(user)), zap.Error(err))
		}
	}
	s.log.Debug("disconnected", zap.String("user", string(user)), zap.String("conn", string(c.id)))
}

// Shutdown drops all presence state.
func (s *SessionCoordinator) Shutdown() {
	s.rooms.ClearAll()
	s.reg.ClearAll()
	s.met.SetOnline(0)
}

// session returns the identity bound to c if c is authenticated and still the
// registered connection of that identity.
func (s *SessionCoordinator) session(c *Conn) (model.UserID, error) {
	st, user := c.State()
	if st != StateAuthenticated {
		return "", fmt.Errorf("%w: not authenticated", errs.ErrUnauthenticated)
	}
	if !s.reg.IsCurrent(user, c.id) {
		return "", fmt.Errorf("%w: connection superseded", errs.ErrUnauthenticated)
	}
	return user, nil
}

func (s *SessionCoordinator) isOnline(u model.UserID) bool {
	_, ok := s.reg.LookupConnection(u)
	return ok
}

// pushChatList sends user's fresh chat list to their live connection, if any.
func (s *SessionCoordinator) pushChatList(ctx context.Context, user model.UserID) {
	conn, ok := s.reg.LookupConnection(user)
	if !ok {
		return
	}
	summaries, err := s.msgs.Conversations(ctx, user)
	if err != nil {
		s.log.Warn("refresh chat list", zap.String("user", string(user)), zap.Error(err))
		return
	}
	_ = s.gw.EmitToConnection(conn, convert.ToChatList(summaries, s.isOnline))
}

// member checks that user is a participant of key and returns the counterpart.
func member(user model.UserID, key model.ChatKey) (model.UserID, error) {
	if _, _, ok := chatkey.Split(key); !ok {
		return "", fmt.Errorf("%w: bad chat id", errs.ErrInvalidRequest)
	}
	other, ok := chatkey.Counterpart(key, user)
	if !ok {
		return "", fmt.Errorf("%w: not a participant", errs.ErrUnauthorized)
	}
	return other, nil
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// userLocks serializes presence transitions per identity.
type userLocks struct {
	mu sync.Mutex
	m  map[model.UserID]*userLock
}

func (l *userLocks) lock(user model.UserID) func() {
	l.mu.Lock()
	e := l.m[user]
	if e == nil {
		e = &userLock{}
		l.m[user] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, user)
		}
		l.mu.Unlock()
	}
}
