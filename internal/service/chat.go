package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mobichat/internal/chatkey"
	"github.com/and161185/mobichat/internal/convert"
	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/event"
	"github.com/and161185/mobichat/internal/model"
	"github.com/and161185/mobichat/internal/presence"
	"github.com/and161185/mobichat/internal/repository"
)

const (
	// MinSearchLen is the shortest accepted user search query.
	MinSearchLen = 3
	searchLimit  = 20
)

// UserHit is one user search result.
type UserHit struct {
	Mobile model.UserID `json:"mobile"`
	Online bool         `json:"online"`
}

// ChatService answers read-only queries over conversations and users.
type ChatService interface {
	Conversations(ctx context.Context, user model.UserID) event.ChatListUpdate
	History(ctx context.Context, user, partner model.UserID, after int64) ([]model.Message, error)
	Search(ctx context.Context, user model.UserID, query string) ([]UserHit, error)
	Status(ctx context.Context, mobile model.UserID) (model.UserStatus, error)
	Me(ctx context.Context, user model.UserID) (model.User, error)
}

type ChatServiceImpl struct {
	users    repository.UserRepository
	msgs     repository.MessageRepository
	lastSeen repository.LastSeenRepository
	reg      *presence.Registry
	log      *zap.Logger
}

// NewChatService constructs ChatService. lastSeen may be nil.
func NewChatService(users repository.UserRepository, msgs repository.MessageRepository,
	lastSeen repository.LastSeenRepository, reg *presence.Registry, log *zap.Logger) *ChatServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatServiceImpl{users: users, msgs: msgs, lastSeen: lastSeen, reg: reg, log: log}
}

// Conversations returns the user's chat list, newest first. Store failures
// degrade to an empty list.
func (s *ChatServiceImpl) Conversations(ctx context.Context, user model.UserID) event.ChatListUpdate {
	summaries, err := s.msgs.Conversations(ctx, user)
	if err != nil {
		s.log.Warn("load conversations", zap.String("user", string(user)), zap.Error(err))
		summaries = nil
	}
	return convert.ToChatList(summaries, s.online)
}

// History returns the messages exchanged with partner after the given timestamp, oldest first.
func (s *ChatServiceImpl) History(ctx context.Context, user, partner model.UserID, after int64) ([]model.Message, error) {
	if !chatkey.Valid(partner) || partner == user {
		return nil, fmt.Errorf("%w: bad partner", errs.ErrInvalidRequest)
	}
	if after < 0 {
		return nil, fmt.Errorf("%w: negative after", errs.ErrInvalidRequest)
	}
	ms, err := s.msgs.Messages(ctx, chatkey.For(user, partner), after, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", errs.ErrStoreUnavailable, err)
	}
	if ms == nil {
		ms = []model.Message{}
	}
	return ms, nil
}

// Search finds verified users whose mobile contains query.
func (s *ChatServiceImpl) Search(ctx context.Context, user model.UserID, query string) ([]UserHit, error) {
	query = strings.TrimSpace(query)
	if len(query) < MinSearchLen {
		return nil, fmt.Errorf("%w: query must be at least %d characters", errs.ErrInvalidRequest, MinSearchLen)
	}
	ids, err := s.users.Search(ctx, query, user, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", errs.ErrStoreUnavailable, err)
	}
	hits := make([]UserHit, 0, len(ids))
	for _, id := range ids {
		hits = append(hits, UserHit{Mobile: id, Online: s.online(id)})
	}
	return hits, nil
}

// Status reports presence of mobile and, when offline, when it was last seen.
func (s *ChatServiceImpl) Status(ctx context.Context, mobile model.UserID) (model.UserStatus, error) {
	if !chatkey.Valid(mobile) {
		return model.UserStatus{}, fmt.Errorf("%w: bad mobile", errs.ErrInvalidRequest)
	}
	st := model.UserStatus{Mobile: mobile, Online: s.online(mobile)}
	if st.Online || s.lastSeen == nil {
		return st, nil
	}
	at, err := s.lastSeen.Get(ctx, mobile)
	if err != nil {
		s.log.Warn("load last seen", zap.String("user", string(mobile)), zap.Error(err))
		return st, nil
	}
	st.LastSeen = at
	return st, nil
}

// Me returns the caller's account without code material.
func (s *ChatServiceImpl) Me(ctx context.Context, user model.UserID) (model.User, error) {
	u, err := s.users.Get(ctx, user)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return model.User{}, err
	case err != nil:
		return model.User{}, fmt.Errorf("%w: load user: %v", errs.ErrStoreUnavailable, err)
	}
	u.CodeHash, u.CodeSalt, u.CodeExpiresAt = nil, nil, time.Time{}
	return *u, nil
}

func (s *ChatServiceImpl) online(u model.UserID) bool {
	_, ok := s.reg.LookupConnection(u)
	return ok
}
