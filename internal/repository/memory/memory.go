// Package memory provides in-process implementations of the repository interfaces.
// It backs development runs without a database and service-level tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/and161185/mobichat/internal/chatkey"
	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/model"
)

// UserRepo is a map-backed UserRepository.
type UserRepo struct {
	mu    sync.RWMutex
	users map[model.UserID]model.User
	now   func() time.Time
}

// NewUserRepo returns an empty user store.
func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[model.UserID]model.User), now: time.Now}
}

func (r *UserRepo) UpsertCode(_ context.Context, mobile model.UserID, hash, salt []byte, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[mobile]
	if !ok {
		u = model.User{Mobile: mobile, CreatedAt: r.now()}
	}
	u.CodeHash = append([]byte(nil), hash...)
	u.CodeSalt = append([]byte(nil), salt...)
	u.CodeExpiresAt = expiresAt
	r.users[mobile] = u
	return nil
}

func (r *UserRepo) Verify(_ context.Context, mobile model.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[mobile]
	if !ok {
		return errs.ErrNotFound
	}
	u.Verified = true
	u.CodeHash, u.CodeSalt, u.CodeExpiresAt = nil, nil, time.Time{}
	r.users[mobile] = u
	return nil
}

func (r *UserRepo) Get(_ context.Context, mobile model.UserID) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[mobile]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (r *UserRepo) Search(_ context.Context, query string, self model.UserID, limit int) ([]model.UserID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.UserID
	for id, u := range r.users {
		if u.Verified && id != self && strings.Contains(string(id), query) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type watermarkKey struct {
	user model.UserID
	chat model.ChatKey
}

// MessageRepo is a slice-backed MessageRepository.
type MessageRepo struct {
	mu         sync.RWMutex
	seq        int64
	messages   []model.Message
	watermarks map[watermarkKey]int64
}

// NewMessageRepo returns an empty message store.
func NewMessageRepo() *MessageRepo {
	return &MessageRepo{watermarks: make(map[watermarkKey]int64)}
}

func (r *MessageRepo) Append(_ context.Context, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	m.ID = r.seq
	r.messages = append(r.messages, *m)
	return nil
}

func (r *MessageRepo) Messages(_ context.Context, chat model.ChatKey, after int64, limit int) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Message
	for _, m := range r.messages {
		if m.ChatID == chat && m.Timestamp > after {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MessageRepo) Conversations(_ context.Context, user model.UserID) ([]model.ChatSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byChat := make(map[model.ChatKey]*model.ChatSummary)
	for _, m := range r.messages {
		if m.Sender != user && m.Receiver != user {
			continue
		}
		s := byChat[m.ChatID]
		if s == nil {
			partner, _ := chatkey.Counterpart(m.ChatID, user)
			s = &model.ChatSummary{ChatID: m.ChatID, User: user, Partner: partner}
			byChat[m.ChatID] = s
		}
		if s.LastMessage == nil || m.Timestamp > s.LastTimestamp || (m.Timestamp == s.LastTimestamp && m.ID > s.LastID) {
			s.LastMessage = &model.LastMessage{Sender: m.Sender, Text: m.Text, Timestamp: m.Timestamp}
			s.LastTimestamp, s.LastID = m.Timestamp, m.ID
		}
		if m.Sender != user && m.Timestamp > r.watermarks[watermarkKey{user, m.ChatID}] {
			s.UnreadCount++
		}
	}

	out := make([]model.ChatSummary, 0, len(byChat))
	for _, s := range byChat {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTimestamp != out[j].LastTimestamp {
			return out[i].LastTimestamp > out[j].LastTimestamp
		}
		return out[i].LastID > out[j].LastID
	})
	return out, nil
}

func (r *MessageRepo) UnreadCount(_ context.Context, user model.UserID, chat model.ChatKey) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wm := r.watermarks[watermarkKey{user, chat}]
	var n int64
	for _, m := range r.messages {
		if m.ChatID == chat && m.Sender != user && m.Timestamp > wm {
			n++
		}
	}
	return n, nil
}

func (r *MessageRepo) UpsertWatermark(_ context.Context, user model.UserID, chat model.ChatKey, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := watermarkKey{user, chat}
	if ts > r.watermarks[k] {
		r.watermarks[k] = ts
	}
	return nil
}
