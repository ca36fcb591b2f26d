package repository

import (
	"context"

	"github.com/and161185/mobichat/internal/model"
)

// MessageRepository is the durable message log plus per-user read watermarks.
type MessageRepository interface {
	// Append persists m and fills m.ID. It returns only after the row is durable.
	Append(ctx context.Context, m *model.Message) error

	// Messages returns messages of chat with timestamp greater than after,
	// ascending by (timestamp, id). limit <= 0 means no limit.
	Messages(ctx context.Context, chat model.ChatKey, after int64, limit int) ([]model.Message, error)

	// Conversations returns every conversation of user with its last message and
	// unread count, most recent first.
	Conversations(ctx context.Context, user model.UserID) ([]model.ChatSummary, error)

	// UnreadCount counts messages in chat from the other participant newer than user's watermark.
	UnreadCount(ctx context.Context, user model.UserID, chat model.ChatKey) (int64, error)

	// UpsertWatermark sets user's read watermark in chat to ts.
	UpsertWatermark(ctx context.Context, user model.UserID, chat model.ChatKey, ts int64) error
}
