package postgres

import (
	"context"

	"github.com/and161185/mobichat/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Append inserts m and stores the assigned id back into it.
func (r *MessageRepo) Append(ctx context.Context, m *model.Message) error {
	const q = `
INSERT INTO messages (chat_id, sender, receiver, body, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`
	return r.db.Pool.QueryRow(ctx, q,
		string(m.ChatID), string(m.Sender), string(m.Receiver), m.Text, m.Timestamp,
	).Scan(&m.ID)
}

// Messages returns the history of chat strictly after the given timestamp.
func (r *MessageRepo) Messages(ctx context.Context, chat model.ChatKey, after int64, limit int) ([]model.Message, error) {
	const base = `
SELECT id, chat_id, sender, receiver, body, created_at
FROM messages
WHERE chat_id=$1 AND created_at>$2
ORDER BY created_at ASC, id ASC`
	q, args := base, []any{string(chat), after}
	if limit > 0 {
		q += `
LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m                        model.Message
			chatID, sender, receiver string
		)
		if err := rows.Scan(&m.ID, &chatID, &sender, &receiver, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		m.ChatID, m.Sender, m.Receiver = model.ChatKey(chatID), model.UserID(sender), model.UserID(receiver)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Conversations lists user's chats with the last message and unread count in one round trip.
func (r *MessageRepo) Conversations(ctx context.Context, user model.UserID) ([]model.ChatSummary, error) {
	const q = `
WITH mine AS (
	SELECT id, chat_id, sender, body, created_at,
		CASE WHEN sender = $1 THEN receiver ELSE sender END AS partner
	FROM messages
	WHERE sender = $1 OR receiver = $1
), last AS (
	SELECT DISTINCT ON (chat_id) chat_id, partner, sender, body, created_at, id
	FROM mine
	ORDER BY chat_id, created_at DESC, id DESC
), unread AS (
	SELECT m.chat_id, COUNT(*) AS n
	FROM mine m
	LEFT JOIN read_watermarks w ON w.user_id = $1 AND w.chat_id = m.chat_id
	WHERE m.sender <> $1 AND m.created_at > COALESCE(w.last_read, 0)
	GROUP BY m.chat_id
)
SELECT l.chat_id, l.partner, l.sender, l.body, l.created_at, l.id, COALESCE(u.n, 0)
FROM last l
LEFT JOIN unread u ON u.chat_id = l.chat_id
ORDER BY l.created_at DESC, l.id DESC`
	rows, err := r.db.Pool.Query(ctx, q, string(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChatSummary
	for rows.Next() {
		var (
			s                       model.ChatSummary
			chatID, partner, sender string
			body                    string
		)
		if err := rows.Scan(&chatID, &partner, &sender, &body, &s.LastTimestamp, &s.LastID, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.ChatID = model.ChatKey(chatID)
		s.User = user
		s.Partner = model.UserID(partner)
		s.LastMessage = &model.LastMessage{Sender: model.UserID(sender), Text: body, Timestamp: s.LastTimestamp}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UnreadCount counts the counterpart's messages newer than user's watermark.
func (r *MessageRepo) UnreadCount(ctx context.Context, user model.UserID, chat model.ChatKey) (int64, error) {
	const q = `
SELECT COUNT(*)
FROM messages m
LEFT JOIN read_watermarks w ON w.user_id = $1 AND w.chat_id = m.chat_id
WHERE m.chat_id = $2 AND m.sender <> $1 AND m.created_at > COALESCE(w.last_read, 0)`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, string(user), string(chat)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpsertWatermark moves the watermark forward. It never moves backwards.
func (r *MessageRepo) UpsertWatermark(ctx context.Context, user model.UserID, chat model.ChatKey, ts int64) error {
	const q = `
INSERT INTO read_watermarks (user_id, chat_id, last_read)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, chat_id) DO UPDATE
SET last_read = GREATEST(read_watermarks.last_read, EXCLUDED.last_read)`
	_, err := r.db.Pool.Exec(ctx, q, string(user), string(chat), ts)
	return err
}
