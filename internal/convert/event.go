// Package convert maps domain models to wire events.
package convert

import (
	"github.com/and161185/mobichat/internal/chatkey"
	"github.com/and161185/mobichat/internal/event"
	"github.com/and161185/mobichat/internal/model"
)

// OnlineFunc reports whether a user has a live connection.
type OnlineFunc func(model.UserID) bool

// ToEventMessage wraps a persisted message.
func ToEventMessage(m model.Message) event.NewMessage {
	return event.NewMessage{
		ChatID:    m.ChatID,
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Text:      m.Text,
		Timestamp: m.Timestamp,
	}
}

// ToEventMessages converts a history slice; nil stays an empty list.
func ToEventMessages(ms []model.Message) []event.NewMessage {
	out := make([]event.NewMessage, 0, len(ms))
	for _, m := range ms {
		out = append(out, ToEventMessage(m))
	}
	return out
}

// ToChatEntry converts one conversation summary. online may be nil.
func ToChatEntry(s model.ChatSummary, online OnlineFunc) event.ChatEntry {
	u1, u2, ok := chatkey.Split(s.ChatID)
	if !ok {
		u1, u2 = s.User, s.Partner
	}
	e := event.ChatEntry{
		ChatID:        s.ChatID,
		User1:         u1,
		User2:         u2,
		UnreadCount:   s.UnreadCount,
		LastTimestamp: s.LastTimestamp,
	}
	if s.LastMessage != nil {
		e.LastMessage = &event.LastMessage{
			Sender:    s.LastMessage.Sender,
			Text:      s.LastMessage.Text,
			Timestamp: s.LastMessage.Timestamp,
		}
	}
	if online != nil {
		e.Online = online(s.Partner)
	}
	return e
}

// ToChatList converts summaries preserving their order.
func ToChatList(ss []model.ChatSummary, online OnlineFunc) event.ChatListUpdate {
	chats := make([]event.ChatEntry, 0, len(ss))
	for _, s := range ss {
		chats = append(chats, ToChatEntry(s, online))
	}
	return event.ChatListUpdate{Chats: chats}
}
