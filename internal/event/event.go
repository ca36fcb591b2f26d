// Package event defines the typed frames exchanged over live connections.
//
// Every server-initiated event and every client request is a distinct Go type with
// a fixed field set. Frames travel as JSON envelopes:
//
//	{"event": "<name>", "ref": "<client correlation id>", "data": {...}}
package event

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/mobichat/internal/model"
)

// Name is the wire name of an event.
type Name string

// Server-initiated events.
const (
	NameAuthenticated    Name = "authenticated"
	NameNewMessage       Name = "new_message"
	NameChatListUpdate   Name = "chat_list_update"
	NameMessagesRead     Name = "messages_read"
	NameMessagesReadSelf Name = "messages_read_self"
	NameUserStatus       Name = "user_status"
	NameUserTyping       Name = "user_typing"
	NameAck              Name = "ack"
)

// Event is implemented by every server-initiated payload.
type Event interface {
	Name() Name
	isEvent()
}

// Status values used by acks and the authenticated event.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Presence values carried by UserStatus.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Authenticated answers an authenticate request.
type Authenticated struct {
	Status string       `json:"status"`
	Mobile model.UserID `json:"mobile,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// NewMessage is broadcast to a conversation room after the message is persisted.
type NewMessage struct {
	ChatID    model.ChatKey `json:"chat_id"`
	ID        int64         `json:"id"`
	Sender    model.UserID  `json:"sender"`
	Receiver  model.UserID  `json:"receiver"`
	Text      string        `json:"message"`
	Timestamp int64         `json:"timestamp"`
}

// LastMessage previews the latest message of a chat list entry.
type LastMessage struct {
	Sender    model.UserID `json:"sender"`
	Text      string       `json:"text"`
	Timestamp int64        `json:"timestamp"`
}

// ChatEntry is one row of a chat list.
type ChatEntry struct {
	ChatID        model.ChatKey `json:"chat_id"`
	User1         model.UserID  `json:"user1"`
	User2         model.UserID  `json:"user2"`
	LastMessage   *LastMessage  `json:"last_message"`
	UnreadCount   int64         `json:"unread_count"`
	LastTimestamp int64         `json:"last_timestamp"`
	Online        bool          `json:"online"`
}

// ChatListUpdate carries the full, recency ordered chat list of the receiving user.
type ChatListUpdate struct {
	Chats []ChatEntry `json:"chats"`
}

// MessagesRead tells a participant that the counterpart has read the conversation.
type MessagesRead struct {
	ChatID    model.ChatKey `json:"chat_id"`
	Reader    model.UserID  `json:"reader"`
	Timestamp int64         `json:"timestamp"`
}

// MessagesReadSelf acknowledges a mark-read to the reader.
type MessagesReadSelf struct {
	ChatID      model.ChatKey `json:"chat_id"`
	Timestamp   int64         `json:"timestamp"`
	UnreadCount int64         `json:"unread_count"`
}

// UserStatus announces a presence change of a conversation counterpart.
type UserStatus struct {
	Mobile model.UserID `json:"mobile"`
	Status string       `json:"status"`
}

// UserTyping is relayed to the room, never echoed to the typist.
type UserTyping struct {
	ChatID   model.ChatKey `json:"chat_id"`
	Mobile   model.UserID  `json:"mobile"`
	IsTyping bool          `json:"is_typing"`
}

// Ack answers a client request. Result is request specific and omitted on failure.
type Ack struct {
	Ref    string `json:"ref,omitempty"`
	Op     Name   `json:"op"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	Result any    `json:"result,omitempty"`
}

func (Authenticated) Name() Name    { return NameAuthenticated }
func (NewMessage) Name() Name       { return NameNewMessage }
func (ChatListUpdate) Name() Name   { return NameChatListUpdate }
func (MessagesRead) Name() Name     { return NameMessagesRead }
func (MessagesReadSelf) Name() Name { return NameMessagesReadSelf }
func (UserStatus) Name() Name       { return NameUserStatus }
func (UserTyping) Name() Name       { return NameUserTyping }
func (Ack) Name() Name              { return NameAck }

func (Authenticated) isEvent()    {}
func (NewMessage) isEvent()       {}
func (ChatListUpdate) isEvent()   {}
func (MessagesRead) isEvent()     {}
func (MessagesReadSelf) isEvent() {}
func (UserStatus) isEvent()       {}
func (UserTyping) isEvent()       {}
func (Ack) isEvent()              {}

type outbound struct {
	Event Name  `json:"event"`
	Data  Event `json:"data"`
}

// Encode renders ev as a wire envelope.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	return json.Marshal(outbound{Event: ev.Name(), Data: ev})
}
