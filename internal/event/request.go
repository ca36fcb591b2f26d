package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/model"
)

// Client request names.
const (
	NameAuthenticate Name = "authenticate"
	NameJoinChat     Name = "join_chat"
	NameLeaveChat    Name = "leave_chat"
	NameSendMessage  Name = "send_message"
	NameMarkRead     Name = "mark_read"
	NameTyping       Name = "typing"
)

// Request is implemented by every client request payload.
type Request interface {
	Name() Name
	isRequest()
}

// Authenticate binds an identity to the connection. Token is a bearer credential.
type Authenticate struct {
	Token string `json:"token"`
}

// JoinChat subscribes the connection to a conversation and returns its history.
type JoinChat struct {
	ChatID model.ChatKey `json:"chat_id"`
}

// LeaveChat drops the conversation subscription.
type LeaveChat struct {
	ChatID model.ChatKey `json:"chat_id"`
}

// SendMessage persists and broadcasts a message.
type SendMessage struct {
	To   model.UserID `json:"to"`
	Text string       `json:"text"`
}

// MarkRead advances the read watermark of a conversation.
type MarkRead struct {
	ChatID model.ChatKey `json:"chat_id"`
}

// Typing relays a typing indicator to the conversation room.
type Typing struct {
	ChatID   model.ChatKey `json:"chat_id"`
	IsTyping bool          `json:"is_typing"`
}

func (Authenticate) Name() Name { return NameAuthenticate }
func (JoinChat) Name() Name     { return NameJoinChat }
func (LeaveChat) Name() Name    { return NameLeaveChat }
func (SendMessage) Name() Name  { return NameSendMessage }
func (MarkRead) Name() Name     { return NameMarkRead }
func (Typing) Name() Name       { return NameTyping }

func (Authenticate) isRequest() {}
func (JoinChat) isRequest()     {}
func (LeaveChat) isRequest()    {}
func (SendMessage) isRequest()  {}
func (MarkRead) isRequest()     {}
func (Typing) isRequest()       {}

// Frame is a decoded inbound envelope.
type Frame struct {
	Ref     string
	Op      Name
	Request Request
}

type inbound struct {
	Event Name            `json:"event"`
	Ref   string          `json:"ref"`
	Data  json.RawMessage `json:"data"`
}

// Decode parses one inbound frame. The returned frame carries Op and Ref even when
// the payload is invalid, so the caller can still address an ack.
func Decode(raw []byte) (Frame, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Frame{}, fmt.Errorf("%w: malformed frame", errs.ErrInvalidRequest)
	}
	f := Frame{Ref: in.Ref, Op: in.Event}

	var req Request
	var err error
	switch in.Event {
	case NameAuthenticate:
		req, err = decodeInto[Authenticate](in.Data)
	case NameJoinChat:
		req, err = decodeInto[JoinChat](in.Data)
	case NameLeaveChat:
		req, err = decodeInto[LeaveChat](in.Data)
	case NameSendMessage:
		req, err = decodeInto[SendMessage](in.Data)
	case NameMarkRead:
		req, err = decodeInto[MarkRead](in.Data)
	case NameTyping:
		req, err = decodeInto[Typing](in.Data)
	case "":
		return f, fmt.Errorf("%w: missing event", errs.ErrInvalidRequest)
	default:
		return f, fmt.Errorf("%w: unknown event %q", errs.ErrInvalidRequest, in.Event)
	}
	if err != nil {
		return f, err
	}
	f.Request = req
	return f, nil
}

func decodeInto[T Request](data json.RawMessage) (Request, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: missing data", errs.ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		var se *json.SyntaxError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("%w: malformed data", errs.ErrInvalidRequest)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidRequest, err)
	}
	return v, nil
}
