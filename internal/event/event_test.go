package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/mobichat/internal/errs"
)

func TestEncode_Envelope(t *testing.T) {
	t.Parallel()

	b, err := Encode(NewMessage{ChatID: "555-0100:555-0200", ID: 7, Sender: "555-0100", Receiver: "555-0200", Text: "hello", Timestamp: 1000})
	require.NoError(t, err)

	var got struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, "new_message", got.Event)
	require.Equal(t, "hello", got.Data["message"])
	require.EqualValues(t, 1000, got.Data["timestamp"])

	_, err = Encode(nil)
	require.Error(t, err)
}

func TestEncode_TypingKeepsFalse(t *testing.T) {
	t.Parallel()

	b, err := Encode(UserTyping{ChatID: "a:b", Mobile: "a", IsTyping: false})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"user_typing","data":{"chat_id":"a:b","mobile":"a","is_typing":false}}`, string(b))
}

func TestDecode_AllRequests(t *testing.T) {
	t.Parallel()

	cases := map[string]Request{
		`{"event":"authenticate","ref":"1","data":{"token":"t"}}`:                Authenticate{Token: "t"},
		`{"event":"join_chat","ref":"2","data":{"chat_id":"a:b"}}`:               JoinChat{ChatID: "a:b"},
		`{"event":"leave_chat","ref":"3","data":{"chat_id":"a:b"}}`:              LeaveChat{ChatID: "a:b"},
		`{"event":"send_message","ref":"4","data":{"to":"b","text":"hi"}}`:       SendMessage{To: "b", Text: "hi"},
		`{"event":"mark_read","ref":"5","data":{"chat_id":"a:b"}}`:               MarkRead{ChatID: "a:b"},
		`{"event":"typing","ref":"6","data":{"chat_id":"a:b","is_typing":true}}`: Typing{ChatID: "a:b", IsTyping: true},
	}
	for raw, want := range cases {
		f, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
		require.Equal(t, want, f.Request)
		require.Equal(t, want.Name(), f.Op)
		require.NotEmpty(t, f.Ref)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`not json`,
		`{"data":{}}`,
		`{"event":"dance","data":{}}`,
		`{"event":"send_message"}`,
		`{"event":"send_message","data":{"to":5}}`,
	} {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, errs.ErrInvalidRequest, raw)
	}

	f, err := Decode([]byte(`{"event":"mark_read","ref":"r9"}`))
	require.Error(t, err)
	require.Equal(t, "r9", f.Ref)
	require.Equal(t, NameMarkRead, f.Op)
}
