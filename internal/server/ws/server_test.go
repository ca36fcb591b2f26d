package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/event"
	"github.com/and161185/mobichat/internal/gateway"
	"github.com/and161185/mobichat/internal/metrics"
	"github.com/and161185/mobichat/internal/model"
	"github.com/and161185/mobichat/internal/presence"
	"github.com/and161185/mobichat/internal/repository/memory"
	"github.com/and161185/mobichat/internal/service"
)

type tokens map[string]model.UserID

func (t tokens) Verify(_ context.Context, tok string) (model.UserID, error) {
	if u, ok := t[tok]; ok {
		return u, nil
	}
	return "", fmt.Errorf("%w: unknown token", errs.ErrUnauthenticated)
}

type wire struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startServer(t *testing.T, cfg Config) (*httptest.Server, *presence.Registry) {
	t.Helper()
	srv, reg, _ := startServerWithMetrics(t, cfg)
	return srv, reg
}

func startServerWithMetrics(t *testing.T, cfg Config) (*httptest.Server, *presence.Registry, *metrics.Metrics) {
	t.Helper()
	log := zaptest.NewLogger(t)
	met := metrics.New(prometheus.NewRegistry())
	reg := presence.NewRegistry()
	hub := gateway.NewHub(log, met)
	coord := service.NewSessionCoordinator(service.SessionDeps{
		Verifier: tokens{"tok-a": "555-0100", "tok-b": "555-0200"},
		Messages: memory.NewMessageRepo(),
		Registry: reg,
		Rooms:    presence.NewRooms(reg, hub),
		Gateway:  hub,
		Log:      log,
		Metrics:  met,
	})
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.Rate == 0 {
		cfg.Rate, cfg.Burst = 100, 100
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	srv := httptest.NewServer(NewServer(coord, cfg, log))
	t.Cleanup(srv.Close)
	return srv, reg, met
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, name event.Name, ref string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": name, "ref": ref, "data": data}))
}

// next reads frames until one named name arrives.
func next(t *testing.T, conn *websocket.Conn, name string, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var w wire
		require.NoError(t, conn.ReadJSON(&w))
		if w.Event == name {
			if v != nil {
				require.NoError(t, json.Unmarshal(w.Data, v))
			}
			return
		}
	}
}

func login(t *testing.T, srv *httptest.Server, tok string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	send(t, conn, event.NameAuthenticate, "", event.Authenticate{Token: tok})
	var a event.Authenticated
	next(t, conn, string(event.NameAuthenticated), &a)
	require.Equal(t, event.StatusSuccess, a.Status)
	next(t, conn, string(event.NameChatListUpdate), nil)
	return conn
}

type ackFrame struct {
	Ref    string          `json:"ref"`
	Op     string          `json:"op"`
	Status string          `json:"status"`
	Code   string          `json:"code"`
	Result json.RawMessage `json:"result"`
}

func TestWS_SendMessageRoundTrip(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, Config{})
	a := login(t, srv, "tok-a")
	b := login(t, srv, "tok-b")

	send(t, a, event.NameSendMessage, "r1", event.SendMessage{To: "555-0200", Text: "hello"})

	var nm event.NewMessage
	next(t, b, string(event.NameNewMessage), &nm)
	require.Equal(t, "hello", nm.Text)
	require.Equal(t, model.UserID("555-0100"), nm.Sender)

	var ack ackFrame
	next(t, a, string(event.NameAck), &ack)
	require.Equal(t, "r1", ack.Ref)
	require.Equal(t, string(event.NameSendMessage), ack.Op)
	require.Equal(t, event.StatusSuccess, ack.Status)
	var sent event.NewMessage
	require.NoError(t, json.Unmarshal(ack.Result, &sent))
	require.Equal(t, nm.ID, sent.ID)

	send(t, b, event.NameJoinChat, "r2", event.JoinChat{ChatID: nm.ChatID})
	next(t, b, string(event.NameAck), &ack)
	require.Equal(t, "r2", ack.Ref)
	var history []event.NewMessage
	require.NoError(t, json.Unmarshal(ack.Result, &history))
	require.Len(t, history, 1)

	var read event.MessagesRead
	next(t, a, string(event.NameMessagesRead), &read)
	require.Equal(t, model.UserID("555-0200"), read.Reader)
}

func TestWS_AuthFailureAndRetry(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)

	send(t, c, event.NameAuthenticate, "", event.Authenticate{Token: "bogus"})
	var a event.Authenticated
	next(t, c, string(event.NameAuthenticated), &a)
	require.Equal(t, event.StatusFailed, a.Status)

	send(t, c, event.NameLeaveChat, "r1", event.LeaveChat{ChatID: "555-0100:555-0200"})
	var ack ackFrame
	next(t, c, string(event.NameAck), &ack)
	require.Equal(t, event.StatusError, ack.Status)
	require.Equal(t, errs.CodeUnauthenticated, ack.Code)

	send(t, c, event.NameAuthenticate, "", event.Authenticate{Token: "tok-a"})
	next(t, c, string(event.NameAuthenticated), &a)
	require.Equal(t, event.StatusSuccess, a.Status)
	require.Equal(t, model.UserID("555-0100"), a.Mobile)
}

func TestWS_BadFrames(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{nope")))
	var ack ackFrame
	next(t, c, string(event.NameAck), &ack)
	require.Equal(t, errs.CodeInvalidRequest, ack.Code)

	send(t, c, "dance", "r9", map[string]any{})
	next(t, c, string(event.NameAck), &ack)
	require.Equal(t, "r9", ack.Ref)
	require.Equal(t, "dance", ack.Op)
	require.Equal(t, errs.CodeInvalidRequest, ack.Code)
}

func TestWS_RateLimited(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, Config{Rate: 0.001, Burst: 1})
	c := dial(t, srv)

	send(t, c, event.NameLeaveChat, "r1", event.LeaveChat{ChatID: "555-0100:555-0200"})
	send(t, c, event.NameLeaveChat, "r2", event.LeaveChat{ChatID: "555-0100:555-0200"})

	var ack ackFrame
	next(t, c, string(event.NameAck), &ack)
	require.Equal(t, "r1", ack.Ref)
	require.Equal(t, errs.CodeUnauthenticated, ack.Code)
	next(t, c, string(event.NameAck), &ack)
	require.Equal(t, "r2", ack.Ref)
	require.Equal(t, errs.CodeRateLimited, ack.Code)
}

func TestWS_AuthTimeoutClosesConnection(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, Config{AuthTimeout: 100 * time.Millisecond})
	c := dial(t, srv)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestWS_DisconnectAnnouncesOffline(t *testing.T) {
	t.Parallel()
	srv, reg := startServer(t, Config{})
	a := login(t, srv, "tok-a")
	b := login(t, srv, "tok-b")

	send(t, a, event.NameSendMessage, "", event.SendMessage{To: "555-0200", Text: "hi"})
	next(t, b, string(event.NameNewMessage), nil)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = b.Close()

	var st event.UserStatus
	next(t, a, string(event.NameUserStatus), &st)
	require.Equal(t, model.UserID("555-0200"), st.Mobile)
	require.Equal(t, event.PresenceOffline, st.Status)

	require.Eventually(t, func() bool {
		_, ok := reg.LookupConnection("555-0200")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWS_ConnectionGaugeCountsEachSocketOnce(t *testing.T) {
	t.Parallel()
	srv, _, met := startServerWithMetrics(t, Config{})

	c := login(t, srv, "tok-a")
	require.Equal(t, float64(1), testutil.ToFloat64(met.Connections))

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = c.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(met.Connections) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()
	s := NewServer(nil, Config{AllowedOrigins: []string{"https://app.example", "chat.example"}}, nil)
	for origin, want := range map[string]bool{
		"":                     true,
		"https://app.example":  true,
		"https://chat.example": true,
		"https://evil.example": false,
	} {
		r := httptest.NewRequest("GET", "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		require.Equal(t, want, s.checkOrigin(r), origin)
	}
}
