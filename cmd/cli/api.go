package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
)

const apiBase = "/api/v1"

// apiError is the server error envelope.
type apiError struct {
	Status    int    `json:"-"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *apiError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%d %s: %s (request %s)", e.Status, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// apiClient calls the request/response API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out. out may be nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+apiBase+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id, err := uuid.NewV4(); err == nil {
		req.Header.Set("X-Request-ID", id.String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		ae := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(ae); err != nil || ae.Code == "" {
			ae.Code = "http_error"
			ae.Message = http.StatusText(resp.StatusCode)
		}
		return ae
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- wire types ----

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	Mobile      string `json:"mobile"`
}

type message struct {
	ChatID    string `json:"chat_id"`
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Text      string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type chatEntry struct {
	ChatID      string `json:"chat_id"`
	User1       string `json:"user1"`
	User2       string `json:"user2"`
	LastMessage *struct {
		Sender    string `json:"sender"`
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp"`
	} `json:"last_message"`
	UnreadCount   int64 `json:"unread_count"`
	LastTimestamp int64 `json:"last_timestamp"`
	Online        bool  `json:"online"`
}

func (e chatEntry) partner(self string) string {
	if e.User1 == self {
		return e.User2
	}
	return e.User1
}

// ---- endpoints ----

func (c *apiClient) requestCode(ctx context.Context, mobile string) (time.Time, error) {
	var out struct {
		ExpiresAt int64 `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/code", map[string]string{"mobile": mobile}, &out); err != nil {
		return time.Time{}, err
	}
	return time.Unix(out.ExpiresAt, 0), nil
}

func (c *apiClient) verify(ctx context.Context, mobile, code string) (tokenResponse, error) {
	var out tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/verify", map[string]string{"mobile": mobile, "code": code}, &out)
	return out, err
}

func (c *apiClient) chats(ctx context.Context) ([]chatEntry, error) {
	var out struct {
		Chats []chatEntry `json:"chats"`
	}
	err := c.do(ctx, http.MethodGet, "/chats", nil, &out)
	return out.Chats, err
}

func (c *apiClient) history(ctx context.Context, with string, after int64) ([]message, error) {
	path := "/chats/" + url.PathEscape(with) + "/messages"
	if after > 0 {
		path += fmt.Sprintf("?after=%d", after)
	}
	var out struct {
		Messages []message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

func (c *apiClient) send(ctx context.Context, to, text string) (message, error) {
	var out message
	err := c.do(ctx, http.MethodPost, "/messages", map[string]string{"to": to, "text": text}, &out)
	return out, err
}

func (c *apiClient) markRead(ctx context.Context, with string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(with)+"/read", nil, &out)
	return out, err
}

func (c *apiClient) search(ctx context.Context, q string) (any, error) {
	var out any
	err := c.do(ctx, http.MethodGet, "/users/search?q="+url.QueryEscape(q), nil, &out)
	return out, err
}

func (c *apiClient) status(ctx context.Context, mobile string) (any, error) {
	var out any
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(mobile)+"/status", nil, &out)
	return out, err
}

func (c *apiClient) me(ctx context.Context) (any, error) {
	var out any
	err := c.do(ctx, http.MethodGet, "/me", nil, &out)
	return out, err
}

// ---- live connection ----

// wsURL maps the API base URL to the websocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

type frame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// listen authenticates a live connection and hands every inbound frame to
// onFrame until ctx is done or the server closes the socket.
func listen(ctx context.Context, base, token string, join []string, onFrame func(frame)) error {
	target, err := wsURL(base)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(map[string]any{"event": "authenticate", "data": map[string]string{"token": token}}); err != nil {
		return err
	}
	for i, chat := range join {
		req := map[string]any{"event": "join_chat", "ref": fmt.Sprintf("join-%d", i+1), "data": map[string]string{"chat_id": chat}}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		onFrame(f)
	}
}
