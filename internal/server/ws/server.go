// Package ws serves the live websocket transport and dispatches client requests
// to the session coordinator.
package ws

import (
	"context"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/mobichat/internal/convert"
	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/event"
	"github.com/and161185/mobichat/internal/service"
)

// Config tunes accepted connections.
type Config struct {
	AuthTimeout     time.Duration
	Rate            float64
	Burst           int
	MaxMessageBytes int64
	AllowedOrigins  []string // empty allows any origin
}

// Server upgrades HTTP requests and runs one session per connection.
type Server struct {
	sessions service.SessionService
	log      *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewServer constructs Server. log may be nil. Connection gauges are kept by the
// gateway the sessions attach to.
func NewServer(sessions service.SessionService, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{sessions: sessions, log: log, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s.log, s.cfg.MaxMessageBytes)
	sess := s.sessions.Connect(c)
	log := s.log.With(zap.String("conn", string(sess.ID())), zap.String("peer", r.RemoteAddr))
	c.log = log
	log.Debug("connected")

	go c.writePump()

	authTimer := time.AfterFunc(s.cfg.AuthTimeout, func() {
		if st, _ := sess.State(); st == service.StateConnected {
			log.Info("authentication timeout")
			c.kick("authentication timeout")
		}
	})

	// The request context is not cancelled when a hijacked connection closes.
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		sessions: s.sessions,
		sess:     sess,
		client:   c,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.Rate), s.cfg.Burst),
	}
	c.readLoop(func(raw []byte) { d.handle(ctx, raw) })

	authTimer.Stop()
	cancel()
	s.sessions.Disconnect(context.Background(), sess)
	c.close()
	log.Debug("disconnected")
}

type dispatcher struct {
	sessions service.SessionService
	sess     *service.Conn
	client   *client
	log      *zap.Logger
	limiter  *rate.Limiter
}

func (d *dispatcher) handle(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic", zap.Any("reason", r), zap.ByteString("stack", debug.Stack()))
			d.reply(event.Ack{Status: event.StatusError, Code: errs.CodeInternal, Reason: "internal"})
		}
	}()

	f, err := event.Decode(raw)
	if err != nil {
		d.fail(f, err)
		return
	}
	if !d.limiter.Allow() {
		d.fail(f, errs.ErrRateLimited)
		return
	}

	var result any
	switch req := f.Request.(type) {
	case event.Authenticate:
		// The coordinator answers with an authenticated event.
		if _, err := d.sessions.Authenticate(ctx, d.sess, req.Token); err != nil && !isAuthFailure(err) {
			d.fail(f, err)
		}
		return
	case event.JoinChat:
		var history []event.NewMessage
		ms, jerr := d.sessions.JoinChat(ctx, d.sess, req.ChatID)
		if jerr == nil {
			history = convert.ToEventMessages(ms)
		}
		result, err = history, jerr
	case event.LeaveChat:
		err = d.sessions.LeaveChat(ctx, d.sess, req.ChatID)
	case event.SendMessage:
		m, serr := d.sessions.SendMessage(ctx, d.sess, req.To, req.Text)
		if serr == nil {
			result = convert.ToEventMessage(m)
		}
		err = serr
	case event.MarkRead:
		res, merr := d.sessions.MarkRead(ctx, d.sess, req.ChatID)
		if merr == nil {
			result = res
		}
		err = merr
	case event.Typing:
		err = d.sessions.Typing(ctx, d.sess, req.ChatID, req.IsTyping)
	default:
		err = errs.ErrInvalidRequest
	}
	if err != nil {
		d.fail(f, err)
		return
	}
	d.reply(event.Ack{Ref: f.Ref, Op: f.Op, Status: event.StatusSuccess, Result: result})
}

// isAuthFailure reports a rejected credential, already answered by the coordinator.
func isAuthFailure(err error) bool {
	return errs.Kind(err) == errs.CodeUnauthenticated
}

func (d *dispatcher) fail(f event.Frame, err error) {
	code := errs.Kind(err)
	reason := err.Error()
	if code == errs.CodeInternal || code == errs.CodeStoreUnavailable {
		d.log.Warn("request failed", zap.String("event", string(f.Op)), zap.Error(err))
		reason = code
	}
	d.reply(event.Ack{Ref: f.Ref, Op: f.Op, Status: event.StatusError, Code: code, Reason: reason})
}

func (d *dispatcher) reply(ack event.Ack) {
	frame, err := event.Encode(ack)
	if err != nil {
		d.log.Error("encode ack", zap.Error(err))
		return
	}
	if !d.client.Send(frame) {
		d.log.Debug("ack dropped", zap.String("event", string(ack.Op)))
	}
}
