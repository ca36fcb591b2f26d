package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/and161185/mobichat/internal/chatkey"
	"github.com/and161185/mobichat/internal/convert"
	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/event"
	"github.com/and161185/mobichat/internal/model"
	"github.com/and161185/mobichat/internal/service"
)

// Handlers binds the request/response API to application services.
type Handlers struct {
	auth service.AuthService
	chat service.ChatService
	msg  service.MessagingService
}

// NewHandlers constructs Handlers.
func NewHandlers(auth service.AuthService, chat service.ChatService, msg service.MessagingService) *Handlers {
	return &Handlers{auth: auth, chat: chat, msg: msg}
}

type codeRequest struct {
	Mobile string `json:"mobile" binding:"required"`
}

type codeResponse struct {
	Mobile    string `json:"mobile"`
	ExpiresAt int64  `json:"expires_at"`
}

type verifyRequest struct {
	Mobile string `json:"mobile" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   int64        `json:"expires_at"`
	Mobile      model.UserID `json:"mobile"`
}

type userResponse struct {
	Mobile    model.UserID `json:"mobile"`
	Verified  bool         `json:"verified"`
	CreatedAt int64        `json:"created_at"`
}

type statusResponse struct {
	Mobile   model.UserID `json:"mobile"`
	Online   bool         `json:"online"`
	LastSeen int64        `json:"last_seen,omitempty"`
}

type searchResponse struct {
	Users []service.UserHit `json:"users"`
}

type historyResponse struct {
	ChatID   model.ChatKey      `json:"chat_id"`
	Messages []event.NewMessage `json:"messages"`
}

type sendRequest struct {
	To   string `json:"to" binding:"required"`
	Text string `json:"text" binding:"required"`
}

type typingRequest struct {
	IsTyping *bool `json:"is_typing" binding:"required"`
}

// RequestCode handles POST /auth/code.
func (h *Handlers) RequestCode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, errs.CodeInvalidRequest, "mobile is required")
		return
	}
	exp, err := h.auth.RequestCode(c.Request.Context(), req.Mobile)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, codeResponse{Mobile: strings.TrimSpace(req.Mobile), ExpiresAt: exp.Unix()})
}

// VerifyCode handles POST /auth/verify.
func (h *Handlers) VerifyCode(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, errs.CodeInvalidRequest, "mobile and code are required")
		return
	}
	tok, u, err := h.auth.VerifyCode(c.Request.Context(), req.Mobile, req.Code, c.ClientIP())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt.Unix(), Mobile: u.Mobile})
}

// Me handles GET /me.
func (h *Handlers) Me(c *gin.Context) {
	user := mustUser(c)
	u, err := h.chat.Me(c.Request.Context(), user)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse{Mobile: u.Mobile, Verified: u.Verified, CreatedAt: unixOrZero(u.CreatedAt)})
}

// SearchUsers handles GET /users/search?q=.
func (h *Handlers) SearchUsers(c *gin.Context) {
	hits, err := h.chat.Search(c.Request.Context(), mustUser(c), c.Query("q"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, searchResponse{Users: hits})
}

// UserStatus handles GET /users/:mobile/status.
func (h *Handlers) UserStatus(c *gin.Context) {
	st, err := h.chat.Status(c.Request.Context(), model.UserID(c.Param("mobile")))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Mobile: st.Mobile, Online: st.Online, LastSeen: unixOrZero(st.LastSeen)})
}

// ListChats handles GET /chats.
func (h *Handlers) ListChats(c *gin.Context) {
	c.JSON(http.StatusOK, h.chat.Conversations(c.Request.Context(), mustUser(c)))
}

// History handles GET /chats/:partner/messages?after=.
func (h *Handlers) History(c *gin.Context) {
	user := mustUser(c)
	partner := model.UserID(c.Param("partner"))

	var after int64
	if s := c.Query("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			Fail(c, http.StatusBadRequest, errs.CodeInvalidRequest, "after must be a unix timestamp")
			return
		}
		after = v
	}
	ms, err := h.chat.History(c.Request.Context(), user, partner, after)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{ChatID: chatkey.For(user, partner), Messages: convert.ToEventMessages(ms)})
}

// SendMessage handles POST /messages.
func (h *Handlers) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, errs.CodeInvalidRequest, "to and text are required")
		return
	}
	m, err := h.msg.SendMessageAs(c.Request.Context(), mustUser(c), model.UserID(req.To), req.Text)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, convert.ToEventMessage(m))
}

// MarkRead handles POST /chats/:partner/read.
func (h *Handlers) MarkRead(c *gin.Context) {
	key, err := partnerKey(c)
	if err != nil {
		failErr(c, err)
		return
	}
	res, err := h.msg.MarkReadAs(c.Request.Context(), mustUser(c), key)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Typing handles POST /chats/:partner/typing.
func (h *Handlers) Typing(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, errs.CodeInvalidRequest, "is_typing is required")
		return
	}
	key, err := partnerKey(c)
	if err != nil {
		failErr(c, err)
		return
	}
	if err := h.msg.TypingAs(c.Request.Context(), mustUser(c), key, *req.IsTyping); err != nil {
		failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// partnerKey builds the conversation key between the caller and :partner.
func partnerKey(c *gin.Context) (model.ChatKey, error) {
	user := mustUser(c)
	partner := model.UserID(c.Param("partner"))
	if !chatkey.Valid(partner) || partner == user {
		return "", fmt.Errorf("%w: bad partner", errs.ErrInvalidRequest)
	}
	return chatkey.For(user, partner), nil
}

// mustUser returns the user set by Auth. Routes using it are always behind Auth.
func mustUser(c *gin.Context) model.UserID {
	u, _ := UserIDFromCtx(c.Request.Context())
	return u
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
