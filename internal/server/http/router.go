// Package httpserver exposes the request/response API and mounts the live
// websocket endpoint on the same gin engine.
package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/metrics"
	"github.com/and161185/mobichat/internal/service"
)

const (
	APIBasePath  = "/api/v1"
	maxBodyBytes = 1 << 20
)

// Options wires the router. Metrics, Gatherer and WS are optional.
type Options struct {
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Verifier    service.IdentityVerifier
	Handlers    *Handlers
	WS          http.Handler
	CORSOrigins []string
}

// NewRouter builds the gin engine.
//
// Middleware order: request id, logging, recovery, body limit, metrics, CORS.
func NewRouter(o Options) *gin.Engine {
	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(RequestID(), Logging(log), Recover(log), limitBody(maxBodyBytes), Metrics(o.Metrics))
	r.Use(cors.New(corsConfig(o.CORSOrigins)))

	r.NoRoute(func(c *gin.Context) {
		Fail(c, http.StatusNotFound, errs.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		Fail(c, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if o.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{})))
	}
	if o.WS != nil {
		r.GET("/ws", gin.WrapH(o.WS))
	}

	h := o.Handlers
	api := r.Group(APIBasePath)
	{
		api.POST("/auth/code", h.RequestCode)
		api.POST("/auth/verify", h.VerifyCode)
	}

	authed := api.Group("", Auth(o.Verifier))
	{
		authed.GET("/me", h.Me)
		authed.GET("/users/search", h.SearchUsers)
		authed.GET("/users/:mobile/status", h.UserStatus)

		authed.GET("/chats", h.ListChats)
		authed.GET("/chats/:partner/messages", h.History)
		authed.POST("/chats/:partner/read", h.MarkRead)
		authed.POST("/chats/:partner/typing", h.Typing)

		authed.POST("/messages", h.SendMessage)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader, "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
