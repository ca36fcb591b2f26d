package httpserver

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/metrics"
	"github.com/and161185/mobichat/internal/service"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
)

// RequestID propagates X-Request-ID or generates a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.Must(uuid.NewV4()).String()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logging writes one structured access log line per request.
func Logging(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", c.ClientIP()),
		}
		if u, ok := UserIDFromCtx(c.Request.Context()); ok {
			fields = append(fields, zap.String("user", string(u)))
		}

		// metadata only, never bodies
		switch {
		case len(c.Errors) > 0 || status >= http.StatusInternalServerError:
			log.Error("http", append(fields, zap.String("errors", c.Errors.String()))...)
		case status >= http.StatusBadRequest:
			log.Warn("http", fields...)
		default:
			log.Info("http", fields...)
		}
	}
}

// Recover converts panics into a JSON 500.
func Recover(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", c.Request.URL.Path),
				)
				if !c.Writer.Written() {
					Fail(c, http.StatusInternalServerError, errs.CodeInternal, "internal server error")
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// Metrics instruments requests. met may be nil.
func Metrics(met *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Upgraded sockets live for the whole session and are counted by the gateway.
		if met == nil || websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		start := time.Now()
		met.HTTPInflight.Inc()
		defer met.HTTPInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		met.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		met.HTTPLatency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Auth requires a valid bearer token and stores the verified user in the request context.
func Auth(v service.IdentityVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			Fail(c, http.StatusUnauthorized, errs.CodeUnauthenticated, "missing bearer token")
			return
		}
		user, err := v.Verify(c.Request.Context(), tok)
		if err != nil {
			Fail(c, http.StatusUnauthorized, errs.CodeUnauthenticated, "invalid token")
			return
		}
		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), user))
		c.Next()
	}
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
