package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/and161185/mobichat/internal/errs"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Fail aborts the request with an ErrorResponse.
func Fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get(requestIDHeader),
		Code:      code,
		Message:   msg,
	})
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case errs.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errs.CodeUnauthorized:
		return http.StatusForbidden
	case errs.CodeInvalidRequest:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// failErr maps a service error. Internal details are attached to the context
// for the access log and never returned to the client.
func failErr(c *gin.Context, err error) {
	code := errs.Kind(err)
	status := statusFor(code)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		msg = http.StatusText(status)
	}
	Fail(c, status, code, msg)
}
