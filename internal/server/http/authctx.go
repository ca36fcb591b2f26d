package httpserver

import (
	"context"
	"strings"

	"github.com/and161185/mobichat/internal/model"
)

type ctxKey string

const userIDKey ctxKey = "mobichat.userID"

// WithUserID stores authenticated user ID in context.
func WithUserID(ctx context.Context, id model.UserID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromCtx fetches user ID from context.
func UserIDFromCtx(ctx context.Context) (model.UserID, bool) {
	id, ok := ctx.Value(userIDKey).(model.UserID)
	return id, ok && id != ""
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	v := strings.TrimSpace(header)
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(v[7:])
	return t, t != ""
}
