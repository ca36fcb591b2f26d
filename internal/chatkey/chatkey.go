// Package chatkey derives canonical conversation keys from user pairs.
package chatkey

import (
	"strings"

	"github.com/and161185/mobichat/internal/model"
)

// Separator joins the two identities of a key. Identities must not contain it.
const Separator = ":"

// Valid reports whether id can take part in a conversation key.
func Valid(id model.UserID) bool {
	return id != "" && !strings.Contains(string(id), Separator)
}

// For returns the key of the conversation between a and b. For(a, b) == For(b, a).
func For(a, b model.UserID) model.ChatKey {
	if b < a {
		a, b = b, a
	}
	return model.ChatKey(string(a) + Separator + string(b))
}

// Split returns both halves of key in canonical order.
func Split(key model.ChatKey) (model.UserID, model.UserID, bool) {
	a, b, ok := strings.Cut(string(key), Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) {
		return "", "", false
	}
	if b < a {
		return "", "", false
	}
	return model.UserID(a), model.UserID(b), true
}

// Counterpart returns the other participant of key when user is one of its halves.
func Counterpart(key model.ChatKey, user model.UserID) (model.UserID, bool) {
	a, b, ok := Split(key)
	if !ok {
		return "", false
	}
	switch user {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}
