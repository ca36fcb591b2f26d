// Package model defines domain entities used by services, repositories and transports.
package model

import "time"

// UserID is a verified mobile number; it is the stable user identity.
type UserID string

// ChatKey is the canonical order-independent key of a one-to-one conversation.
type ChatKey string

// ConnID identifies one live transport connection.
type ConnID string

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// User is an account keyed by mobile number. The one-time code is stored hashed only.
type User struct {
	Mobile        UserID
	CodeHash      []byte    // Argon2id(code, CodeSalt)
	CodeSalt      []byte    // per-issue salt
	CodeExpiresAt time.Time // zero when no code is pending
	Verified      bool
	CreatedAt     time.Time
}

// Message is an immutable persisted chat message.
type Message struct {
	ID        int64 // store-assigned sequence
	ChatID    ChatKey
	Sender    UserID
	Receiver  UserID
	Text      string
	Timestamp int64 // unix seconds, assigned by the server at persistence time
}

// LastMessage is the preview of the most recent message of a conversation.
type LastMessage struct {
	Sender    UserID
	Text      string
	Timestamp int64
}

// ChatSummary is one row of a user's conversation list.
type ChatSummary struct {
	ChatID        ChatKey
	User          UserID // the owner of the list
	Partner       UserID
	LastMessage   *LastMessage
	LastTimestamp int64
	LastID        int64 // tie breaker for equal timestamps
	UnreadCount   int64
}

// UserStatus describes presence of a user as seen by other users.
type UserStatus struct {
	Mobile   UserID
	Online   bool
	LastSeen time.Time // zero when unknown
}
