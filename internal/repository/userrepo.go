// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/mobichat/internal/model"
)

// UserRepository provides access to accounts and their pending one-time codes.
type UserRepository interface {
	// UpsertCode creates the user if missing and stores a fresh hashed code.
	UpsertCode(ctx context.Context, mobile model.UserID, hash, salt []byte, expiresAt time.Time) error
	// Verify marks the user verified and clears the pending code.
	Verify(ctx context.Context, mobile model.UserID) error
	// Get loads a user by mobile.
	Get(ctx context.Context, mobile model.UserID) (*model.User, error)
	// Search returns verified users whose mobile contains query, excluding self.
	Search(ctx context.Context, query string, self model.UserID, limit int) ([]model.UserID, error)
}

// LastSeenRepository remembers when a user last went offline.
type LastSeenRepository interface {
	// Touch records at as the user's last-seen instant.
	Touch(ctx context.Context, user model.UserID, at time.Time) error
	// Get returns the last-seen instant; zero time when unknown.
	Get(ctx context.Context, user model.UserID) (time.Time, error)
}
