package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// UpsertCode inserts the user on first login or replaces the pending code.
func (r *UserRepo) UpsertCode(ctx context.Context, mobile model.UserID, hash, salt []byte, expiresAt time.Time) error {
	const q = `
INSERT INTO users (mobile, code_hash, code_salt, code_expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (mobile) DO UPDATE
SET code_hash = EXCLUDED.code_hash, code_salt = EXCLUDED.code_salt, code_expires_at = EXCLUDED.code_expires_at`
	_, err := r.db.Pool.Exec(ctx, q, string(mobile), hash, salt, expiresAt)
	return err
}

// Verify marks the user verified and burns the pending code.
func (r *UserRepo) Verify(ctx context.Context, mobile model.UserID) error {
	const q = `
UPDATE users
SET is_verified = true, code_hash = '', code_salt = '', code_expires_at = 'epoch'
WHERE mobile = $1`
	tag, err := r.db.Pool.Exec(ctx, q, string(mobile))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Get selects a user by mobile.
func (r *UserRepo) Get(ctx context.Context, mobile model.UserID) (*model.User, error) {
	const q = `
SELECT mobile, code_hash, code_salt, code_expires_at, is_verified, created_at
FROM users WHERE mobile=$1`
	var (
		u  model.User
		id string
	)
	err := r.db.Pool.QueryRow(ctx, q, string(mobile)).
		Scan(&id, &u.CodeHash, &u.CodeSalt, &u.CodeExpiresAt, &u.Verified, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.Mobile = model.UserID(id)
	return &u, nil
}

// Search finds verified users whose mobile contains query.
func (r *UserRepo) Search(ctx context.Context, query string, self model.UserID, limit int) ([]model.UserID, error) {
	const q = `
SELECT mobile FROM users
WHERE is_verified AND mobile <> $1 AND strpos(mobile, $2) > 0
ORDER BY mobile
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, string(self), query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UserID
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, model.UserID(m))
	}
	return out, rows.Err()
}
