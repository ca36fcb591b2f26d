package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	pool     Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// Querier is the part of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Allow reports whether an attempt is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE subject=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, subject, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success clears the failure history of (subject, ip).
func (l *PG) Success(ctx context.Context, subject string, ipHash []byte) error {
	const q = `
INSERT INTO auth_limiter (subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 0, 'epoch', $3)
ON CONFLICT (subject, ip_hash)
DO UPDATE SET fail_count = 0, blocked_until = 'epoch', updated_at = $3`
	_, err := l.pool.Exec(ctx, q, subject, ipHash, l.now())
	return err
}

// Failure records a failed attempt in one upsert. The count restarts when the
// previous failure is older than the window; reaching maxFails sets the block.
func (l *PG) Failure(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter AS l (subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1,
  CASE WHEN $5::int <= 1 THEN $4::timestamptz + $6::interval ELSE 'epoch'::timestamptz END,
  $4::timestamptz)
ON CONFLICT (subject, ip_hash) DO UPDATE SET
  fail_count = CASE WHEN $4::timestamptz - l.updated_at > $3::interval THEN 1 ELSE l.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN $4::timestamptz - l.updated_at > $3::interval THEN 1 ELSE l.fail_count + 1 END) >= $5::int
    THEN $4::timestamptz + $6::interval
    ELSE l.blocked_until END,
  updated_at = $4::timestamptz
RETURNING fail_count, blocked_until`

	now := l.now()
	var (
		fails int
		until time.Time
	)
	err := l.pool.QueryRow(ctx, q, subject, ipHash, l.window, now, l.maxFails, l.blockFor).Scan(&fails, &until)
	if err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails && until.After(now) {
		return true, until.Sub(now), nil
	}
	return false, 0, nil
}
