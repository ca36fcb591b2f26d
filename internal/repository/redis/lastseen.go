// Package redis contains Redis-backed repository implementations.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/and161185/mobichat/internal/model"
)

// lastSeenTTL bounds how long an idle user's last-seen stamp is kept.
const lastSeenTTL = 30 * 24 * time.Hour

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client is the subset of go-redis commands used here.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
}

// Open connects and pings the server.
func Open(ctx context.Context, c Config) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// LastSeenRepo implements LastSeenRepository.
// Key: im:lastseen:<user>, value: unix seconds.
type LastSeenRepo struct{ rdb Client }

// NewLastSeenRepo wraps a redis client.
func NewLastSeenRepo(rdb Client) *LastSeenRepo { return &LastSeenRepo{rdb: rdb} }

func lastSeenKey(user model.UserID) string { return "im:lastseen:" + string(user) }

// Touch stores at and renews the TTL.
func (r *LastSeenRepo) Touch(ctx context.Context, user model.UserID, at time.Time) error {
	return r.rdb.Set(ctx, lastSeenKey(user), at.Unix(), lastSeenTTL).Err()
}

// Get returns the stored instant or zero time when absent.
func (r *LastSeenRepo) Get(ctx context.Context, user model.UserID) (time.Time, error) {
	val, err := r.rdb.Get(ctx, lastSeenKey(user)).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
