package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	data map[string]string
	ttl  map[string]time.Duration
	err  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeClient) Set(_ context.Context, key string, value any, exp time.Duration) *goredis.StatusCmd {
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case int64:
		f.data[key] = strconv.FormatInt(v, 10)
	case string:
		f.data[key] = v
	}
	f.ttl[key] = exp
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func TestLastSeen_TouchAndGet(t *testing.T) {
	t.Parallel()

	c := newFakeClient()
	r := NewLastSeenRepo(c)
	ctx := context.Background()

	got, err := r.Get(ctx, "555-0100")
	require.NoError(t, err)
	require.True(t, got.IsZero())

	at := time.Unix(1_700_000_000, 0)
	require.NoError(t, r.Touch(ctx, "555-0100", at))
	require.Equal(t, "1700000000", c.data["im:lastseen:555-0100"])
	require.Equal(t, lastSeenTTL, c.ttl["im:lastseen:555-0100"])

	got, err = r.Get(ctx, "555-0100")
	require.NoError(t, err)
	require.True(t, got.Equal(at))
}

func TestLastSeen_Errors(t *testing.T) {
	t.Parallel()

	c := newFakeClient()
	r := NewLastSeenRepo(c)
	ctx := context.Background()

	c.data["im:lastseen:x"] = "garbage"
	_, err := r.Get(ctx, "x")
	require.Error(t, err)

	c.err = errors.New("conn refused")
	require.Error(t, r.Touch(ctx, "x", time.Now()))
	_, err = r.Get(ctx, "x")
	require.Error(t, err)
}
