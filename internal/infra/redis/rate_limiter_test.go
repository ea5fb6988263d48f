package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterClient is an in-memory RedisClient with INCR and EXPIRE.
type counterClient struct {
	counts  map[string]int64
	expires map[string]time.Duration
	incrErr error
}

func newCounterClient() *counterClient {
	return &counterClient{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (c *counterClient) Ping(context.Context) error { return nil }
func (c *counterClient) Set(context.Context, string, interface{}, time.Duration) error {
	return nil
}
func (c *counterClient) Get(context.Context, string) (string, error) { return "", nil }
func (c *counterClient) Incr(_ context.Context, key string) (int64, error) {
	if c.incrErr != nil {
		return 0, c.incrErr
	}
	c.counts[key]++
	return c.counts[key], nil
}
func (c *counterClient) Expire(_ context.Context, key string, d time.Duration) error {
	c.expires[key] = d
	return nil
}
func (c *counterClient) Del(context.Context, ...string) error { return nil }
func (c *counterClient) Close() error                        { return nil }

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	cli := newCounterClient()
	rl := NewRateLimiter(cli)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
	}
	ok, err := rl.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, cli.expires["k"])
}

func TestRateLimiter_PropagatesErrors(t *testing.T) {
	cli := newCounterClient()
	cli.incrErr = errors.New("connection refused")
	ok, err := NewRateLimiter(cli).Allow(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	now := time.Unix(600, 0)
	assert.Equal(t, "rate_limit:submit:alice:10", SubmitKey("alice", now))
	assert.Equal(t, "pipeline:lock:s1", RunLockKey("s1"))
}
