package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	counts  map[string]int64
	ttls    map[string]time.Duration
	incrErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.incrErr != nil {
		return redis.NewIntResult(0, f.incrErr)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeStore) Expire(ctx context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) TTL(ctx context.Context, key string) *redis.DurationCmd {
	if d, ok := f.ttls[key]; ok {
		return redis.NewDurationResult(d, nil)
	}
	return redis.NewDurationResult(-1, nil)
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	st := newFakeStore()
	l := &Limiter{Store: st, Prefix: "t"}
	ctx := context.Background()

	d, err := l.Allow(ctx, "invite_resend", "inv1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, time.Minute, st.ttls["t:invite_resend:inv1"])

	d, err = l.Allow(ctx, "invite_resend", "inv1", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	d, err = l.Allow(ctx, "invite_resend", "inv2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "keys are scoped per id")
}

func TestAllow_RearmsMissingExpiry(t *testing.T) {
	st := newFakeStore()
	st.counts["rl:generate:u1"] = 5
	l := &Limiter{Store: st}

	d, err := l.Allow(context.Background(), "generate", "u1", 3, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
	assert.Equal(t, 30*time.Second, st.ttls["rl:generate:u1"])
}

func TestAllow_NilLimiterAndStoreErrors(t *testing.T) {
	var l *Limiter
	d, err := l.Allow(context.Background(), "x", "y", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	st := newFakeStore()
	st.incrErr = errors.New("redis down")
	_, err = (&Limiter{Store: st}).Allow(context.Background(), "x", "y", 1, time.Second)
	assert.Error(t, err)
}
