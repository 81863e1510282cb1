package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is the subset of *redis.Client the limiter needs.
type Store interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// Limiter is a fixed-window counter per (scope, key) held in Redis, so limits survive restarts
// and hold across instances.
type Limiter struct {
	Store  Store
	Prefix string
	Logger *log.Logger
}

type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

func New(client *redis.Client, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Limiter{Store: client, Prefix: "dires:rl", Logger: logger}
}

func (l *Limiter) key(scope, id string) string {
	p := l.Prefix
	if p == "" {
		p = "rl"
	}
	return fmt.Sprintf("%s:%s:%s", p, scope, id)
}

// Allow counts one hit for (scope, id) and reports whether it is within limit for the window.
// A nil limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, scope, id string, limit int, window time.Duration) (Decision, error) {
	if l == nil || l.Store == nil || limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	k := l.key(scope, id)
	n, err := l.Store.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit incr: %w", err)
	}
	if n == 1 {
		if err := l.Store.Expire(ctx, k, window).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if n <= int64(limit) {
		return Decision{Allowed: true, Count: n}, nil
	}

	ttl, err := l.Store.TTL(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit ttl: %w", err)
	}
	if ttl < 0 {
		// Key lost its expiry (crash between INCR and EXPIRE); re-arm it.
		_ = l.Store.Expire(ctx, k, window).Err()
		ttl = window
	}
	if l.Logger != nil {
		l.Logger.Printf("[RateLimit][Allow] denied scope=%s id=%s count=%d retryAfter=%s", scope, id, n, ttl)
	}
	return Decision{Allowed: false, Count: n, RetryAfter: ttl}, nil
}
