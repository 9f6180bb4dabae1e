// Package ratelimit guards the payment endpoints with per-client quotas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type Limiter interface {
	// Allow reports whether the client identified by key may proceed.
	Allow(ctx context.Context, key string) (bool, error)
}

// Nop allows everything; used when no Redis is configured.
type Nop struct{}

func (Nop) Allow(context.Context, string) (bool, error) { return true, nil }

// FixedWindow is a Redis fixed-window counter shared across API replicas.
type FixedWindow struct {
	RDB    *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
}

func NewFixedWindow(rdb *redis.Client, prefix string, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{RDB: rdb, Prefix: prefix, Limit: limit, Window: window}
}

func (l *FixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	rk := WindowKey(l.Prefix, key, time.Now(), l.Window)
	n, err := l.RDB.Incr(ctx, rk).Result()
	if err != nil {
		// Fail open: losing the limiter must not take down verification.
		log.WithError(err).Warn("rate limiter unavailable, allowing request")
		return true, nil
	}
	if n == 1 {
		l.RDB.Expire(ctx, rk, l.Window)
	}
	return n <= int64(l.Limit), nil
}

// WindowKey buckets a client key into the current fixed window.
func WindowKey(prefix, key string, now time.Time, window time.Duration) string {
	bucket := now.UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("%s:%s:%d", prefix, key, bucket)
}
