// Package cache holds the Redis-backed adapters of the identity service.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"helpdesk.org/internal/auth"
)

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	redisURL = strings.TrimSpace(redisURL)
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Limiter implements auth.Limiter on Redis so a window is shared by every replica.
type Limiter struct {
	client *redis.Client
	prefix string
}

var _ auth.Limiter = (*Limiter)(nil)

// NewLimiter builds a limiter whose keys live under prefix.
func NewLimiter(client *redis.Client, prefix string) *Limiter {
	if prefix == "" {
		prefix = "helpdesk:limit:"
	}
	return &Limiter{client: client, prefix: prefix}
}

// Allow claims the window with SET NX PX; a second claim inside the window loses.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("limiter allow: %w", err)
	}
	return ok, nil
}

// Reset drops the window for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
