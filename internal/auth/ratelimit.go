package auth

import (
	"context"
	"sync"
	"time"
)

// Limiter grants at most one action per key per window. It is keyed by identity so a
// limit survives across sessions and devices.
type Limiter interface {
	// Allow reports whether the action may proceed and, if so, starts a new window.
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
	// Reset drops the window for key.
	Reset(ctx context.Context, key string) error
}

// MemoryLimiter implements Limiter in process memory.
type MemoryLimiter struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemoryLimiter builds a limiter using now as its clock; nil means time.Now.
func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{until: make(map[string]time.Time), now: now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.until[key]; ok && now.Before(until) {
		return false, nil
	}
	l.until[key] = now.Add(window)
	return true, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.until, key)
	l.mu.Unlock()
	return nil
}

func enrollmentLimitKey(identityID string) string {
	return "totp:enroll:" + identityID
}
