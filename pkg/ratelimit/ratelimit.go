package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter meters tokens per provider per minute on top of
// github.com/vnmchuo/ratelimiter, so several manager instances share one
// vendor quota.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(providerID string) string {
	return fmt.Sprintf("ratelimit:provider:%s", providerID)
}

// Allow reserves tokens against the provider's window.
func (l *Limiter) Allow(ctx context.Context, providerID string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(providerID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Window is the provider's position in the current minute.
type Window struct {
	Remaining  int64         `json:"remaining"`
	Limit      int           `json:"limit"`
	ResetAfter time.Duration `json:"reset_after"`
}

// Status reports the provider's window without reserving anything.
func (l *Limiter) Status(ctx context.Context, providerID string) (Window, error) {
	res, err := l.store.Status(ctx, key(providerID))
	if err != nil {
		return Window{}, err
	}
	return Window{Remaining: res.Remaining, Limit: res.Limit, ResetAfter: res.ResetAfter}, nil
}
