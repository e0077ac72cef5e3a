// Package ratelimit throttles registration per client IP with fixed hourly
// windows in redis. It is not used for capture quota, which lives in the
// relational ledger.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

func NewRateLimiter(redisURL string, limitPerHour int) (*RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewWithClient(redis.NewClient(opt), limitPerHour), nil
}

func NewWithClient(client *redis.Client, limitPerHour int) *RateLimiter {
	return &RateLimiter{client: client, limit: limitPerHour, now: time.Now}
}

// Allow counts one signup attempt from ip in the current hour. A nil limiter
// or a non-positive limit allows everything.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	if rl == nil || rl.limit <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("ratelimit:signup:%s:%s", ip, rl.now().UTC().Format("2006-01-02-15"))

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		rl.client.Expire(ctx, key, time.Hour)
	}

	return count <= int64(rl.limit), nil
}

func (rl *RateLimiter) Ping(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	return rl.client.Ping(ctx).Err()
}

func (rl *RateLimiter) Close() error {
	if rl == nil {
		return nil
	}
	return rl.client.Close()
}
