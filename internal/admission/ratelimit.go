package admission

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Decision reports the outcome of a rate limit check along with the
// header values clients use to pace themselves.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter checks request admission for an identity key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// SlidingWindowLimiter counts requests in a rolling window backed by a
// redis sorted set per identity. The member recording each request is
// inserted before trimming, so two concurrent requests both see each
// other and the limit cannot be exceeded by a race.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	window time.Duration
}

func NewSlidingWindowLimiter(rdb *redis.Client, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{rdb: rdb, window: window}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	var card *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisKey, &redis.Z{
			Score:  float64(now.UnixNano()),
			Member: uuid.NewString(),
		})
		pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
		card = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		// A limiter outage must not take the service down with it.
		log.Printf("rate limiter unavailable, admitting %s: %v", key, err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(l.window)}, nil
	}

	count := int(card.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(l.window),
	}, nil
}
