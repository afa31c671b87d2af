// Package queue carries completion reports from whatever receives them
// (worker pollers, upload receivers, external CI deliveries) to the
// intake daemon. Redis is only a wake-up channel: intake is idempotent,
// so duplicated or replayed announcements are harmless.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veldt/buildfarm/pkg/farm"
)

const arrivalsKey = "intake:arrivals"

// Arrivals is the Redis-backed completion report queue.
type Arrivals struct {
	redis *redis.Client
}

func NewArrivals(redisURL string) (*Arrivals, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Arrivals{redis: client}, nil
}

// Announce enqueues a completion report for intake.
func (a *Arrivals) Announce(ctx context.Context, report farm.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return a.redis.RPush(ctx, arrivalsKey, payload).Err()
}

// Next blocks for up to timeout waiting for the next report. Returns
// (nil, nil) when the queue stayed empty.
func (a *Arrivals) Next(ctx context.Context, timeout time.Duration) (*farm.Report, error) {
	result, err := a.redis.BLPop(ctx, timeout, arrivalsKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var report farm.Report
	if err := json.Unmarshal([]byte(result[1]), &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// Len reports the queue depth, for observability.
func (a *Arrivals) Len(ctx context.Context) (int64, error) {
	return a.redis.LLen(ctx, arrivalsKey).Result()
}

func (a *Arrivals) Close() error {
	return a.redis.Close()
}
