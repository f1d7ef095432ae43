// Package analytics keeps per-tenant execution outcome counters in Redis.
// Counters are bucketed by time window and expire on their own, so there is
// no cleanup job.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisRecorder struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
	clock     func() time.Time
}

func NewRedisRecorder(client *redis.Client, window, retention time.Duration) *RedisRecorder {
	if window <= 0 {
		window = time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisRecorder{
		client:    client,
		window:    window,
		retention: retention,
		clock:     time.Now,
	}
}

// RecordOutcome increments the tenant's outcome counter for the current
// bucket. Failures are logged and swallowed: analytics never disturbs event
// distribution.
func (r *RedisRecorder) RecordOutcome(ctx context.Context, tenant, jobID, outcome string) {
	key := buildKey(tenant, jobID, outcome, r.clock(), r.window)

	pipe := r.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record outcome %s: %v", key, err)
	}
}

func buildKey(tenant, jobID, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("t:%s:j:%s:%s:%s", tenant, jobID, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
