// Package redis implements the tick deduplicator on top of a Redis-like
// key-value store. Dedup keys are collected in per-minute sets that expire
// on their own, so the store never needs explicit cleanup.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"marketpulse/internal/model"
)

// ErrBackendUnavailable is returned when the dedup store cannot be reached.
var ErrBackendUnavailable = errors.New("dedup backend unavailable")

const (
	// bucketTTL covers cross-source duplicates, which usually arrive within
	// seconds. Set only on the first insert into a bucket, giving at least
	// 60s and at most ~120s of coverage per minute bucket.
	bucketTTL = 60 * time.Second

	keyPrefix = "dedup:"
)

// Deduplicator answers "has this exact trade been seen before?" using a
// set keyed by the tick's UTC minute bucket. Redis calls go through a
// circuit breaker so a dead backend fails fast instead of stalling the
// consumer loop.
type Deduplicator struct {
	rdb     *goredis.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewDeduplicator creates a Deduplicator over the given client.
func NewDeduplicator(rdb *goredis.Client, log *slog.Logger) *Deduplicator {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dedup-redis",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("dedup breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Deduplicator{rdb: rdb, breaker: cb, log: log}
}

// BucketKey returns the set key for a tick's event-time minute bucket.
func BucketKey(ts time.Time) string {
	return keyPrefix + ts.UTC().Format("200601021504")
}

// IsUnique reports whether the tick's dedup key has not been seen in its
// minute bucket. The set TTL is assigned only on the transition from absent
// to present. Returns ErrBackendUnavailable when the store is unreachable.
func (d *Deduplicator) IsUnique(ctx context.Context, t model.NormalizedTick) (bool, error) {
	key := BucketKey(t.Timestamp)
	member := t.DedupKey()

	res, err := d.breaker.Execute(func() (interface{}, error) {
		added, err := d.rdb.SAdd(ctx, key, member).Result()
		if err != nil {
			return nil, err
		}
		if added == 0 {
			return false, nil
		}
		// First insert into the bucket creates the key; only then set the TTL.
		n, err := d.rdb.SCard(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			if err := d.rdb.Expire(ctx, key, bucketTTL).Err(); err != nil {
				return nil, err
			}
		}
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return res.(bool), nil
}
