// Package karma mirrors the matchmaker's in-memory karma map into Redis
// for external visibility (dashboards, ad-hoc inspection). The
// matchmaker itself never reads this back; its authoritative state stays
// in-process. One key per hostname, short TTL so stale entries age out.
package karma

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "ccdispatch:karma:"
	entryTTL  = 24 * time.Hour
)

// Mirror implements jobserver.KarmaMirror against Redis.
type Mirror struct {
	redis   *redis.Client
	timeout time.Duration
}

func New(redisClient *redis.Client, timeout time.Duration) *Mirror {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Mirror{redis: redisClient, timeout: timeout}
}

// Set mirrors one hostname's current karma value. Best-effort: a Redis
// error is discarded, neither logged nor surfaced, since losing a mirror
// write must never affect matchmaking.
func (m *Mirror) Set(hostname string, value float64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	key := keyPrefix + hostname
	_ = m.redis.Set(ctx, key, strconv.FormatFloat(value, 'g', -1, 64), entryTTL).Err()
}

// Get reads back a mirrored karma value, for operator tooling or tests;
// the matchmaker never calls this.
func (m *Mirror) Get(hostname string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	val, err := m.redis.Get(ctx, keyPrefix+hostname).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("karma: get %s: %w", hostname, err)
	}
	return strconv.ParseFloat(val, 64)
}
