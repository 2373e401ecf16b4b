// Package cache keeps derived, read-only booking data in Redis. A nil
// client disables caching: reads miss and writes are dropped.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/redis/go-redis/v9"
)

const defaultStatsTTL = 30 * time.Second

type StatsCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewStatsCache(rdb *redis.Client, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = defaultStatsTTL
	}
	return &StatsCache{rdb: rdb, ttl: ttl, prefix: "booking-stats"}
}

func (c *StatsCache) key(eventID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, eventID)
}

// Get returns the cached stats, or nil on a miss.
func (c *StatsCache) Get(ctx context.Context, eventID string) (*models.BookingStats, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	raw, err := c.rdb.Get(ctx, c.key(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get stats: %w", err)
	}
	var stats models.BookingStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("decode cached stats: %w", err)
	}
	return &stats, nil
}

func (c *StatsCache) Set(ctx context.Context, stats *models.BookingStats) error {
	if c == nil || c.rdb == nil || stats == nil {
		return nil
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(stats.EventID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set stats: %w", err)
	}
	return nil
}

// Invalidate drops the event's cached stats after a booking transition.
func (c *StatsCache) Invalidate(ctx context.Context, eventID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(eventID)).Err(); err != nil {
		return fmt.Errorf("redis del stats: %w", err)
	}
	return nil
}
