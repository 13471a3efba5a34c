package cloudadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsfleet/fleetctl/internal/telemetry"
)

// VMRecord is the cached result of find_vm_by_private_ip.
type VMRecord struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// VMCache memoizes FindVMByPrivateIP results per IP with a uniform TTL
// for both hits and misses (whether a shorter TTL for misses would help is
// an open question, resolved here as a single TTL — see DESIGN.md).
// Uses the same Redis cache-aside pattern as alert.Deduplicator, but with
// no DB fallback, since the cloud adapter itself is the only source of
// truth.
//
// On throttling, a stale value (past the freshness TTL but still within a
// longer retention window) is returned if present, so a provider outage
// degrades to stale data rather than an error.
type VMCache struct {
	rdb *redis.Client
	ttl time.Duration
}

const staleRetention = 24 * time.Hour

// NewVMCache creates a VMCache with the given freshness TTL.
func NewVMCache(rdb *redis.Client, ttl time.Duration) *VMCache {
	return &VMCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached record for ip. fresh is true when the record is
// within the freshness TTL; false when only the stale fallback copy
// survived. found is false when neither copy exists.
func (c *VMCache) Get(ctx context.Context, ip string) (rec VMRecord, fresh bool, found bool) {
	raw, err := c.rdb.Get(ctx, freshKey(ip)).Result()
	if err == nil {
		if json.Unmarshal([]byte(raw), &rec) == nil {
			telemetry.VMCacheHitsTotal.WithLabelValues("fresh").Inc()
			return rec, true, true
		}
	} else if !errors.Is(err, redis.Nil) {
		telemetry.VMCacheHitsTotal.WithLabelValues("error").Inc()
	}

	raw, err = c.rdb.Get(ctx, staleKey(ip)).Result()
	if err == nil {
		if json.Unmarshal([]byte(raw), &rec) == nil {
			telemetry.VMCacheHitsTotal.WithLabelValues("stale").Inc()
			return rec, false, true
		}
	}

	telemetry.VMCacheHitsTotal.WithLabelValues("miss").Inc()
	return VMRecord{}, false, false
}

// Set memoizes rec for ip under both the fresh (TTL-bounded) and stale
// (long-retention) keys.
func (c *VMCache) Set(ctx context.Context, ip string, rec VMRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling vm cache record: %w", err)
	}

	if err := c.rdb.Set(ctx, freshKey(ip), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing vm cache entry: %w", err)
	}
	if err := c.rdb.Set(ctx, staleKey(ip), raw, staleRetention).Err(); err != nil {
		return fmt.Errorf("writing vm cache stale fallback: %w", err)
	}
	return nil
}

func freshKey(ip string) string { return "fleetctl:vmcache:fresh:" + ip }
func staleKey(ip string) string { return "fleetctl:vmcache:stale:" + ip }
