// Package cache provides a Redis read-through layer over the pair exchange store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pricestore/internal/config"
	"pricestore/internal/storage"
)

const (
	defaultTTL       = time.Minute
	defaultNamespace = "pairexchanges"
	scanBatch        = 200
)

// NewClient connects to Redis and verifies the connection. It returns a nil
// client when no address is configured.
func NewClient(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// PairExchangeCache decorates a PairExchangeStore with Redis caching of the
// single-row and per-pair reads. Every write drops the whole namespace.
type PairExchangeCache struct {
	inner     storage.PairExchangeStore
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
	logger    zerolog.Logger
}

// NewPairExchangeCache wraps inner. A nil rdb disables caching entirely.
func NewPairExchangeCache(rdb *redis.Client, ttl time.Duration, namespace string, inner storage.PairExchangeStore, logger zerolog.Logger) *PairExchangeCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &PairExchangeCache{
		inner:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
		logger:    logger.With().Str("component", "cache").Logger(),
	}
}

// UpsertBatch writes through and invalidates.
func (c *PairExchangeCache) UpsertBatch(ctx context.Context, rows []storage.PairExchange) error {
	err := c.inner.UpsertBatch(ctx, rows)
	if len(rows) > 0 {
		c.invalidate(ctx, err)
	}
	return err
}

// UpdateLiveRates writes through and invalidates.
func (c *PairExchangeCache) UpdateLiveRates(ctx context.Context, rates []storage.LiveRate) error {
	err := c.inner.UpdateLiveRates(ctx, rates)
	if len(rates) > 0 {
		c.invalidate(ctx, err)
	}
	return err
}

// UpdateHisto writes through and invalidates.
func (c *PairExchangeCache) UpdateHisto(ctx context.Context, id string, granularity storage.Granularity, histo json.RawMessage) error {
	err := c.inner.UpdateHisto(ctx, id, granularity, histo)
	c.invalidate(ctx, err)
	return err
}

// UpdateExchangeNames writes through and invalidates.
func (c *PairExchangeCache) UpdateExchangeNames(ctx context.Context, names []storage.ExchangeName) error {
	err := c.inner.UpdateExchangeNames(ctx, names)
	if len(names) > 0 {
		c.invalidate(ctx, err)
	}
	return err
}

// UpdateStats writes through and invalidates.
func (c *PairExchangeCache) UpdateStats(ctx context.Context, id string, patch storage.Patch) error {
	err := c.inner.UpdateStats(ctx, id, patch)
	if patch.Len() > 0 {
		c.invalidate(ctx, err)
	}
	return err
}

// QueryIDs is not cached.
func (c *PairExchangeCache) QueryIDs(ctx context.Context) ([]string, error) {
	return c.inner.QueryIDs(ctx)
}

// QueryByCompositeKeys is not cached.
func (c *PairExchangeCache) QueryByCompositeKeys(ctx context.Context, keys []storage.CompositeKey) ([]storage.PairExchange, error) {
	return c.inner.QueryByCompositeKeys(ctx, keys)
}

// QueryByPair checks the cache first, then falls back to the store.
func (c *PairExchangeCache) QueryByPair(ctx context.Context, from, to string, opts storage.PairQueryOptions) ([]storage.PairExchange, error) {
	if c.rdb == nil {
		return c.inner.QueryByPair(ctx, from, to, opts)
	}

	key := c.pairKey(from, to, opts.FilterWithHistory)
	var cached []storage.PairExchange
	if c.load(ctx, key, &cached) {
		return cached, nil
	}

	out, err := c.inner.QueryByPair(ctx, from, to, opts)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, out)
	return out, nil
}

// QueryByID checks the cache first, then falls back to the store. Misses
// are not cached.
func (c *PairExchangeCache) QueryByID(ctx context.Context, id string) (storage.PairExchange, bool, error) {
	if c.rdb == nil {
		return c.inner.QueryByID(ctx, id)
	}

	key := c.idKey(id)
	var cached storage.PairExchange
	if c.load(ctx, key, &cached) {
		return cached, true, nil
	}

	out, found, err := c.inner.QueryByID(ctx, id)
	if err != nil || !found {
		return out, found, err
	}
	c.store(ctx, key, out)
	return out, true, nil
}

func (c *PairExchangeCache) load(ctx context.Context, key string, dest any) bool {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(b, dest); err != nil {
		// 缓存损坏，删除后回源
		_ = c.rdb.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *PairExchangeCache) store(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// invalidate drops cached reads after a write. A write that failed before
// changing rows leaves the cache alone; a CheckpointError still changed rows.
func (c *PairExchangeCache) invalidate(ctx context.Context, writeErr error) {
	if c.rdb == nil {
		return
	}
	var checkpointErr *storage.CheckpointError
	if writeErr != nil && !errors.As(writeErr, &checkpointErr) {
		return
	}
	if err := c.deleteByPattern(ctx, c.namespace+":*"); err != nil {
		c.logger.Warn().Err(err).Msg("cache invalidation failed")
	}
}

func (c *PairExchangeCache) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *PairExchangeCache) idKey(id string) string {
	return fmt.Sprintf("%s:id:%s", c.namespace, safe(storage.NormalizeID(id)))
}

func (c *PairExchangeCache) pairKey(from, to string, withHistory bool) string {
	flag := 0
	if withHistory {
		flag = 1
	}
	return fmt.Sprintf("%s:pair:%s:%s:%d", c.namespace, safe(storage.NormalizeID(from)), safe(storage.NormalizeID(to)), flag)
}

// safe escapes a key segment reversibly so ':' and spaces cannot merge two keys.
func safe(s string) string {
	return url.QueryEscape(s)
}

var _ storage.PairExchangeStore = (*PairExchangeCache)(nil)
