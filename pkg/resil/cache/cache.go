// Package cache memoises idempotent reads behind two layers: an in-process
// LRU (L1) and a shared store (L2), with per-key single-flight loading.
// Infrastructure faults in L2 degrade the cache to L1-only through the
// wrapping circuit breaker and are never surfaced to callers; only loader
// errors propagate.
package cache

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fundcast/engine/pkg/resil/breaker"
)

// Entry is the stored unit. Expired entries are treated as misses.
type Entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// Store is the L2 backend contract. Implementations own their eviction;
// the cache only checks expiry.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
}

type Config struct {
	L1Capacity int
	L1TTL      time.Duration
	L2TTL      time.Duration
}

type Cache struct {
	cfg   Config
	l1    *lru.Cache[string, Entry]
	l2    Store
	brk   *breaker.Breaker
	sf    singleflight.Group
	clock clock.Clock
	log   *zap.Logger

	tags *tagIndex
}

// New creates a cache. l2 and brk may be nil for an L1-only cache.
func New(cfg Config, l2 Store, brk *breaker.Breaker, clk clock.Clock, log *zap.Logger) (*Cache, error) {
	l1, err := lru.New[string, Entry](cfg.L1Capacity)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		cfg:   cfg,
		l1:    l1,
		l2:    l2,
		brk:   brk,
		clock: clk,
		log:   log,
		tags:  newTagIndex(),
	}, nil
}

// Loader produces the value for a missing key.
type Loader func(ctx context.Context) ([]byte, error)

// Get tries L1, then L2 (promoting hits to L1 with the shorter TTL), then
// runs the loader under single-flight: concurrent callers for the same
// missing key share one loader invocation and its result.
func (c *Cache) Get(ctx context.Context, key string, load Loader) ([]byte, error) {
	if v, ok := c.l1Get(key); ok {
		return v, nil
	}
	if v, ok := c.l2Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// A concurrent flight may have populated L1 while this caller
		// queued on the flight group.
		if v, ok := c.l1Get(key); ok {
			return v, nil
		}
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, val, c.cfg.L2TTL, nil)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Set writes both layers and records the key under its tags.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) {
	c.store(ctx, key, value, ttl, tags)
}

// Invalidate deletes every key recorded under the tag from both layers.
func (c *Cache) Invalidate(ctx context.Context, tag string) {
	for _, key := range c.tags.take(tag) {
		c.l1.Remove(key)
		if c.l2 != nil {
			key := key
			err := c.execL2(ctx, func(ctx context.Context) error {
				return c.l2.Delete(ctx, key)
			})
			if err != nil {
				c.log.Warn("cache l2 delete failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

func (c *Cache) l1Get(key string) ([]byte, bool) {
	e, ok := c.l1.Get(key)
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(e.ExpiresAt) {
		c.l1.Remove(key)
		return nil, false
	}
	return e.Value, true
}

func (c *Cache) l2Get(ctx context.Context, key string) ([]byte, bool) {
	if c.l2 == nil {
		return nil, false
	}
	var e Entry
	var found bool
	err := c.execL2(ctx, func(ctx context.Context) error {
		var err error
		e, found, err = c.l2.Get(ctx, key)
		return err
	})
	if err != nil || !found {
		return nil, false
	}
	now := c.clock.Now()
	if now.After(e.ExpiresAt) {
		return nil, false
	}
	// Promote with the shorter of the L1 TTL and the entry's remaining
	// lifetime.
	exp := now.Add(c.cfg.L1TTL)
	if e.ExpiresAt.Before(exp) {
		exp = e.ExpiresAt
	}
	c.l1.Add(key, Entry{Value: e.Value, ExpiresAt: exp, Tags: e.Tags})
	c.tags.add(key, e.Tags)
	return e.Value, true
}

func (c *Cache) store(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) {
	now := c.clock.Now()
	l1TTL := ttl
	if c.cfg.L1TTL > 0 && (l1TTL <= 0 || l1TTL > c.cfg.L1TTL) {
		l1TTL = c.cfg.L1TTL
	}
	c.l1.Add(key, Entry{Value: value, ExpiresAt: now.Add(l1TTL), Tags: tags})
	c.tags.add(key, tags)

	if c.l2 == nil {
		return
	}
	e := Entry{Value: value, ExpiresAt: now.Add(ttl), Tags: tags}
	err := c.execL2(ctx, func(ctx context.Context) error {
		return c.l2.Set(ctx, key, e)
	})
	if err != nil {
		c.log.Warn("cache l2 write failed, serving l1-only", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) execL2(ctx context.Context, fn func(context.Context) error) error {
	if c.brk == nil {
		return fn(ctx)
	}
	return c.brk.Execute(ctx, fn)
}
