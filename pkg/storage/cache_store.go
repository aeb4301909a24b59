package storage

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/fundcast/engine/pkg/resil/cache"
)

// CacheStore adapts the pebble store as the cache's shared L2 layer.
// Expiry is carried inside the entry; eviction of stale values is left to
// the reader treating them as misses.
type CacheStore struct {
	s *Store
}

func (s *Store) CacheLayer() *CacheStore { return &CacheStore{s: s} }

func (cs *CacheStore) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	var e cache.Entry
	ok, err := cs.s.getJSON(cacheKey(key), &e)
	return e, ok, err
}

func (cs *CacheStore) Set(_ context.Context, key string, e cache.Entry) error {
	return cs.s.setJSON(cacheKey(key), e, false)
}

func (cs *CacheStore) Delete(_ context.Context, key string) error {
	return cs.s.db.Delete(cacheKey(key), pebble.NoSync)
}
