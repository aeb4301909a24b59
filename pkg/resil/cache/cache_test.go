package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func l1Only(t *testing.T, clk clock.Clock) *Cache {
	t.Helper()
	c, err := New(Config{
		L1Capacity: 128,
		L1TTL:      time.Minute,
		L2TTL:      time.Hour,
	}, nil, nil, clk, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestGetLoadsAndCaches(t *testing.T) {
	c := l1Only(t, clock.NewMock())
	ctx := context.Background()
	var loads int32
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("value"), nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.Get(ctx, "k", load)
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

// Under concurrent demand for a missing key the loader runs exactly once
// and every caller receives the same value.
func TestSingleFlight(t *testing.T) {
	c := l1Only(t, clock.NewMock())
	ctx := context.Background()

	var loads int32
	gate := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		<-gate
		return []byte("shared"), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(ctx, "k", load)
		}(i)
	}
	// Let the flight assemble, then release the loader.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads), "loader invoked exactly once")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i])
	}
}

func TestLoaderErrorPropagates(t *testing.T) {
	c := l1Only(t, clock.NewMock())
	ctx := context.Background()
	boom := errors.New("boom")
	_, err := c.Get(ctx, "k", func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	clk := clock.NewMock()
	c := l1Only(t, clk)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v1"), time.Minute, nil)
	clk.Add(2 * time.Minute)

	var loads int32
	v, err := c.Get(ctx, "k", func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
	assert.Equal(t, int32(1), loads)
}

func TestInvalidateByTag(t *testing.T) {
	c := l1Only(t, clock.NewMock())
	ctx := context.Background()

	c.Set(ctx, "market:1", []byte("a"), time.Minute, []string{"markets"})
	c.Set(ctx, "market:2", []byte("b"), time.Minute, []string{"markets"})
	c.Set(ctx, "user:1", []byte("c"), time.Minute, []string{"users"})

	c.Invalidate(ctx, "markets")

	var loads int32
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("fresh"), nil
	}
	_, err := c.Get(ctx, "market:1", load)
	require.NoError(t, err)
	_, err = c.Get(ctx, "market:2", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads, "tagged keys were dropped")

	_, err = c.Get(ctx, "user:1", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads, "other tags untouched")
}

// memStore is a fake L2 for layering tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]Entry
	err  error
	gets int
}

func newMemStore() *memStore { return &memStore{data: make(map[string]Entry)} }

func (s *memStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return Entry{}, false, s.err
	}
	e, ok := s.data[key]
	return e, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[key] = e
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func TestL2HitPromotesToL1(t *testing.T) {
	clk := clock.NewMock()
	l2 := newMemStore()
	c, err := New(Config{L1Capacity: 16, L1TTL: time.Minute, L2TTL: time.Hour},
		l2, nil, clk, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	l2.data["k"] = Entry{Value: []byte("warm"), ExpiresAt: clk.Now().Add(time.Hour)}

	noLoad := func(ctx context.Context) ([]byte, error) {
		t.Fatal("loader must not run on an L2 hit")
		return nil, nil
	}
	v, err := c.Get(ctx, "k", noLoad)
	require.NoError(t, err)
	assert.Equal(t, []byte("warm"), v)

	// Second read is served from L1.
	gets := l2.gets
	v, err = c.Get(ctx, "k", noLoad)
	require.NoError(t, err)
	assert.Equal(t, []byte("warm"), v)
	assert.Equal(t, gets, l2.gets)
}

// L2 faults degrade the cache to L1-only: the caller sees a plain miss and
// the loader result, never the infrastructure error.
func TestL2FailureDegrades(t *testing.T) {
	clk := clock.NewMock()
	l2 := newMemStore()
	l2.err = errors.New("connection refused")
	c, err := New(Config{L1Capacity: 16, L1TTL: time.Minute, L2TTL: time.Hour},
		l2, nil, clk, zap.NewNop())
	require.NoError(t, err)

	v, err := c.Get(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return []byte("loaded"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), v)
}

func TestL1Eviction(t *testing.T) {
	clk := clock.NewMock()
	c, err := New(Config{L1Capacity: 2, L1TTL: time.Minute, L2TTL: time.Hour},
		nil, nil, clk, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute, nil)
	c.Set(ctx, "b", []byte("2"), time.Minute, nil)
	c.Set(ctx, "c", []byte("3"), time.Minute, nil) // evicts "a"

	var loads int32
	_, err = c.Get(ctx, "a", func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("reloaded"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads)
}
