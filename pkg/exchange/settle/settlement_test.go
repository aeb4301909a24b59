package settle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/coordinator"
	"github.com/fundcast/engine/pkg/exchange/ledger"
	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/types"
	"github.com/fundcast/engine/pkg/resil/taskq"
	"github.com/fundcast/engine/pkg/storage"
)

type env struct {
	coord   *coordinator.Coordinator
	led     *ledger.Ledger
	reg     *market.Registry
	store   *storage.Store
	settler *Settler
}

func newEnv(t *testing.T, withStore bool) *env {
	t.Helper()
	led := ledger.New(zap.NewNop(), true)
	reg := market.NewRegistry()
	var store *storage.Store
	if withStore {
		var err error
		store, err = storage.Open(filepath.Join(t.TempDir(), "engine.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}
	coord := coordinator.New(coordinator.DefaultConfig(), reg, led, store, nil, nil, zap.NewNop())
	t.Cleanup(coord.Close)
	return &env{
		coord:   coord,
		led:     led,
		reg:     reg,
		store:   store,
		settler: New(led, reg, store, zap.NewNop()),
	}
}

// tradeAndResolve sets up one matched pair (alice long 100 @ 6000, bob
// short) and resolves the market to the given outcome.
func (e *env) tradeAndResolve(t *testing.T, outcome int) types.MarketID {
	t.Helper()
	ctx := context.Background()
	m := &market.Market{
		ID:       "m1",
		Question: "does it settle yes",
		Kind:     market.Binary,
		Engine:   market.EngineOrderBook,
		State:    market.Draft,
		Outcomes: []string{"YES", "NO"},
	}
	mid, err := e.coord.CreateMarket(ctx, m)
	require.NoError(t, err)
	require.NoError(t, e.coord.TransitionMarket(ctx, mid, market.Active, nil))
	require.NoError(t, e.led.Deposit("alice", 1_000_000))
	require.NoError(t, e.led.Deposit("bob", 1_000_000))

	_, err = e.coord.SubmitOrder(ctx, &types.Order{
		MarketID: mid, UserID: "alice", Side: types.Buy,
		Kind: types.KindLimit, Price: 6000, Size: 100,
	})
	require.NoError(t, err)
	_, err = e.coord.SubmitOrder(ctx, &types.Order{
		MarketID: mid, UserID: "bob", Side: types.Sell,
		Kind: types.KindLimit, Price: 6000, Size: 100,
	})
	require.NoError(t, err)

	require.NoError(t, e.coord.TransitionMarket(ctx, mid, market.Resolved,
		&market.Resolution{Outcome: outcome}))
	return mid
}

// Resolution to YES pays the long the full share payoff, clears the short,
// and writes an audit record per user; a second run changes nothing.
func TestSettlementPayout(t *testing.T) {
	e := newEnv(t, true)
	mid := e.tradeAndResolve(t, 0)
	before := e.led.TotalBalance()

	total, err := e.settler.SettleMarket(mid)
	require.NoError(t, err)
	assert.Equal(t, int64(100*types.PriceScale), total)

	assert.Equal(t, int64(1_400_000), e.led.Snapshot("alice").Available)
	assert.Equal(t, int64(600_000), e.led.Snapshot("bob").Available)
	assert.Zero(t, e.led.Position("alice", mid, 0))
	assert.Zero(t, e.led.Position("bob", mid, 0))
	assert.Zero(t, e.led.Escrow(mid))
	assert.Equal(t, before, e.led.TotalBalance())

	audits, err := e.store.Audits(mid)
	require.NoError(t, err)
	assert.Len(t, audits, 2, "one audit record per settled user")

	// Idempotence: the completed settlement is a no-op.
	again, err := e.settler.SettleMarket(mid)
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Equal(t, int64(1_400_000), e.led.Snapshot("alice").Available)
}

func TestSettlementPaysWinningShort(t *testing.T) {
	e := newEnv(t, false)
	mid := e.tradeAndResolve(t, 1) // NO wins

	_, err := e.settler.SettleMarket(mid)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), e.led.Snapshot("alice").Available)
	assert.Equal(t, int64(1_600_000), e.led.Snapshot("bob").Available)
	assert.Zero(t, e.led.Escrow(mid))
}

func TestSettlementRequiresFinalMarket(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	m := &market.Market{
		ID: "m2", Kind: market.Binary, Engine: market.EngineOrderBook,
		State: market.Draft, Outcomes: []string{"YES", "NO"},
	}
	_, err := e.coord.CreateMarket(ctx, m)
	require.NoError(t, err)

	_, err = e.settler.SettleUser("m2", "alice")
	assert.ErrorIs(t, err, types.ErrMarketNotTradable)
}

// Settlement runs as a background task dispatched by the coordinator on
// resolution.
func TestSettlementViaTaskQueue(t *testing.T) {
	led := ledger.New(zap.NewNop(), true)
	reg := market.NewRegistry()
	tasks := taskq.New(taskq.Config{Workers: 2, MaxAttempts: 3}, nil, zap.NewNop())
	coord := coordinator.New(coordinator.DefaultConfig(), reg, led, nil, nil, tasks, zap.NewNop())
	defer coord.Close()
	settler := New(led, reg, nil, zap.NewNop())
	settler.RegisterHandler(tasks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks.Start(ctx)
	defer tasks.Stop()

	m := &market.Market{
		ID: "m1", Kind: market.Binary, Engine: market.EngineOrderBook,
		State: market.Draft, Outcomes: []string{"YES", "NO"},
	}
	mid, err := coord.CreateMarket(ctx, m)
	require.NoError(t, err)
	require.NoError(t, coord.TransitionMarket(ctx, mid, market.Active, nil))
	require.NoError(t, led.Deposit("alice", 1_000_000))
	require.NoError(t, led.Deposit("bob", 1_000_000))

	for _, o := range []*types.Order{
		{MarketID: mid, UserID: "alice", Side: types.Buy, Kind: types.KindLimit, Price: 6000, Size: 100},
		{MarketID: mid, UserID: "bob", Side: types.Sell, Kind: types.KindLimit, Price: 6000, Size: 100},
	} {
		_, err := coord.SubmitOrder(ctx, o)
		require.NoError(t, err)
	}
	require.NoError(t, coord.TransitionMarket(ctx, mid, market.Resolved,
		&market.Resolution{Outcome: 0}))

	require.Eventually(t, func() bool {
		return led.Snapshot("alice").Available == 1_400_000 &&
			led.Escrow(mid) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// Cancelled markets void every position at even odds and drain the escrow
// the same way a resolution does.
func TestCancelledMarketVoids(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	m := &market.Market{
		ID: "m1", Kind: market.Binary, Engine: market.EngineOrderBook,
		State: market.Draft, Outcomes: []string{"YES", "NO"},
	}
	mid, err := e.coord.CreateMarket(ctx, m)
	require.NoError(t, err)
	require.NoError(t, e.coord.TransitionMarket(ctx, mid, market.Active, nil))
	require.NoError(t, e.led.Deposit("alice", 1_000_000))
	require.NoError(t, e.led.Deposit("bob", 1_000_000))

	for _, o := range []*types.Order{
		{MarketID: mid, UserID: "alice", Side: types.Buy, Kind: types.KindLimit, Price: 6000, Size: 100},
		{MarketID: mid, UserID: "bob", Side: types.Sell, Kind: types.KindLimit, Price: 6000, Size: 100},
	} {
		_, err := e.coord.SubmitOrder(ctx, o)
		require.NoError(t, err)
	}
	require.NoError(t, e.coord.TransitionMarket(ctx, mid, market.Cancelled, nil))

	before := e.led.TotalBalance()
	_, err = e.settler.SettleMarket(mid)
	require.NoError(t, err)

	// Both sides get the even-odds value of their position back.
	assert.Equal(t, int64(900_000), e.led.Snapshot("alice").Available)
	assert.Equal(t, int64(1_100_000), e.led.Snapshot("bob").Available)
	assert.Zero(t, e.led.Escrow(mid))
	assert.Equal(t, before, e.led.TotalBalance())
}
