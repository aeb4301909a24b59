package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/types"
	"github.com/fundcast/engine/pkg/resil/cache"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJournalAppendReplay(t *testing.T) {
	s := openStore(t)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, s.AppendCommand(&Command{
			Seq:    seq,
			Market: "m1",
			Kind:   CmdSubmit,
			Order:  &types.Order{ID: types.OrderID(string(rune('a' + seq))), Size: int64(seq)},
			Time:   time.Now(),
		}))
	}
	// entries for another market must not leak into m1's replay
	require.NoError(t, s.AppendCommand(&Command{Seq: 1, Market: "m2", Kind: CmdCancel}))

	var seqs []uint64
	err := s.ReplayCommands("m1", 3, func(c *Command) error {
		seqs = append(seqs, c.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, seqs, "replay starts at the requested sequence, in order")
}

func TestMarketCheckpointRoundTrip(t *testing.T) {
	s := openStore(t)

	cp := &MarketCheckpoint{
		Market: "m1",
		Spec: &market.Market{
			ID:       "m1",
			Kind:     market.Binary,
			Engine:   market.EngineOrderBook,
			State:    market.Active,
			Outcomes: []string{"YES", "NO"},
		},
		Seq: 42,
		Resting: []*types.Order{
			{ID: "o1", MarketID: "m1", Side: types.Buy, Price: 6000, Size: 10},
		},
		TakenAt: time.Now(),
	}
	require.NoError(t, s.SaveMarketCheckpoint(cp))

	got, ok, err := s.LoadMarketCheckpoint("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), got.Seq)
	assert.Equal(t, cp.Spec.Outcomes, got.Spec.Outcomes)
	require.Len(t, got.Resting, 1)
	assert.Equal(t, types.OrderID("o1"), got.Resting[0].ID)

	all, err := s.MarketCheckpoints()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, ok, err = s.LoadMarketCheckpoint("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerCheckpointRoundTrip(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.LoadLedgerCheckpoint()
	require.NoError(t, err)
	assert.False(t, ok)

	cp := &LedgerCheckpoint{
		Accounts: []types.AccountSnapshot{
			{UserID: "alice", Available: 100, Reserved: 50},
		},
		Escrows: map[types.MarketID]int64{"m1": 1000},
		TakenAt: time.Now(),
	}
	require.NoError(t, s.SaveLedgerCheckpoint(cp))

	got, ok, err := s.LoadLedgerCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp.Accounts, got.Accounts)
	assert.Equal(t, cp.Escrows, got.Escrows)
}

func TestTradeLog(t *testing.T) {
	s := openStore(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTrade(&types.Trade{
			ID:       types.TradeID(string(rune('a' + i))),
			MarketID: "m1",
			Price:    int64(6000 + i),
			Size:     10,
			Time:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	trades, err := s.RecentTrades("m1", 3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, int64(6004), trades[0].Price, "most recent first")

	trades, err = s.RecentTrades("other", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestAuditRecords(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Audit("m1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteAudit(&AuditRecord{
		Market: "m1", User: "alice", Paid: 1_000_000,
		Payouts: []int64{types.PriceScale, 0}, SettledAt: time.Now(),
	}))
	require.NoError(t, s.WriteAudit(&AuditRecord{
		Market: "m1", User: "bob", Paid: 0,
		Payouts: []int64{types.PriceScale, 0}, SettledAt: time.Now(),
	}))

	rec, ok, err := s.Audit("m1", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000), rec.Paid)

	all, err := s.Audits("m1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCacheLayer(t *testing.T) {
	s := openStore(t)
	layer := s.CacheLayer()
	ctx := context.Background()

	_, ok, err := layer.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	e := cache.Entry{Value: []byte("v"), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, layer.Set(ctx, "k", e))

	got, ok, err := layer.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)

	require.NoError(t, layer.Delete(ctx, "k"))
	_, ok, err = layer.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
