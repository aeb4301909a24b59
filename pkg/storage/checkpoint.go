package storage

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/types"
)

// MarketCheckpoint captures one market's engine state at a journal
// sequence. Recovery loads the checkpoint and replays the journal from
// Seq+1.
type MarketCheckpoint struct {
	Market     types.MarketID         `json:"market"`
	Spec       *market.Market         `json:"spec"`
	Seq        uint64                 `json:"seq"`
	Resting    []*types.Order         `json:"resting,omitempty"`
	Reserves   []int64                `json:"reserves,omitempty"`
	PoolShares int64                  `json:"pool_shares,omitempty"`
	Providers  map[types.UserID]int64 `json:"providers,omitempty"`
	TakenAt    time.Time              `json:"taken_at"`
}

// LedgerCheckpoint captures every account's balances and positions plus
// the per-market escrows.
type LedgerCheckpoint struct {
	Accounts []types.AccountSnapshot  `json:"accounts"`
	Escrows  map[types.MarketID]int64 `json:"escrows"`
	TakenAt  time.Time                `json:"taken_at"`
}

func (s *Store) SaveMarketCheckpoint(cp *MarketCheckpoint) error {
	return s.setJSON(checkpointKey(cp.Market), cp, true)
}

func (s *Store) LoadMarketCheckpoint(market types.MarketID) (*MarketCheckpoint, bool, error) {
	var cp MarketCheckpoint
	ok, err := s.getJSON(checkpointKey(market), &cp)
	if !ok || err != nil {
		return nil, false, err
	}
	return &cp, true, nil
}

// MarketCheckpoints lists every persisted market checkpoint; recovery
// derives the set of known markets from it.
func (s *Store) MarketCheckpoints() ([]*MarketCheckpoint, error) {
	prefix := []byte("cp:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint iter: %w", err)
	}
	defer iter.Close()

	var out []*MarketCheckpoint
	for iter.First(); iter.Valid(); iter.Next() {
		var cp MarketCheckpoint
		if err := unmarshalValue(iter.Value(), &cp); err != nil {
			continue
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) SaveLedgerCheckpoint(cp *LedgerCheckpoint) error {
	return s.setJSON(ledgerCheckpointKey(), cp, true)
}

func (s *Store) LoadLedgerCheckpoint() (*LedgerCheckpoint, bool, error) {
	var cp LedgerCheckpoint
	ok, err := s.getJSON(ledgerCheckpointKey(), &cp)
	if !ok || err != nil {
		return nil, false, err
	}
	return &cp, true, nil
}
