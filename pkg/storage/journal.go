package storage

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/types"
)

// CommandKind tags journal entries.
type CommandKind string

const (
	CmdSubmit     CommandKind = "submit"
	CmdCancel     CommandKind = "cancel"
	CmdTransition CommandKind = "transition"
	CmdCreate     CommandKind = "create"
)

// Command is one accepted command in a market's journal. Replaying the
// journal from a checkpoint's sequence reconstructs the book.
type Command struct {
	Seq     uint64         `json:"seq"`
	Market  types.MarketID `json:"market"`
	Kind    CommandKind    `json:"kind"`
	Order   *types.Order   `json:"order,omitempty"`
	OrderID types.OrderID  `json:"order_id,omitempty"`
	Target  string         `json:"target,omitempty"`
	Outcome int            `json:"outcome,omitempty"`
	Value   int64          `json:"value,omitempty"`
	Spec    *market.Market `json:"spec,omitempty"`
	Time    time.Time      `json:"time"`
}

// AppendCommand writes a journal entry durably.
func (s *Store) AppendCommand(c *Command) error {
	return s.setJSON(journalKey(c.Market, c.Seq), c, true)
}

// ReplayCommands streams a market's journal entries with Seq >= from, in
// sequence order.
func (s *Store) ReplayCommands(market types.MarketID, from uint64, fn func(*Command) error) error {
	prefix := journalPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: journalKey(market, from),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("journal iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var c Command
		if err := unmarshalValue(iter.Value(), &c); err != nil {
			return fmt.Errorf("journal entry %q: %w", iter.Key(), err)
		}
		if err := fn(&c); err != nil {
			return err
		}
	}
	return nil
}

// AppendTrade writes to the immutable trade log.
func (s *Store) AppendTrade(t *types.Trade) error {
	return s.setJSON(tradeKey(t), t, false)
}

// RecentTrades loads up to limit most recent trades for a market.
func (s *Store) RecentTrades(market types.MarketID, limit int) ([]*types.Trade, error) {
	prefix := tradePrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("trade iter: %w", err)
	}
	defer iter.Close()

	var trades []*types.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t types.Trade
		if err := unmarshalValue(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, &t)
	}
	return trades, nil
}
