package coordinator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/storage"
)

// Checkpoint freezes every market writer behind a barrier, snapshots the
// books, pools and ledger consistently, persists everything, then releases
// the writers. Recovery = latest checkpoint + journal replay from its
// sequence.
func (c *Coordinator) Checkpoint() error {
	if c.store == nil {
		return fmt.Errorf("no store configured")
	}
	c.mu.RLock()
	writers := make([]*writer, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	c.mu.RUnlock()

	var checkpoints []*storage.MarketCheckpoint
	var releases []chan struct{}
	defer func() {
		for _, r := range releases {
			close(r)
		}
	}()

	for _, w := range writers {
		cmd := &command{
			kind:    cmdFreeze,
			frozen:  make(chan *storage.MarketCheckpoint, 1),
			release: make(chan struct{}),
			resp:    make(chan cmdResult, 1),
		}
		w.ch <- cmd
		checkpoints = append(checkpoints, <-cmd.frozen)
		releases = append(releases, cmd.release)
	}

	// All writers are parked behind their barriers: the ledger is
	// quiescent with respect to engine activity.
	accounts, escrows := c.led.CheckpointData()
	if err := c.store.SaveLedgerCheckpoint(&storage.LedgerCheckpoint{
		Accounts: accounts,
		Escrows:  escrows,
		TakenAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("ledger checkpoint: %w", err)
	}
	for _, cp := range checkpoints {
		if err := c.store.SaveMarketCheckpoint(cp); err != nil {
			return fmt.Errorf("market checkpoint %s: %w", cp.Market, err)
		}
	}
	c.log.Info("checkpoint taken", zap.Int("markets", len(checkpoints)))
	return nil
}

// Recover rebuilds the engine from persisted state: ledger checkpoint,
// market checkpoints, then journal replay of every command after each
// market's checkpoint sequence. Must run before any new commands are
// accepted; writers start after their replay completes.
func (c *Coordinator) Recover() error {
	if c.store == nil {
		return fmt.Errorf("no store configured")
	}
	if lcp, ok, err := c.store.LoadLedgerCheckpoint(); err != nil {
		return fmt.Errorf("load ledger checkpoint: %w", err)
	} else if ok {
		c.led.Restore(lcp.Accounts, lcp.Escrows)
	}

	cps, err := c.store.MarketCheckpoints()
	if err != nil {
		return fmt.Errorf("load market checkpoints: %w", err)
	}
	for _, cp := range cps {
		if err := c.recoverMarket(cp); err != nil {
			return fmt.Errorf("recover market %s: %w", cp.Market, err)
		}
	}
	c.log.Info("recovery complete", zap.Int("markets", len(cps)))
	return nil
}

func (c *Coordinator) recoverMarket(cp *storage.MarketCheckpoint) error {
	m := cp.Spec
	if m == nil {
		return fmt.Errorf("checkpoint without market spec")
	}
	if err := c.reg.Register(m); err != nil {
		return err
	}
	w, err := c.newWriter(m)
	if err != nil {
		return err
	}
	w.cmdSeq = cp.Seq

	for _, o := range cp.Resting {
		if book, ok := w.books[o.Outcome]; ok {
			book.Rest(o)
			c.orderIdx[o.ID] = m.ID
		}
	}
	if w.pool != nil && len(cp.Reserves) > 0 {
		w.pool.Restore(cp.Reserves, cp.PoolShares, cp.Providers)
	}

	// Replay the journal tail synchronously before the writer goes live.
	err = c.store.ReplayCommands(m.ID, cp.Seq+1, func(cmd *storage.Command) error {
		w.cmdSeq = cmd.Seq
		switch cmd.Kind {
		case storage.CmdCreate:
			// Creation precedes any checkpoint; nothing to redo.
		case storage.CmdSubmit:
			o := *cmd.Order
			if _, err := w.handleSubmit(&o, true); err != nil {
				c.log.Warn("replayed submit rejected",
					zap.String("market", string(m.ID)),
					zap.Uint64("seq", cmd.Seq),
					zap.Error(err))
			}
		case storage.CmdCancel:
			if _, err := w.handleCancel(cmd.OrderID, true); err != nil {
				c.log.Warn("replayed cancel failed",
					zap.String("market", string(m.ID)),
					zap.Uint64("seq", cmd.Seq),
					zap.Error(err))
			}
		case storage.CmdTransition:
			target, err := parseState(cmd.Target)
			if err != nil {
				return err
			}
			var res *market.Resolution
			if target == market.Resolved {
				res = &market.Resolution{Outcome: cmd.Outcome, Value: cmd.Value}
			}
			if err := w.handleTransition(target, res, true); err != nil {
				c.log.Warn("replayed transition failed",
					zap.String("market", string(m.ID)),
					zap.Uint64("seq", cmd.Seq),
					zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.writers[m.ID] = w
	c.mu.Unlock()
	go w.run()
	return nil
}

func parseState(s string) (market.State, error) {
	switch s {
	case "draft":
		return market.Draft, nil
	case "active":
		return market.Active, nil
	case "paused":
		return market.Paused, nil
	case "resolved":
		return market.Resolved, nil
	case "cancelled":
		return market.Cancelled, nil
	}
	return market.Draft, fmt.Errorf("unknown market state %q", s)
}
