// Package settle finalises resolved and cancelled markets: it computes the
// payout vector, pays each user's positions through the ledger, and writes
// one immutable audit record per (market, user). The audit record doubles
// as the idempotence marker, so re-running a completed settlement is a
// no-op.
package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/coordinator"
	"github.com/fundcast/engine/pkg/exchange/ledger"
	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/types"
	"github.com/fundcast/engine/pkg/resil/taskq"
	"github.com/fundcast/engine/pkg/storage"
)

type Settler struct {
	led   *ledger.Ledger
	reg   *market.Registry
	store *storage.Store // optional; audit records are skipped without it
	log   *zap.Logger
}

func New(led *ledger.Ledger, reg *market.Registry, store *storage.Store, log *zap.Logger) *Settler {
	return &Settler{led: led, reg: reg, store: store, log: log}
}

// RegisterHandler binds the settler to the task queue's settlement tasks.
func (s *Settler) RegisterHandler(q *taskq.Queue) {
	q.Register(coordinator.SettlementTaskType, func(_ context.Context, t *taskq.Task) error {
		var p coordinator.SettlementPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("settlement payload: %w", err)
		}
		_, err := s.SettleUser(p.Market, p.User)
		return err
	})
}

// payouts derives the ticks-per-share vector for a finalised market.
// Cancelled markets void every position at even odds, which drains the
// escrow exactly like a resolution does.
func (s *Settler) payouts(m *market.Market) ([]int64, error) {
	switch m.State {
	case market.Resolved:
		return m.PayoutVector()
	case market.Cancelled:
		payouts := make([]int64, len(m.Outcomes))
		for i := range payouts {
			payouts[i] = types.PriceScale / 2
		}
		return payouts, nil
	}
	return nil, fmt.Errorf("%w: market %s is %s", types.ErrMarketNotTradable, m.ID, m.State)
}

// SettleUser pays one user's positions in a finalised market. Keyed by
// (market, user): a user with an existing audit record is skipped.
func (s *Settler) SettleUser(marketID types.MarketID, user types.UserID) (int64, error) {
	m, err := s.reg.Get(marketID)
	if err != nil {
		return 0, err
	}
	payouts, err := s.payouts(m)
	if err != nil {
		return 0, err
	}

	if s.store != nil {
		if _, done, err := s.store.Audit(marketID, user); err != nil {
			return 0, err
		} else if done {
			return 0, nil
		}
	}

	paid, err := s.led.SettleUser(marketID, user, payouts)
	if err != nil {
		return 0, err
	}
	if s.store != nil {
		rec := &storage.AuditRecord{
			Market:    marketID,
			User:      user,
			Paid:      paid,
			Payouts:   payouts,
			SettledAt: time.Now(),
		}
		if err := s.store.WriteAudit(rec); err != nil {
			return paid, fmt.Errorf("write audit: %w", err)
		}
	}
	s.log.Info("user settled",
		zap.String("market", string(marketID)),
		zap.String("user", string(user)),
		zap.Int64("paid", paid))
	return paid, nil
}

// SettleMarket settles every user with a position, one user at a time over
// the ledger's user listing, and stops at the first error. Used by the synchronous path and by tests; the
// task queue normally dispatches per-user tasks instead.
func (s *Settler) SettleMarket(marketID types.MarketID) (int64, error) {
	var total int64
	for _, user := range s.led.UsersWithPositions(marketID) {
		paid, err := s.SettleUser(marketID, user)
		if err != nil {
			return total, err
		}
		total += paid
	}
	return total, nil
}
