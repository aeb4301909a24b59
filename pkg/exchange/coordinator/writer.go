package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/amm"
	"github.com/fundcast/engine/pkg/exchange/ledger"
	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/orderbook"
	"github.com/fundcast/engine/pkg/exchange/risk"
	"github.com/fundcast/engine/pkg/exchange/types"
	"github.com/fundcast/engine/pkg/resil/taskq"
	"github.com/fundcast/engine/pkg/storage"
)

type cmdKind int8

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdTransition
	cmdAddLiquidity
	cmdRemoveLiquidity
	cmdFreeze
)

type command struct {
	kind       cmdKind
	order      *types.Order
	orderID    types.OrderID
	target     market.State
	resolution *market.Resolution
	user       types.UserID
	amount     int64
	shares     int64

	// freeze handshake for checkpoints
	frozen  chan *storage.MarketCheckpoint
	release chan struct{}

	resp chan cmdResult
}

type cmdResult struct {
	submit *types.SubmitResult
	cancel *types.CancelResult
	minted int64
	cash   int64
	err    error
}

// SettlementPayload is the task payload for one (market, user) settlement.
type SettlementPayload struct {
	Market types.MarketID `json:"market"`
	User   types.UserID   `json:"user"`
}

// writer owns all mutable engine state for one market: the per-outcome
// books or the AMM pool, the journal sequence, and the event sequence.
// Every command for the market is serialised through ch.
type writer struct {
	c     *Coordinator
	mkt   *market.Market
	books map[int]*orderbook.Book
	pool  *amm.Pool

	ch   chan *command
	done chan struct{}

	cmdSeq uint64 // journal sequence
	evSeq  uint64 // event sequence

	// terminal orders kept for idempotent cancels
	closed map[types.OrderID]*types.Order
}

func (c *Coordinator) newWriter(m *market.Market) (*writer, error) {
	w := &writer{
		c:      c,
		mkt:    m,
		ch:     make(chan *command, c.cfg.QueueDepth),
		done:   make(chan struct{}),
		closed: make(map[types.OrderID]*types.Order),
	}
	if m.Engine == market.EngineAMM {
		pool, err := amm.NewPool(m.ID, len(m.Outcomes), c.cfg.FeeBps)
		if err != nil {
			return nil, err
		}
		w.pool = pool
	} else {
		w.books = make(map[int]*orderbook.Book, len(m.Outcomes))
		for i := range m.Outcomes {
			w.books[i] = orderbook.New(m.ID, i)
		}
	}
	return w, nil
}

func (w *writer) run() {
	defer close(w.done)
	for cmd := range w.ch {
		cmd.resp <- w.handle(cmd)
	}
}

func (w *writer) handle(cmd *command) cmdResult {
	switch cmd.kind {
	case cmdSubmit:
		res, err := w.handleSubmit(cmd.order, false)
		return cmdResult{submit: res, err: err}
	case cmdCancel:
		res, err := w.handleCancel(cmd.orderID, false)
		return cmdResult{cancel: res, err: err}
	case cmdTransition:
		return cmdResult{err: w.handleTransition(cmd.target, cmd.resolution, false)}
	case cmdAddLiquidity:
		minted, err := w.handleAddLiquidity(cmd.user, cmd.amount)
		return cmdResult{minted: minted, err: err}
	case cmdRemoveLiquidity:
		cash, err := w.handleRemoveLiquidity(cmd.user, cmd.shares)
		return cmdResult{cash: cash, err: err}
	case cmdFreeze:
		cmd.frozen <- w.checkpoint()
		<-cmd.release
		return cmdResult{}
	default:
		return cmdResult{err: fmt.Errorf("unknown command kind %d", cmd.kind)}
	}
}

// reserveUnit is the per-share collateral a resting limit order holds:
// price for a buy, the complement for a sell.
func reserveUnit(o *types.Order) int64 {
	if o.Side == types.Buy {
		return o.Price
	}
	return types.PriceScale - o.Price
}

func (w *writer) handleSubmit(o *types.Order, replay bool) (*types.SubmitResult, error) {
	if w.pool != nil {
		return w.handleSwap(o, replay)
	}
	book, ok := w.books[o.Outcome]
	if !ok {
		return nil, w.reject(o, fmt.Errorf("%w: outcome %d", types.ErrInvalidPrice, o.Outcome), replay)
	}

	// Journal the order exactly as submitted so replay re-derives the
	// same matches.
	submitted := *o

	// Market orders are costed from the fill plan; the same plan is settled
	// after admission below, since the book cannot change in between.
	plan := book.Plan(o, w.c.cfg.PreventSelfTrade)
	var required int64
	if o.Kind == types.KindLimit {
		required = reserveUnit(o) * o.Size
	} else {
		var planned int64
		for _, f := range plan {
			planned += f.Size
			if o.Side == types.Buy {
				required += f.Price * f.Size
			} else {
				required += (types.PriceScale - f.Price) * f.Size
			}
		}
		if w.c.cfg.AllOrNone && planned < o.Size {
			return nil, w.reject(o, fmt.Errorf("%w: %d of %d available", types.ErrInsufficientLiquidity, planned, o.Size), replay)
		}
	}

	in := risk.Input{
		User:            w.c.profile(o.UserID),
		Snapshot:        w.c.led.Snapshot(o.UserID),
		Market:          w.mkt,
		Order:           o,
		RequiredReserve: required,
		MaxPrice:        w.c.cfg.MaxPrice,
	}
	if err := risk.Check(in); err != nil {
		return nil, w.reject(o, err, replay)
	}
	if err := w.c.led.Reserve(o.UserID, required); err != nil {
		return nil, w.reject(o, err, replay)
	}

	w.journal(&storage.Command{Kind: storage.CmdSubmit, Order: &submitted}, replay)
	w.publish(types.Event{Type: types.EvOrderAccepted, Order: o})

	trades, settled := w.settleFills(o, plan, replay)
	book.Apply(o, settled)

	switch {
	case o.Residual() == 0:
		// fully filled; reservation fully consumed or refunded per fill
	case o.Kind == types.KindLimit:
		book.Rest(o)
		if o.State == types.OrderOpen && o.Filled > 0 {
			o.State = types.OrderPartiallyFilled
		}
	default:
		// Market order remainder: nothing was reserved beyond the plan
		// cost, so there is nothing to release.
		o.State = types.OrderCancelled
		w.publish(types.Event{Type: types.EvOrderCancelled, Order: o,
			Reason: types.ErrInsufficientLiquidity.Error()})
	}
	o.UpdateTime = time.Now()

	if o.State.Terminal() {
		w.closed[o.ID] = o
	}
	w.c.indexOrder(o.ID, w.mkt.ID)

	return &types.SubmitResult{
		OrderID:  o.ID,
		Trades:   trades,
		Residual: o.Residual(),
		State:    o.State,
	}, nil
}

// settleFills runs the monetary core for each planned fill. The taker's
// reservation is debited at its limit rate with the difference against the
// maker's price refunded, so reserved stays exactly unit*residual.
func (w *writer) settleFills(o *types.Order, plan []orderbook.Fill, replay bool) ([]types.Trade, []orderbook.Fill) {
	var trades []types.Trade
	var settled []orderbook.Fill
	for _, f := range plan {
		var fill ledger.Fill
		fill.Market = w.mkt.ID
		fill.Outcome = o.Outcome
		fill.Size = f.Size

		takerDebit := reserveUnit(o) * f.Size
		if o.Kind == types.KindMarket {
			if o.Side == types.Buy {
				takerDebit = f.Price * f.Size
			} else {
				takerDebit = (types.PriceScale - f.Price) * f.Size
			}
		}
		makerDebit := reserveUnit(f.Maker) * f.Size

		var buyOrder, sellOrder types.OrderID
		if o.Side == types.Buy {
			fill.Buyer, fill.Seller = o.UserID, f.Maker.UserID
			fill.BuyerCost = f.Price * f.Size
			fill.BuyerReserveDebit = takerDebit
			fill.SellerCost = (types.PriceScale - f.Price) * f.Size
			fill.SellerReserveDebit = makerDebit
			buyOrder, sellOrder = o.ID, f.Maker.ID
		} else {
			fill.Buyer, fill.Seller = f.Maker.UserID, o.UserID
			fill.BuyerCost = f.Price * f.Size
			fill.BuyerReserveDebit = makerDebit
			fill.SellerCost = (types.PriceScale - f.Price) * f.Size
			fill.SellerReserveDebit = takerDebit
			buyOrder, sellOrder = f.Maker.ID, o.ID
		}

		if err := w.c.led.SettleFill(fill); err != nil {
			// Collateral was reserved up front, so this is an invariant
			// breach: abort the remaining fills and alert.
			w.c.log.Error("fill settlement failed",
				zap.String("market", string(w.mkt.ID)),
				zap.String("order", string(o.ID)),
				zap.Error(err))
			break
		}

		trade := types.Trade{
			ID:          types.NewTradeID(),
			MarketID:    w.mkt.ID,
			BuyOrderID:  buyOrder,
			SellOrderID: sellOrder,
			Buyer:       fill.Buyer,
			Seller:      fill.Seller,
			Outcome:     o.Outcome,
			Price:       f.Price,
			Size:        f.Size,
			Time:        time.Now(),
		}
		trades = append(trades, trade)
		settled = append(settled, f)
		if f.Maker.Residual() == f.Size {
			w.closed[f.Maker.ID] = f.Maker
		}
		if !replay && w.c.store != nil {
			if err := w.c.store.AppendTrade(&trade); err != nil {
				w.c.log.Error("trade log append failed", zap.Error(err))
			}
		}
		w.publish(types.Event{Type: types.EvTrade, Trade: &trade})
	}
	return trades, settled
}

// handleSwap routes an order on an AMM market through the pool. Only
// market orders are accepted; the pool is the counterparty and the swap
// settles through the same escrow flow as a book fill.
func (w *writer) handleSwap(o *types.Order, replay bool) (*types.SubmitResult, error) {
	if o.Kind != types.KindMarket {
		return nil, w.reject(o, fmt.Errorf("%w: amm markets fill market orders only", types.ErrInvalidPrice), replay)
	}
	submitted := *o
	poolAcc := amm.AccountID(w.mkt.ID)

	var userCost, poolCost int64
	var err error
	if o.Side == types.Buy {
		var x int64
		x, err = w.pool.QuoteBuy(o.Outcome, o.Size)
		if err == nil && x > types.PriceScale*o.Size {
			err = fmt.Errorf("%w: swap dearer than certain payoff", types.ErrInsufficientLiquidity)
		}
		userCost = x
		poolCost = types.PriceScale*o.Size - x
	} else {
		var y int64
		y, err = w.pool.QuoteSell(o.Outcome, o.Size)
		userCost = types.PriceScale*o.Size - y
		poolCost = y
	}
	if err != nil {
		return nil, w.reject(o, err, replay)
	}

	in := risk.Input{
		User:            w.c.profile(o.UserID),
		Snapshot:        w.c.led.Snapshot(o.UserID),
		Market:          w.mkt,
		Order:           o,
		RequiredReserve: userCost,
		MaxPrice:        w.c.cfg.MaxPrice,
	}
	if err := risk.Check(in); err != nil {
		return nil, w.reject(o, err, replay)
	}
	if w.c.led.Snapshot(poolAcc).Available < poolCost {
		return nil, w.reject(o, fmt.Errorf("%w: pool cash depleted", types.ErrInsufficientLiquidity), replay)
	}

	fill := ledger.Fill{
		Market:  w.mkt.ID,
		Outcome: o.Outcome,
		Size:    o.Size,
	}
	if o.Side == types.Buy {
		fill.Buyer, fill.Seller = o.UserID, poolAcc
		fill.BuyerCost, fill.SellerCost = userCost, poolCost
	} else {
		fill.Buyer, fill.Seller = poolAcc, o.UserID
		fill.BuyerCost, fill.SellerCost = poolCost, userCost
	}
	if err := w.c.led.SettleFill(fill); err != nil {
		return nil, w.reject(o, err, replay)
	}
	if o.Side == types.Buy {
		w.pool.ApplyBuy(o.Outcome, o.Size, userCost)
	} else {
		w.pool.ApplySell(o.Outcome, o.Size, poolCost)
	}

	w.journal(&storage.Command{Kind: storage.CmdSubmit, Order: &submitted}, replay)
	w.publish(types.Event{Type: types.EvOrderAccepted, Order: o})

	o.Filled = o.Size
	o.State = types.OrderFilled
	o.UpdateTime = time.Now()
	w.closed[o.ID] = o
	w.c.indexOrder(o.ID, w.mkt.ID)

	buyOrder, sellOrder := o.ID, amm.PseudoOrderID
	if o.Side == types.Sell {
		buyOrder, sellOrder = amm.PseudoOrderID, o.ID
	}
	trade := types.Trade{
		ID:          types.NewTradeID(),
		MarketID:    w.mkt.ID,
		BuyOrderID:  buyOrder,
		SellOrderID: sellOrder,
		Buyer:       fill.Buyer,
		Seller:      fill.Seller,
		Outcome:     o.Outcome,
		Price:       (userCost + o.Size - 1) / o.Size,
		Size:        o.Size,
		Time:        time.Now(),
	}
	if !replay && w.c.store != nil {
		if err := w.c.store.AppendTrade(&trade); err != nil {
			w.c.log.Error("trade log append failed", zap.Error(err))
		}
	}
	w.publish(types.Event{Type: types.EvTrade, Trade: &trade})

	return &types.SubmitResult{
		OrderID:  o.ID,
		Trades:   []types.Trade{trade},
		Residual: 0,
		State:    o.State,
	}, nil
}

func (w *writer) handleCancel(id types.OrderID, replay bool) (*types.CancelResult, error) {
	for _, book := range w.books {
		o, ok := book.Cancel(id)
		if !ok {
			continue
		}
		released := reserveUnit(o) * o.Residual()
		if err := w.c.led.Release(o.UserID, released); err != nil {
			w.c.log.Error("cancel release failed", zap.String("order", string(id)), zap.Error(err))
		}
		o.State = types.OrderCancelled
		o.UpdateTime = time.Now()
		w.closed[id] = o
		w.journal(&storage.Command{Kind: storage.CmdCancel, OrderID: id}, replay)
		w.publish(types.Event{Type: types.EvOrderCancelled, Order: o, Reason: "cancelled"})
		return &types.CancelResult{OrderID: id, Released: released}, nil
	}
	if _, ok := w.closed[id]; ok {
		return &types.CancelResult{OrderID: id, Noop: true}, nil
	}
	return nil, fmt.Errorf("%w: %s", types.ErrUnknownOrder, id)
}

func (w *writer) handleTransition(target market.State, res *market.Resolution, replay bool) error {
	if err := w.mkt.CanTransition(target); err != nil {
		return err
	}
	if target == market.Resolved {
		if res == nil {
			return fmt.Errorf("%w: resolution value required", types.ErrBadTransition)
		}
		if w.mkt.Kind != market.Scalar && (res.Outcome < 0 || res.Outcome >= len(w.mkt.Outcomes)) {
			return fmt.Errorf("%w: resolution outcome %d out of range", types.ErrBadTransition, res.Outcome)
		}
		w.mkt.Resolution = res
	}
	w.mkt.State = target

	cmd := &storage.Command{Kind: storage.CmdTransition, Target: target.String()}
	if res != nil {
		cmd.Outcome, cmd.Value = res.Outcome, res.Value
	}
	w.journal(cmd, replay)
	w.publish(types.Event{Type: types.EvMarketStateChanged, State: target.String()})

	if target == market.Resolved || target == market.Cancelled {
		w.cancelAllResting()
		if target == market.Resolved {
			label := w.mkt.Outcomes[res.Outcome]
			w.publish(types.Event{Type: types.EvMarketResolved, Resolution: &label})
		}
		w.dispatchSettlement()
	}
	w.c.log.Info("market transitioned",
		zap.String("market", string(w.mkt.ID)),
		zap.String("state", target.String()))
	return nil
}

// cancelAllResting voids the books on resolution or cancellation,
// releasing every remaining reservation.
func (w *writer) cancelAllResting() {
	for _, book := range w.books {
		for _, o := range book.Resting() {
			if _, err := w.handleCancelResting(book, o); err != nil {
				w.c.log.Error("resting cancel failed", zap.Error(err))
			}
		}
	}
}

func (w *writer) handleCancelResting(book *orderbook.Book, o *types.Order) (*types.CancelResult, error) {
	if _, ok := book.Cancel(o.ID); !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownOrder, o.ID)
	}
	released := reserveUnit(o) * o.Residual()
	if err := w.c.led.Release(o.UserID, released); err != nil {
		return nil, err
	}
	o.State = types.OrderCancelled
	o.UpdateTime = time.Now()
	w.closed[o.ID] = o
	w.publish(types.Event{Type: types.EvOrderCancelled, Order: o, Reason: "market closed"})
	return &types.CancelResult{OrderID: o.ID, Released: released}, nil
}

// dispatchSettlement enqueues one settlement task per user holding a
// position, plus the pool account for AMM markets. Settlement is
// idempotent, so at-least-once dispatch is safe.
func (w *writer) dispatchSettlement() {
	if w.c.tasks == nil {
		return
	}
	users := w.c.led.UsersWithPositions(w.mkt.ID)
	for _, u := range users {
		payload, _ := json.Marshal(SettlementPayload{Market: w.mkt.ID, User: u})
		if _, err := w.c.tasks.Enqueue(&taskq.Task{
			Type:     SettlementTaskType,
			Priority: taskq.High,
			Payload:  payload,
		}); err != nil {
			w.c.log.Error("settlement enqueue failed",
				zap.String("market", string(w.mkt.ID)),
				zap.String("user", string(u)),
				zap.Error(err))
		}
	}
}

func (w *writer) handleAddLiquidity(user types.UserID, amount int64) (int64, error) {
	if w.pool == nil {
		return 0, fmt.Errorf("market %s has no amm pool", w.mkt.ID)
	}
	poolAcc := amm.AccountID(w.mkt.ID)
	if err := w.c.led.Transfer(user, poolAcc, amount); err != nil {
		return 0, err
	}
	minted, err := w.pool.AddLiquidity(user, amount)
	if err != nil {
		if rerr := w.c.led.Transfer(poolAcc, user, amount); rerr != nil {
			w.c.log.Error("liquidity refund failed", zap.Error(rerr))
		}
		return 0, err
	}
	return minted, nil
}

func (w *writer) handleRemoveLiquidity(user types.UserID, shares int64) (int64, error) {
	if w.pool == nil {
		return 0, fmt.Errorf("market %s has no amm pool", w.mkt.ID)
	}
	poolAcc := amm.AccountID(w.mkt.ID)
	poolCash := w.c.led.Snapshot(poolAcc).Available
	num, den, err := w.pool.RemoveLiquidity(user, shares)
	if err != nil {
		return 0, err
	}
	cash := poolCash * num / den
	if cash > 0 {
		if err := w.c.led.Transfer(poolAcc, user, cash); err != nil {
			return 0, err
		}
	}
	return cash, nil
}

// reject records a rejection event and returns the typed reason.
func (w *writer) reject(o *types.Order, err error, replay bool) error {
	o.State = types.OrderRejected
	o.UpdateTime = time.Now()
	if !replay {
		w.publish(types.Event{Type: types.EvOrderRejected, Order: o, Reason: err.Error()})
	}
	return err
}

func (w *writer) journal(cmd *storage.Command, replay bool) {
	if replay || w.c.store == nil {
		return
	}
	w.cmdSeq++
	cmd.Seq = w.cmdSeq
	cmd.Market = w.mkt.ID
	cmd.Time = time.Now()
	if err := w.c.store.AppendCommand(cmd); err != nil {
		w.c.log.Error("journal append failed",
			zap.String("market", string(w.mkt.ID)),
			zap.Uint64("seq", cmd.Seq),
			zap.Error(err))
	}
}

func (w *writer) publish(ev types.Event) {
	w.evSeq++
	ev.Seq = w.evSeq
	ev.MarketID = w.mkt.ID
	ev.Time = time.Now()
	w.c.bus.Publish(ev)
}

// checkpoint snapshots the writer's state. Called only from inside the
// writer loop, so the books are quiescent.
func (w *writer) checkpoint() *storage.MarketCheckpoint {
	cp := &storage.MarketCheckpoint{
		Market:  w.mkt.ID,
		Spec:    w.mkt,
		Seq:     w.cmdSeq,
		TakenAt: time.Now(),
	}
	for i := 0; i < len(w.mkt.Outcomes); i++ {
		if book, ok := w.books[i]; ok {
			for _, o := range book.Resting() {
				cpy := *o
				cp.Resting = append(cp.Resting, &cpy)
			}
		}
	}
	if w.pool != nil {
		cp.Reserves = w.pool.Snapshot()
		cp.PoolShares = w.pool.TotalShares
		cp.Providers = make(map[types.UserID]int64, len(w.pool.Providers))
		for u, s := range w.pool.Providers {
			cp.Providers[u] = s
		}
	}
	return cp
}
