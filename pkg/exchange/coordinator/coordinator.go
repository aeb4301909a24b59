// Package coordinator is the single entry point for order submission,
// cancellation and market lifecycle commands. Every market gets one writer
// goroutine that owns its books (or pool) and serialises all commands for
// that market through a bounded channel; there is no global lock and no
// ordering guarantee across markets.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/ledger"
	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/types"
	"github.com/fundcast/engine/pkg/resil/slo"
	"github.com/fundcast/engine/pkg/resil/taskq"
	"github.com/fundcast/engine/pkg/storage"
)

// SettlementTaskType keys the background task that settles one user of a
// resolved market.
const SettlementTaskType = "settlement"

// SLO names under which command outcomes are recorded.
const (
	SLOSubmit    = "engine.submit"
	SLOCancel    = "engine.cancel"
	SLOLifecycle = "engine.lifecycle"
)

type Config struct {
	// QueueDepth bounds each market's command channel; EnqueueTimeout is
	// how long a caller waits for a slot before ErrMarketBusy.
	QueueDepth     int
	EnqueueTimeout time.Duration

	// MaxPrice is the top of the limit-price tick grid.
	MaxPrice int64
	// AllOrNone rejects market orders that cannot fill completely instead
	// of filling what is there and cancelling the rest.
	AllOrNone bool
	// PreventSelfTrade skips resting orders owned by the incoming order's
	// user during matching.
	PreventSelfTrade bool
	// FeeBps is the swap fee for AMM pools.
	FeeBps int64
}

func DefaultConfig() Config {
	return Config{
		QueueDepth:       256,
		EnqueueTimeout:   2 * time.Second,
		MaxPrice:         types.PriceScale - 1,
		PreventSelfTrade: true,
	}
}

type Coordinator struct {
	cfg   Config
	log   *zap.Logger
	reg   *market.Registry
	led   *ledger.Ledger
	store *storage.Store // optional
	slo   *slo.Monitor   // optional
	tasks *taskq.Queue   // optional
	bus   *Bus

	mu       sync.RWMutex
	writers  map[types.MarketID]*writer
	profiles map[types.UserID]types.UserProfile
	orderIdx map[types.OrderID]types.MarketID
}

// New wires a coordinator. store, monitor and tasks may be nil; the
// corresponding concerns (journalling, SLO accounting, settlement
// dispatch) are then skipped.
func New(cfg Config, reg *market.Registry, led *ledger.Ledger, store *storage.Store,
	monitor *slo.Monitor, tasks *taskq.Queue, log *zap.Logger) *Coordinator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.MaxPrice <= 0 {
		cfg.MaxPrice = types.PriceScale - 1
	}
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		led:      led,
		store:    store,
		slo:      monitor,
		tasks:    tasks,
		bus:      NewBus(log),
		writers:  make(map[types.MarketID]*writer),
		profiles: make(map[types.UserID]types.UserProfile),
		orderIdx: make(map[types.OrderID]types.MarketID),
	}
}

// Subscribe attaches an event consumer.
func (c *Coordinator) Subscribe(buffer int) <-chan types.Event {
	return c.bus.Subscribe(buffer)
}

// RegisterUser records the admission attributes handed down by the
// identity layer.
func (c *Coordinator) RegisterUser(p types.UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.UserID] = p
}

func (c *Coordinator) profile(u types.UserID) types.UserProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[u]; ok {
		return p
	}
	return types.UserProfile{UserID: u}
}

// Ledger exposes balance queries to the API layer.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.led }

// CreateMarket registers a market, spins up its writer and journals the
// creation. The market starts in its spec'd state (normally draft).
func (c *Coordinator) CreateMarket(_ context.Context, m *market.Market) (types.MarketID, error) {
	if err := c.reg.Register(m); err != nil {
		return "", err
	}
	w, err := c.newWriter(m)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.writers[m.ID] = w
	c.mu.Unlock()
	go w.run()

	if c.store != nil {
		w.cmdSeq++
		cmd := &storage.Command{
			Seq: w.cmdSeq, Market: m.ID, Kind: storage.CmdCreate,
			Spec: m, Time: time.Now(),
		}
		if err := c.store.AppendCommand(cmd); err != nil {
			c.log.Error("journal create failed", zap.String("market", string(m.ID)), zap.Error(err))
		}
		// Seed a checkpoint at creation so the market is recoverable
		// before the first periodic checkpoint runs.
		if err := c.store.SaveMarketCheckpoint(&storage.MarketCheckpoint{
			Market: m.ID, Spec: m, Seq: w.cmdSeq, TakenAt: time.Now(),
		}); err != nil {
			c.log.Error("initial checkpoint failed", zap.String("market", string(m.ID)), zap.Error(err))
		}
	}
	c.log.Info("market created",
		zap.String("market", string(m.ID)),
		zap.String("kind", m.Kind.String()),
		zap.String("engine", m.Engine.String()))
	return m.ID, nil
}

func (c *Coordinator) writer(id types.MarketID) (*writer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.writers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownMarket, id)
	}
	return w, nil
}

// SubmitOrder admits an order through the risk gate and routes it to the
// market's engine. The returned result carries the trades produced and the
// order's residual state.
func (c *Coordinator) SubmitOrder(ctx context.Context, o *types.Order) (*types.SubmitResult, error) {
	start := time.Now()
	res, err := c.submitOrder(ctx, o)
	c.record(SLOSubmit, err == nil, time.Since(start))
	return res, err
}

func (c *Coordinator) submitOrder(ctx context.Context, o *types.Order) (*types.SubmitResult, error) {
	if o.ID == "" {
		o.ID = types.NewOrderID()
	}
	o.SubmitTime = time.Now()
	o.UpdateTime = o.SubmitTime
	w, err := c.writer(o.MarketID)
	if err != nil {
		return nil, err
	}
	cmd := &command{kind: cmdSubmit, order: o, resp: make(chan cmdResult, 1)}
	res, err := c.dispatch(ctx, w, cmd)
	if err != nil {
		return nil, err
	}
	return res.submit, res.err
}

// CancelOrder removes a resting order and releases its unfilled
// collateral. Cancelling an already-terminal order succeeds with Noop set.
func (c *Coordinator) CancelOrder(ctx context.Context, id types.OrderID) (*types.CancelResult, error) {
	start := time.Now()
	res, err := c.cancelOrder(ctx, id)
	c.record(SLOCancel, err == nil, time.Since(start))
	return res, err
}

func (c *Coordinator) cancelOrder(ctx context.Context, id types.OrderID) (*types.CancelResult, error) {
	c.mu.RLock()
	mkt, ok := c.orderIdx[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownOrder, id)
	}
	w, err := c.writer(mkt)
	if err != nil {
		return nil, err
	}
	cmd := &command{kind: cmdCancel, orderID: id, resp: make(chan cmdResult, 1)}
	res, err := c.dispatch(ctx, w, cmd)
	if err != nil {
		return nil, err
	}
	return res.cancel, res.err
}

// TransitionMarket drives the lifecycle FSM. Resolving requires the
// resolution value; resolving or cancelling a market cancels all resting
// orders and dispatches settlement.
func (c *Coordinator) TransitionMarket(ctx context.Context, id types.MarketID, target market.State, res *market.Resolution) error {
	start := time.Now()
	err := c.transitionMarket(ctx, id, target, res)
	c.record(SLOLifecycle, err == nil, time.Since(start))
	return err
}

func (c *Coordinator) transitionMarket(ctx context.Context, id types.MarketID, target market.State, res *market.Resolution) error {
	w, err := c.writer(id)
	if err != nil {
		return err
	}
	cmd := &command{kind: cmdTransition, target: target, resolution: res, resp: make(chan cmdResult, 1)}
	out, err := c.dispatch(ctx, w, cmd)
	if err != nil {
		return err
	}
	return out.err
}

// QuoteAMM prices a swap against the pool without executing it.
func (c *Coordinator) QuoteAMM(_ context.Context, id types.MarketID, outcome int, size int64, side types.Side) (*QuoteResult, error) {
	w, err := c.writer(id)
	if err != nil {
		return nil, err
	}
	if w.pool == nil {
		return nil, fmt.Errorf("market %s has no amm pool", id)
	}
	var amount int64
	if side == types.Buy {
		amount, err = w.pool.QuoteBuy(outcome, size)
	} else {
		amount, err = w.pool.QuoteSell(outcome, size)
	}
	if err != nil {
		return nil, err
	}
	return &QuoteResult{
		RequiredInput: amount,
		AvgPrice:      (amount + size - 1) / size,
	}, nil
}

// QuoteResult reports the ticks a swap would move and the implied average
// price per share.
type QuoteResult struct {
	RequiredInput int64 `json:"required_input"`
	AvgPrice      int64 `json:"avg_price"`
}

// AddLiquidity deposits cash into a market's pool and mints liquidity
// shares for the provider.
func (c *Coordinator) AddLiquidity(ctx context.Context, id types.MarketID, user types.UserID, amount int64) (int64, error) {
	w, err := c.writer(id)
	if err != nil {
		return 0, err
	}
	cmd := &command{kind: cmdAddLiquidity, user: user, amount: amount, resp: make(chan cmdResult, 1)}
	res, err := c.dispatch(ctx, w, cmd)
	if err != nil {
		return 0, err
	}
	return res.minted, res.err
}

// RemoveLiquidity burns liquidity shares and pays out the provider's
// pro-rata slice of the pool's cash.
func (c *Coordinator) RemoveLiquidity(ctx context.Context, id types.MarketID, user types.UserID, shares int64) (int64, error) {
	w, err := c.writer(id)
	if err != nil {
		return 0, err
	}
	cmd := &command{kind: cmdRemoveLiquidity, user: user, shares: shares, resp: make(chan cmdResult, 1)}
	res, err := c.dispatch(ctx, w, cmd)
	if err != nil {
		return 0, err
	}
	return res.cash, res.err
}

// dispatch enqueues a command on the market writer, honouring the caller's
// deadline and the configured backpressure bound.
func (c *Coordinator) dispatch(ctx context.Context, w *writer, cmd *command) (cmdResult, error) {
	var timeout <-chan time.Time
	if c.cfg.EnqueueTimeout > 0 {
		t := time.NewTimer(c.cfg.EnqueueTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case w.ch <- cmd:
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	case <-timeout:
		return cmdResult{}, fmt.Errorf("%w: %s", types.ErrMarketBusy, w.mkt.ID)
	}
	select {
	case res := <-cmd.resp:
		return res, nil
	case <-ctx.Done():
		// The writer will still execute the command; the caller just
		// stops waiting for the result.
		return cmdResult{}, ctx.Err()
	}
}

func (c *Coordinator) record(name string, good bool, latency time.Duration) {
	if c.slo == nil {
		return
	}
	if err := c.slo.Record(name, good, latency); err != nil {
		c.log.Debug("slo record failed", zap.String("slo", name), zap.Error(err))
	}
}

func (c *Coordinator) indexOrder(id types.OrderID, mkt types.MarketID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orderIdx[id] = mkt
}

// Close stops all market writers and closes the event bus.
func (c *Coordinator) Close() {
	c.mu.Lock()
	writers := make([]*writer, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	c.writers = make(map[types.MarketID]*writer)
	c.mu.Unlock()
	for _, w := range writers {
		close(w.ch)
		<-w.done
	}
	c.bus.Close()
}
