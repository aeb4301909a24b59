// Package ledger holds the authoritative per-user balances and positions.
//
// Money lives in three places: an account's available balance, its reserved
// balance (collateral backing live orders), and a per-market escrow that
// backs open positions. Every matched fill escrows PriceScale ticks per
// share between the two sides; portions that close an existing position
// redeem PriceScale per share back out immediately. Resolution pays the
// escrow back out per the market's payout vector, draining it to zero.
// Under this flow the total across all accounts plus escrow only moves on
// explicit deposits and withdrawals.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/types"
)

type posKey struct {
	market  types.MarketID
	outcome int
}

// Account state. The struct-level mutex serialises compound updates;
// multi-account operations acquire account locks in ascending user-id order.
type Account struct {
	mu        sync.Mutex
	UserID    types.UserID
	Available int64
	Reserved  int64
	positions map[posKey]*types.Position
}

func (a *Account) position(k posKey) *types.Position {
	p, ok := a.positions[k]
	if !ok {
		p = &types.Position{MarketID: k.market, Outcome: k.outcome}
		a.positions[k] = p
	}
	return p
}

type escrow struct {
	mu     sync.Mutex
	amount int64
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[types.UserID]*Account
	escrows  map[types.MarketID]*escrow

	log   *zap.Logger
	debug bool // invariant post-conditions panic instead of alerting
}

func New(log *zap.Logger, debug bool) *Ledger {
	return &Ledger{
		accounts: make(map[types.UserID]*Account),
		escrows:  make(map[types.MarketID]*escrow),
		log:      log,
		debug:    debug,
	}
}

// account returns the record for user, creating it on first touch.
func (l *Ledger) account(user types.UserID) *Account {
	l.mu.RLock()
	acc, ok := l.accounts[user]
	l.mu.RUnlock()
	if ok {
		return acc
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok = l.accounts[user]; ok {
		return acc
	}
	acc = &Account{UserID: user, positions: make(map[posKey]*types.Position)}
	l.accounts[user] = acc
	return acc
}

func (l *Ledger) marketEscrow(market types.MarketID) *escrow {
	l.mu.RLock()
	e, ok := l.escrows[market]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.escrows[market]; ok {
		return e
	}
	e = &escrow{}
	l.escrows[market] = e
	return e
}

// Deposit credits available balance. The only way (with Withdraw) the
// system total changes.
func (l *Ledger) Deposit(user types.UserID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	acc := l.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.Available += amount
	return nil
}

func (l *Ledger) Withdraw(user types.UserID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}
	acc := l.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", types.ErrInsufficientFunds, acc.Available, amount)
	}
	acc.Available -= amount
	return nil
}

// Reserve moves amount from available to reserved, backing a live order.
func (l *Ledger) Reserve(user types.UserID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reserve amount cannot be negative: %d", amount)
	}
	acc := l.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", types.ErrInsufficientFunds, acc.Available, amount)
	}
	acc.Available -= amount
	acc.Reserved += amount
	return nil
}

// Release is the inverse of Reserve, used on cancels and price improvement.
func (l *Ledger) Release(user types.UserID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("release amount cannot be negative: %d", amount)
	}
	acc := l.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.Reserved < amount {
		return fmt.Errorf("%w: cannot release %d, reserved %d", types.ErrInvariant, amount, acc.Reserved)
	}
	acc.Reserved -= amount
	acc.Available += amount
	return nil
}

// Fill describes the monetary effect of one matched trade. BuyerCost plus
// SellerCost must equal PriceScale*Size: together the two sides fully fund
// the escrow for the shares changing hands. A ReserveDebit of zero means
// the side pays from available (the AMM path); otherwise the debit is
// consumed from reserved and any difference against the cost is refunded
// to available (price improvement for limit orders).
type Fill struct {
	Market             types.MarketID
	Outcome            int
	Buyer, Seller      types.UserID
	Size               int64
	BuyerCost          int64
	BuyerReserveDebit  int64
	SellerCost         int64
	SellerReserveDebit int64
}

// SettleFill atomically applies the monetary core of one trade: collateral
// consumption, escrow funding, position deltas, cost-basis and realised
// PnL, and immediate redemption of closed portions. Either all effects
// commit or none do.
func (l *Ledger) SettleFill(f Fill) error {
	if f.Size <= 0 {
		return types.ErrInvalidSize
	}
	if f.BuyerCost+f.SellerCost != types.PriceScale*f.Size {
		return fmt.Errorf("%w: fill costs %d+%d do not fund escrow for %d shares",
			types.ErrInvariant, f.BuyerCost, f.SellerCost, f.Size)
	}
	buyer := l.account(f.Buyer)
	seller := l.account(f.Seller)

	lockPair(buyer, seller)
	defer unlockPair(buyer, seller)

	// Validate both sides before mutating anything.
	if err := checkFunds(buyer, f.BuyerCost, f.BuyerReserveDebit); err != nil {
		return err
	}
	if err := checkFunds(seller, f.SellerCost, f.SellerReserveDebit); err != nil {
		return err
	}

	esc := l.marketEscrow(f.Market)
	esc.mu.Lock()
	defer esc.mu.Unlock()

	payIn(buyer, f.BuyerCost, f.BuyerReserveDebit)
	payIn(seller, f.SellerCost, f.SellerReserveDebit)
	esc.amount += f.BuyerCost + f.SellerCost

	k := posKey{f.Market, f.Outcome}
	l.applyDelta(buyer, k, +f.Size, f.BuyerCost, f.Size, esc)
	l.applyDelta(seller, k, -f.Size, f.SellerCost, f.Size, esc)

	if l.debug {
		l.mustNonNegative(buyer, esc)
		l.mustNonNegative(seller, esc)
	}
	return nil
}

func lockPair(a, b *Account) {
	if a == b {
		a.mu.Lock()
		return
	}
	// Fixed global order by user id prevents deadlock across markets.
	if a.UserID < b.UserID {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *Account) {
	a.mu.Unlock()
	if a != b {
		b.mu.Unlock()
	}
}

func checkFunds(acc *Account, cost, debit int64) error {
	if debit > 0 {
		if debit < cost {
			return fmt.Errorf("%w: reserve debit %d below cost %d", types.ErrInvariant, debit, cost)
		}
		if acc.Reserved < debit {
			return fmt.Errorf("%w: reserved %d below debit %d for %s", types.ErrInvariant, acc.Reserved, debit, acc.UserID)
		}
		return nil
	}
	if acc.Available < cost {
		return fmt.Errorf("%w: have %d, need %d", types.ErrInsufficientFunds, acc.Available, cost)
	}
	return nil
}

func payIn(acc *Account, cost, debit int64) {
	if debit > 0 {
		acc.Reserved -= debit
		acc.Available += debit - cost
		return
	}
	acc.Available -= cost
}

// applyDelta mutates one side's position for a fill of `size` shares of
// which this side paid `pay`. Portions that reduce |position| redeem
// PriceScale per share from escrow to available.
func (l *Ledger) applyDelta(acc *Account, k posKey, delta, pay, size int64, esc *escrow) {
	pos := acc.position(k)
	before := pos.Size

	var closed int64
	switch {
	case delta > 0 && before < 0:
		closed = min64(delta, -before)
	case delta < 0 && before > 0:
		closed = min64(-delta, before)
	}

	var redeemed int64
	if closed > 0 {
		redeemed = types.PriceScale * closed
		esc.amount -= redeemed
		acc.Available += redeemed

		costClose := pay * closed / size
		removed := pos.OpenCost * closed / abs64(before)
		pos.RealizedPnL += redeemed - costClose - removed
		pos.OpenCost += (pay - costClose) - removed
	} else {
		pos.OpenCost += pay
	}
	pos.CostBasis += pay - redeemed
	pos.Size += delta

	if pos.Size == 0 && pos.CostBasis == 0 && pos.RealizedPnL == 0 {
		delete(acc.positions, k)
	}
}

// SettleUser pays out one user's positions in a resolved market against the
// payout vector (ticks per share, per outcome, each in [0, PriceScale]).
// Longs receive payout[o] per share, shorts PriceScale-payout[o]. Positions
// are cleared, so a second call for the same user is a no-op returning 0.
func (l *Ledger) SettleUser(market types.MarketID, user types.UserID, payouts []int64) (int64, error) {
	acc := l.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	esc := l.marketEscrow(market)
	esc.mu.Lock()
	defer esc.mu.Unlock()

	var paid int64
	for k, pos := range acc.positions {
		if k.market != market || pos.Size == 0 {
			continue
		}
		if k.outcome < 0 || k.outcome >= len(payouts) {
			return paid, fmt.Errorf("%w: outcome %d outside payout vector", types.ErrInvariant, k.outcome)
		}
		var amount int64
		if pos.Size > 0 {
			amount = payouts[k.outcome] * pos.Size
		} else {
			amount = (types.PriceScale - payouts[k.outcome]) * -pos.Size
		}
		esc.amount -= amount
		acc.Available += amount
		paid += amount
		l.log.Debug("resolution payout",
			zap.String("market", string(market)),
			zap.String("user", string(user)),
			zap.Int("outcome", k.outcome),
			zap.Int64("amount", amount))
		delete(acc.positions, k)
	}
	if l.debug && esc.amount < 0 {
		panic(fmt.Sprintf("market %s escrow negative after settlement: %d", market, esc.amount))
	}
	return paid, nil
}

// Transfer moves amount between two accounts' available balances.
func (l *Ledger) Transfer(from, to types.UserID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %d", amount)
	}
	a, b := l.account(from), l.account(to)
	lockPair(a, b)
	defer unlockPair(a, b)
	if a.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", types.ErrInsufficientFunds, a.Available, amount)
	}
	a.Available -= amount
	b.Available += amount
	return nil
}

// UsersWithPositions lists users holding a non-zero position in the
// market, in ascending user-id order.
func (l *Ledger) UsersWithPositions(market types.MarketID) []types.UserID {
	l.mu.RLock()
	accounts := make([]*Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		accounts = append(accounts, acc)
	}
	l.mu.RUnlock()

	var users []types.UserID
	for _, acc := range accounts {
		acc.mu.Lock()
		for k, pos := range acc.positions {
			if k.market == market && pos.Size != 0 {
				users = append(users, acc.UserID)
				break
			}
		}
		acc.mu.Unlock()
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// CheckpointData snapshots every account and escrow. The caller is
// responsible for quiescing the market writers first.
func (l *Ledger) CheckpointData() ([]types.AccountSnapshot, map[types.MarketID]int64) {
	l.mu.RLock()
	users := make([]types.UserID, 0, len(l.accounts))
	for u := range l.accounts {
		users = append(users, u)
	}
	escrows := make(map[types.MarketID]int64, len(l.escrows))
	for m, e := range l.escrows {
		e.mu.Lock()
		escrows[m] = e.amount
		e.mu.Unlock()
	}
	l.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	snaps := make([]types.AccountSnapshot, 0, len(users))
	for _, u := range users {
		snaps = append(snaps, l.Snapshot(u))
	}
	return snaps, escrows
}

// Restore rebuilds ledger state from a checkpoint.
func (l *Ledger) Restore(accounts []types.AccountSnapshot, escrows map[types.MarketID]int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[types.UserID]*Account, len(accounts))
	l.escrows = make(map[types.MarketID]*escrow, len(escrows))
	for _, snap := range accounts {
		acc := &Account{
			UserID:    snap.UserID,
			Available: snap.Available,
			Reserved:  snap.Reserved,
			positions: make(map[posKey]*types.Position),
		}
		for _, pos := range snap.Positions {
			p := pos
			acc.positions[posKey{p.MarketID, p.Outcome}] = &p
		}
		l.accounts[snap.UserID] = acc
	}
	for m, amount := range escrows {
		l.escrows[m] = &escrow{amount: amount}
	}
}

// Snapshot returns a copy of the user's balances and positions, sorted for
// deterministic output.
func (l *Ledger) Snapshot(user types.UserID) types.AccountSnapshot {
	acc := l.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	snap := types.AccountSnapshot{
		UserID:    user,
		Available: acc.Available,
		Reserved:  acc.Reserved,
	}
	for _, pos := range acc.positions {
		snap.Positions = append(snap.Positions, *pos)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Outcome < b.Outcome
	})
	return snap
}

// Position returns the signed share count for one (user, market, outcome).
func (l *Ledger) Position(user types.UserID, market types.MarketID, outcome int) int64 {
	acc := l.account(user)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if pos, ok := acc.positions[posKey{market, outcome}]; ok {
		return pos.Size
	}
	return 0
}

// Escrow reports the ticks currently escrowed for a market.
func (l *Ledger) Escrow(market types.MarketID) int64 {
	e := l.marketEscrow(market)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.amount
}

// TotalBalance sums available+reserved over all accounts plus all market
// escrows. Constant under matching and settlement.
func (l *Ledger) TotalBalance() int64 {
	l.mu.RLock()
	accounts := make([]*Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		accounts = append(accounts, acc)
	}
	escrows := make([]*escrow, 0, len(l.escrows))
	for _, e := range l.escrows {
		escrows = append(escrows, e)
	}
	l.mu.RUnlock()

	var total int64
	for _, acc := range accounts {
		acc.mu.Lock()
		total += acc.Available + acc.Reserved
		acc.mu.Unlock()
	}
	for _, e := range escrows {
		e.mu.Lock()
		total += e.amount
		e.mu.Unlock()
	}
	return total
}

func (l *Ledger) mustNonNegative(acc *Account, esc *escrow) {
	if acc.Available < 0 || acc.Reserved < 0 {
		panic(fmt.Sprintf("account %s balance negative: available=%d reserved=%d",
			acc.UserID, acc.Available, acc.Reserved))
	}
	if esc.amount < 0 {
		panic(fmt.Sprintf("escrow negative: %d", esc.amount))
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
