// Package amm implements the constant-product market maker that shares the
// market abstraction with the order book. A pool quotes and fills against
// its own reserves; monetarily it is just another ledger account, so every
// swap settles through the same escrow flow as a book trade.
package amm

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fundcast/engine/pkg/exchange/types"
)

// PseudoOrderID marks the AMM side of a trade record.
const PseudoOrderID = types.OrderID("amm")

// AccountID returns the ledger account owned by a market's pool.
func AccountID(market types.MarketID) types.UserID {
	return types.UserID("pool:" + string(market))
}

// Pool holds one reserve per outcome and the liquidity share accounting.
// Reserves are mutated only by the market writer; the mutex makes quotes
// safe from other goroutines.
type Pool struct {
	mu sync.RWMutex

	Market   types.MarketID
	Reserves []int64
	FeeBps   int64

	TotalShares int64
	Providers   map[types.UserID]int64
}

func NewPool(market types.MarketID, outcomes int, feeBps int64) (*Pool, error) {
	if outcomes != 2 {
		return nil, fmt.Errorf("constant-product pool supports binary markets only, got %d outcomes", outcomes)
	}
	if feeBps < 0 || feeBps >= 10000 {
		return nil, fmt.Errorf("fee must be in [0, 10000) bps, got %d", feeBps)
	}
	return &Pool{
		Market:    market,
		Reserves:  make([]int64, outcomes),
		FeeBps:    feeBps,
		Providers: make(map[types.UserID]int64),
	}, nil
}

// K returns the current invariant constant, the product of reserves.
func (p *Pool) K() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kLocked()
}

func (p *Pool) kLocked() *big.Int {
	k := big.NewInt(1)
	for _, r := range p.Reserves {
		k.Mul(k, big.NewInt(r))
	}
	return k
}

// QuoteBuy returns the input x of ticks required to buy size shares of
// outcome i, solving (R_i - size) * (R_j + x*(1-fee)) = k and rounding up
// in the pool's favour.
func (p *Pool) QuoteBuy(outcome int, size int64) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quoteBuyLocked(outcome, size)
}

func (p *Pool) quoteBuyLocked(outcome int, size int64) (int64, error) {
	if err := p.checkArgs(outcome, size); err != nil {
		return 0, err
	}
	ri, rj := p.Reserves[outcome], p.Reserves[1-outcome]
	if ri <= size {
		return 0, fmt.Errorf("%w: reserve %d cannot cover %d shares", types.ErrInsufficientLiquidity, ri, size)
	}
	k := decimal.NewFromInt(ri).Mul(decimal.NewFromInt(rj))
	// gross = k/(R_i - size) - R_j, then divide out the fee retained from
	// the input before it reaches the reserve.
	gross := k.Div(decimal.NewFromInt(ri - size)).Sub(decimal.NewFromInt(rj))
	feeFactor := decimal.NewFromInt(10000 - p.FeeBps).Div(decimal.NewFromInt(10000))
	x := gross.Div(feeFactor).Ceil().IntPart()
	if x < 1 {
		x = 1
	}
	return x, nil
}

// QuoteSell returns the payout y of ticks for selling size shares of
// outcome i back to the pool, rounded down in the pool's favour.
func (p *Pool) QuoteSell(outcome int, size int64) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quoteSellLocked(outcome, size)
}

func (p *Pool) quoteSellLocked(outcome int, size int64) (int64, error) {
	if err := p.checkArgs(outcome, size); err != nil {
		return 0, err
	}
	ri, rj := p.Reserves[outcome], p.Reserves[1-outcome]
	k := decimal.NewFromInt(ri).Mul(decimal.NewFromInt(rj))
	gross := decimal.NewFromInt(rj).Sub(k.Div(decimal.NewFromInt(ri + size)).Ceil())
	if gross.Sign() <= 0 {
		return 0, fmt.Errorf("%w: pool cannot pay for %d shares", types.ErrInsufficientLiquidity, size)
	}
	feeFactor := decimal.NewFromInt(10000 - p.FeeBps).Div(decimal.NewFromInt(10000))
	y := gross.Mul(feeFactor).Floor().IntPart()
	if y < 0 {
		y = 0
	}
	return y, nil
}

func (p *Pool) checkArgs(outcome int, size int64) error {
	if outcome < 0 || outcome >= len(p.Reserves) {
		return fmt.Errorf("outcome %d out of range for pool %s", outcome, p.Market)
	}
	if size <= 0 {
		return types.ErrInvalidSize
	}
	if p.TotalShares == 0 {
		return fmt.Errorf("%w: pool %s has no liquidity", types.ErrInsufficientLiquidity, p.Market)
	}
	return nil
}

// ApplyBuy commits a buy swap quoted at input x: size shares leave the
// outcome reserve, the input net of fee enters the opposing reserve. The
// product of reserves never decreases.
func (p *Pool) ApplyBuy(outcome int, size, x int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fee := x * p.FeeBps / 10000
	p.Reserves[outcome] -= size
	p.Reserves[1-outcome] += x - fee
}

// ApplySell commits a sell swap quoted at payout y.
func (p *Pool) ApplySell(outcome int, size, y int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ri := p.Reserves[outcome]
	k := new(big.Int).Mul(big.NewInt(ri), big.NewInt(p.Reserves[1-outcome]))
	// The gross amount leaves the reserve; the fee spread between gross
	// and y stays in the pool's cash account.
	gross := new(big.Int).Sub(big.NewInt(p.Reserves[1-outcome]), ceilDiv(k, big.NewInt(ri+size)))
	p.Reserves[outcome] += size
	p.Reserves[1-outcome] -= gross.Int64()
}

// AddLiquidity records a provider's cash deposit. The deposit funds one
// share of every outcome per PriceScale ticks, which keeps the pool's cash
// sufficient for the worst-case escrow of selling out a reserve. The first
// provider seeds symmetric reserves and receives
// floor(sqrt(prod(reserves))) shares; later providers grow the reserves
// proportionally and are minted shares pro-rata against reserve 0.
func (p *Pool) AddLiquidity(user types.UserID, cash int64) (int64, error) {
	c := cash / types.PriceScale
	if c <= 0 {
		return 0, fmt.Errorf("deposit %d below one reserve unit (%d ticks)", cash, types.PriceScale)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var minted int64
	if p.TotalShares == 0 {
		for i := range p.Reserves {
			p.Reserves[i] = c
		}
		minted = new(big.Int).Sqrt(p.kLocked()).Int64()
	} else {
		r0 := p.Reserves[0]
		for i := range p.Reserves {
			p.Reserves[i] += p.Reserves[i] * c / r0
		}
		minted = p.TotalShares * c / r0
	}
	if minted <= 0 {
		return 0, fmt.Errorf("deposit %d too small to mint liquidity shares", cash)
	}
	p.TotalShares += minted
	p.Providers[user] += minted
	return minted, nil
}

// RemoveLiquidity burns shares and shrinks the reserves pro-rata,
// returning the fraction of the pool the burn represents as num/den
// (shares burned over total shares before the burn) so the coordinator
// can pay out the matching share of pool cash.
func (p *Pool) RemoveLiquidity(user types.UserID, shares int64) (num, den int64, err error) {
	if shares <= 0 {
		return 0, 0, types.ErrInvalidSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.Providers[user]
	if held < shares {
		return 0, 0, fmt.Errorf("%w: user %s holds %d liquidity shares, burning %d", types.ErrInsufficientFunds, user, held, shares)
	}
	num, den = shares, p.TotalShares
	for i := range p.Reserves {
		p.Reserves[i] -= p.Reserves[i] * shares / den
	}
	p.Providers[user] -= shares
	if p.Providers[user] == 0 {
		delete(p.Providers, user)
	}
	p.TotalShares -= shares
	return num, den, nil
}

// Snapshot returns a copy of the reserves for checkpoints and quotes.
func (p *Pool) Snapshot() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int64, len(p.Reserves))
	copy(out, p.Reserves)
	return out
}

// Restore overwrites pool state from a checkpoint.
func (p *Pool) Restore(reserves []int64, totalShares int64, providers map[types.UserID]int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.Reserves, reserves)
	p.TotalShares = totalShares
	p.Providers = make(map[types.UserID]int64, len(providers))
	for u, s := range providers {
		p.Providers[u] = s
	}
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
