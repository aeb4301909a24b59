// Package risk implements the pre-trade admission checks. The gate is a
// pure function of the inputs handed to it: no I/O, no locks, so it is
// cheap enough to run inside the market writer on every order.
package risk

import (
	"fmt"

	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/types"
)

// Input bundles everything the gate looks at. Snapshot must reflect the
// user's balances at admission time; the caller supplies it.
type Input struct {
	User     types.UserProfile
	Snapshot types.AccountSnapshot
	Market   *market.Market
	Order    *types.Order

	// RequiredReserve is the collateral the engine would reserve for the
	// order (price*size for a buy, (scale-price)*size for a sell; the
	// planned cost for market orders).
	RequiredReserve int64

	// MaxPrice bounds limit prices, normally PriceScale-1.
	MaxPrice int64
}

// Check runs the admission checks in order and returns the first failure.
func Check(in Input) error {
	m, o := in.Market, in.Order

	// 1. Market exists and is tradable.
	if m == nil {
		return types.ErrUnknownMarket
	}
	if !m.Tradable() {
		return fmt.Errorf("%w: market %s is %s", types.ErrMarketNotTradable, m.ID, m.State)
	}

	// 2. User permitted for the market.
	if m.AccreditedOnly && !in.User.Accredited {
		return fmt.Errorf("%w: market %s", types.ErrNotAccredited, m.ID)
	}

	// 3. Size and price in legal range.
	if o.Size <= 0 {
		return types.ErrInvalidSize
	}
	if o.Outcome < 0 || o.Outcome >= len(m.Outcomes) {
		return fmt.Errorf("%w: outcome %d out of range", types.ErrInvalidPrice, o.Outcome)
	}
	if o.Kind == types.KindLimit {
		if o.Price < 1 || o.Price > in.MaxPrice {
			return fmt.Errorf("%w: %d not in [1, %d]", types.ErrInvalidPrice, o.Price, in.MaxPrice)
		}
	}

	// 4. Projected position within the per-user cap.
	if m.PositionCap > 0 {
		current := int64(0)
		for _, p := range in.Snapshot.Positions {
			if p.MarketID == m.ID && p.Outcome == o.Outcome {
				current = p.Size
			}
		}
		projected := current
		if o.Side == types.Buy {
			projected += o.Size
		} else {
			projected -= o.Size
		}
		if projected > m.PositionCap || -projected > m.PositionCap {
			return fmt.Errorf("%w: projected %d exceeds cap %d", types.ErrOverLimit, projected, m.PositionCap)
		}
	}

	// 5. Balance covers the reservation the engine would request.
	if in.Snapshot.Available < in.RequiredReserve {
		return fmt.Errorf("%w: have %d, need %d", types.ErrInsufficientFunds,
			in.Snapshot.Available, in.RequiredReserve)
	}
	return nil
}
