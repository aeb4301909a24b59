// Package types holds the identifiers, enums and wire structs shared by the
// matching core. Everything is keyed by stable string IDs rather than
// pointers so that ownership can sit with the per-market writer and the
// ledger without reference cycles.
package types

import (
	"time"

	"github.com/google/uuid"
)

type (
	UserID   string
	MarketID string
	OrderID  string
	TradeID  string
)

// NewOrderID / NewTradeID mint random identifiers.
func NewOrderID() OrderID { return OrderID(uuid.NewString()) }
func NewTradeID() TradeID { return TradeID(uuid.NewString()) }

type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderKind int8

const (
	KindLimit OrderKind = iota
	KindMarket
)

func (k OrderKind) String() string {
	if k == KindMarket {
		return "market"
	}
	return "limit"
}

type OrderState int8

const (
	OrderOpen OrderState = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderRejected
)

func (s OrderState) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartiallyFilled:
		return "partially-filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "rejected"
	}
}

// Terminal reports whether the order can no longer change.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// PriceScale is the integer tick grid: prices are basis-point
// probabilities in [1, PriceScale-1] and a winning share pays PriceScale
// ticks. All monetary products are computed in integer ticks.
const PriceScale int64 = 10000

// Order is the mutable record owned by the book that accepted it until it
// reaches a terminal state. Price is in ticks; Size and Filled are integer
// share counts.
type Order struct {
	ID         OrderID    `json:"id"`
	MarketID   MarketID   `json:"market_id"`
	UserID     UserID     `json:"user_id"`
	Side       Side       `json:"side"`
	Outcome    int        `json:"outcome"`
	Kind       OrderKind  `json:"kind"`
	Price      int64      `json:"price"`
	Size       int64      `json:"size"`
	Filled     int64      `json:"filled"`
	State      OrderState `json:"state"`
	SubmitTime time.Time  `json:"submit_time"`
	UpdateTime time.Time  `json:"update_time"`
}

// Residual is the unfilled remainder.
func (o *Order) Residual() int64 { return o.Size - o.Filled }

// Trade is immutable once emitted. For swaps against a pool, the pool
// side's order id (SellOrderID on a user buy, BuyOrderID on a user sell)
// carries the AMM pseudo-id.
type Trade struct {
	ID          TradeID  `json:"id"`
	MarketID    MarketID `json:"market_id"`
	BuyOrderID  OrderID  `json:"buy_order_id"`
	SellOrderID OrderID  `json:"sell_order_id"`
	Buyer       UserID   `json:"buyer"`
	Seller      UserID   `json:"seller"`
	Outcome     int      `json:"outcome"`
	Price       int64    `json:"price"`
	Size        int64    `json:"size"`
	Time        time.Time `json:"time"`
}

// Position is a signed share count per (user, market, outcome); shorts are
// negative. CostBasis is the net collateral consumed by the position in
// ticks (pays minus redemptions), RealizedPnL accumulates on closes.
type Position struct {
	MarketID    MarketID `json:"market_id"`
	Outcome     int      `json:"outcome"`
	Size        int64    `json:"size"`
	CostBasis   int64    `json:"cost_basis"`
	OpenCost    int64    `json:"open_cost"`
	RealizedPnL int64    `json:"realized_pnl"`
}

// AccountSnapshot is the read-only view handed to the risk gate and to
// external callers.
type AccountSnapshot struct {
	UserID    UserID     `json:"user_id"`
	Available int64      `json:"available"`
	Reserved  int64      `json:"reserved"`
	Positions []Position `json:"positions"`
}

// UserProfile carries the admission attributes the gate needs. The core
// does not verify identity; the flags are handed to it.
type UserProfile struct {
	UserID     UserID `json:"user_id"`
	Accredited bool   `json:"accredited"`
}

// SubmitResult is returned by the coordinator for an accepted order.
type SubmitResult struct {
	OrderID  OrderID    `json:"order_id"`
	Trades   []Trade    `json:"trades"`
	Residual int64      `json:"residual"`
	State    OrderState `json:"state"`
}

// CancelResult reports the collateral released by a cancel. Noop marks an
// idempotent cancel of an already-terminal order.
type CancelResult struct {
	OrderID  OrderID `json:"order_id"`
	Released int64   `json:"released"`
	Noop     bool    `json:"noop"`
}
