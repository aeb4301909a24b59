// Package orderbook implements one central limit order book per
// (market, outcome) with strict price-time priority: bids descending by
// price, asks ascending, FIFO within a level, maker price on every fill.
//
// A Book is not internally locked. It is owned and mutated only by its
// market's writer goroutine; matching is split into a read-only Plan pass
// and an Apply pass so the writer can reserve collateral and settle fills
// between the two without ever rolling the book back.
package orderbook

import (
	"container/heap"
	"sort"

	"github.com/fundcast/engine/pkg/exchange/types"
)

// Fill pairs an incoming order with one resting maker. Price is the
// maker's price.
type Fill struct {
	Maker *types.Order
	Price int64
	Size  int64
}

type Book struct {
	market  types.MarketID
	outcome int

	// Heap-based best price tracking, price level queues FIFO.
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap
	bids    map[int64][]*types.Order
	asks    map[int64][]*types.Order

	// Order index for O(1) cancellation.
	orders  map[types.OrderID]*types.Order
	priceOf map[types.OrderID]int64
}

func New(market types.MarketID, outcome int) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)
	return &Book{
		market:  market,
		outcome: outcome,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[int64][]*types.Order),
		asks:    make(map[int64][]*types.Order),
		orders:  make(map[types.OrderID]*types.Order),
		priceOf: make(map[types.OrderID]int64),
	}
}

func (b *Book) BestBid() (int64, bool) {
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return b.bidHeap.Peek(), true
}

func (b *Book) BestAsk() (int64, bool) {
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return b.askHeap.Peek(), true
}

// crosses reports whether an incoming order would trade at the given
// opposing level. Market orders cross unconditionally.
func crosses(o *types.Order, level int64) bool {
	if o.Kind == types.KindMarket {
		return true
	}
	if o.Side == types.Buy {
		return level <= o.Price
	}
	return level >= o.Price
}

// opposingPrices returns the opposing side's price levels in matching
// order (asks ascending for a buy, bids descending for a sell).
func (b *Book) opposingPrices(side types.Side) []int64 {
	var m map[int64][]*types.Order
	if side == types.Buy {
		m = b.asks
	} else {
		m = b.bids
	}
	prices := make([]int64, 0, len(m))
	for p := range m {
		prices = append(prices, p)
	}
	if side == types.Buy {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	} else {
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	}
	return prices
}

// Plan walks the opposing side and returns the fills the incoming order
// would produce, without mutating anything. Resting orders owned by the
// same user are skipped when preventSelfTrade is set; they stay on the
// book untouched.
func (b *Book) Plan(o *types.Order, preventSelfTrade bool) []Fill {
	var fills []Fill
	residual := o.Residual()

	opposing := b.bids
	if o.Side == types.Buy {
		opposing = b.asks
	}
	for _, price := range b.opposingPrices(o.Side) {
		if residual == 0 || !crosses(o, price) {
			break
		}
		for _, maker := range opposing[price] {
			if residual == 0 {
				break
			}
			if preventSelfTrade && maker.UserID == o.UserID {
				continue
			}
			size := min64(residual, maker.Residual())
			fills = append(fills, Fill{Maker: maker, Price: price, Size: size})
			residual -= size
		}
	}
	return fills
}

// Apply commits a previously planned set of fills: maker residuals are
// decremented, fully filled makers leave the book, and the incoming
// order's filled size advances. The incoming order does not rest here;
// the caller decides between Rest and cancellation for any residual.
func (b *Book) Apply(o *types.Order, fills []Fill) {
	for _, f := range fills {
		f.Maker.Filled += f.Size
		o.Filled += f.Size
		if f.Maker.Residual() == 0 {
			f.Maker.State = types.OrderFilled
			b.remove(f.Maker.ID)
		} else {
			f.Maker.State = types.OrderPartiallyFilled
		}
	}
	if o.Filled == o.Size {
		o.State = types.OrderFilled
	} else if o.Filled > 0 {
		o.State = types.OrderPartiallyFilled
	}
}

// Rest places a limit order's residual on its own side at its price level,
// behind everything already queued there.
func (b *Book) Rest(o *types.Order) {
	side := b.bids
	if o.Side == types.Sell {
		side = b.asks
	}
	if len(side[o.Price]) == 0 {
		if o.Side == types.Buy {
			heap.Push(b.bidHeap, o.Price)
		} else {
			heap.Push(b.askHeap, o.Price)
		}
	}
	side[o.Price] = append(side[o.Price], o)
	b.orders[o.ID] = o
	b.priceOf[o.ID] = o.Price
}

// Cancel removes a resting order and returns it with true. Returns nil and
// false when the id is not resting here (already terminal or never rested).
func (b *Book) Cancel(id types.OrderID) (*types.Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	b.remove(id)
	return o, true
}

// Order returns a resting order by id.
func (b *Book) Order(id types.OrderID) (*types.Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

func (b *Book) remove(id types.OrderID) {
	price, ok := b.priceOf[id]
	if !ok {
		return
	}
	o := b.orders[id]
	delete(b.orders, id)
	delete(b.priceOf, id)

	side, h := b.bids, (heap.Interface)(b.bidHeap)
	if o.Side == types.Sell {
		side, h = b.asks, b.askHeap
	}
	arr := side[price]
	for i, resting := range arr {
		if resting.ID == id {
			side[price] = append(arr[:i], arr[i+1:]...)
			break
		}
	}
	if len(side[price]) == 0 {
		delete(side, price)
		removePrice(h, price)
	}
}

func removePrice(h heap.Interface, price int64) {
	switch hp := h.(type) {
	case *MaxPriceHeap:
		for i := 0; i < hp.Len(); i++ {
			if (*hp)[i] == price {
				heap.Remove(hp, i)
				return
			}
		}
	case *MinPriceHeap:
		for i := 0; i < hp.Len(); i++ {
			if (*hp)[i] == price {
				heap.Remove(hp, i)
				return
			}
		}
	}
}

// Resting returns every live order, bids before asks, price-time order.
// Used for checkpoints and for cancelling a whole book on resolution.
func (b *Book) Resting() []*types.Order {
	var out []*types.Order
	bidPrices := b.opposingPrices(types.Sell) // bids descending
	for _, p := range bidPrices {
		out = append(out, b.bids[p]...)
	}
	askPrices := b.opposingPrices(types.Buy) // asks ascending
	for _, p := range askPrices {
		out = append(out, b.asks[p]...)
	}
	return out
}

// Restore rebuilds the book from checkpointed orders.
func (b *Book) Restore(orders []*types.Order) {
	for _, o := range orders {
		b.Rest(o)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
