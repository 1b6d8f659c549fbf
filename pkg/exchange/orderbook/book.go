package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
)

// Book holds all resting orders for one product and executes price-time
// matching. Bids match highest price first, asks lowest price first, FIFO
// within a price level. Fills always execute at the resting (maker) price.
//
// The book is not locked internally: all mutation goes through the matching
// engine's single-writer executor, which serializes every command.
type Book struct {
	productID string

	// Heap-based best price tracking (O(1) peek)
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price level queues (FIFO matching at each price)
	bids map[int64][]*Order
	asks map[int64][]*Order

	// Order index for O(1) cancellation: order ID -> resting price
	orderIndex map[string]int64

	lastPrice int64 // most recent fill price
}

func NewBook(productID string) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		productID:  productID,
		bidHeap:    bidHeap,
		askHeap:    askHeap,
		bids:       make(map[int64][]*Order),
		asks:       make(map[int64][]*Order),
		orderIndex: make(map[string]int64),
	}
}

func (b *Book) ProductID() string { return b.productID }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (b *Book) bestBid() (int64, bool) {
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return b.bidHeap.Peek(), true
}

func (b *Book) bestAsk() (int64, bool) {
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return b.askHeap.Peek(), true
}

// PeekTop returns the best price and the total resting volume at that price
// for one side of the book. ok is false when the side is empty.
func (b *Book) PeekTop(side Side) (price int64, volume int64, ok bool) {
	var levels map[int64][]*Order
	if side == Bid {
		if price, ok = b.bestBid(); !ok {
			return 0, 0, false
		}
		levels = b.bids
	} else {
		if price, ok = b.bestAsk(); !ok {
			return 0, 0, false
		}
		levels = b.asks
	}
	for _, o := range levels[price] {
		volume += o.Remaining()
	}
	return price, volume, true
}

func (b *Book) rest(o *Order) {
	var levels map[int64][]*Order
	var push func(int64)
	if o.Side == Bid {
		levels = b.bids
		push = func(p int64) { heap.Push(b.bidHeap, p) }
	} else {
		levels = b.asks
		push = func(p int64) { heap.Push(b.askHeap, p) }
	}

	if len(levels[o.Price]) == 0 {
		push(o.Price)
	}
	levels[o.Price] = append(levels[o.Price], o)
	b.orderIndex[o.ID] = o.Price
}

// removeResting drops an order from its price level, cleaning up the level
// and heap entry when the level empties. Returns false if not resting.
func (b *Book) removeResting(o *Order) bool {
	price, ok := b.orderIndex[o.ID]
	if !ok {
		return false
	}

	levels := b.bids
	if o.Side == Ask {
		levels = b.asks
	}

	arr := levels[price]
	for i, r := range arr {
		if r.ID == o.ID {
			levels[price] = append(arr[:i], arr[i+1:]...)
			if len(levels[price]) == 0 {
				delete(levels, price)
				b.removeFromHeap(o.Side, price)
			}
			delete(b.orderIndex, o.ID)
			return true
		}
	}
	return false
}

// removeFromHeap removes a price level from a heap (O(N) worst case, but rare).
func (b *Book) removeFromHeap(side Side, price int64) {
	if side == Bid {
		for i := 0; i < b.bidHeap.Len(); i++ {
			if (*b.bidHeap)[i] == price {
				heap.Remove(b.bidHeap, i)
				return
			}
		}
		return
	}
	for i := 0; i < b.askHeap.Len(); i++ {
		if (*b.askHeap)[i] == price {
			heap.Remove(b.askHeap, i)
			return
		}
	}
}

// Submit crosses the incoming order against the opposing side while prices
// are compatible, then rests any leftover volume. Fill prices are the resting
// order's price. Returns the fills in execution order.
func (b *Book) Submit(o *Order) ([]Fill, error) {
	if o.IsTerminal() {
		return nil, fmt.Errorf("order %s is terminal (%s)", o.ID, o.Status)
	}
	if _, exists := b.orderIndex[o.ID]; exists {
		return nil, fmt.Errorf("order %s already resting", o.ID)
	}

	var fills []Fill

	for o.Remaining() > 0 {
		maker := b.peekOpposing(o)
		if maker == nil {
			break
		}

		match := min64(o.Remaining(), maker.Remaining())
		price := maker.Price

		o.Filled += match
		maker.Filled += match
		b.lastPrice = price

		fills = append(fills, Fill{Taker: o, Maker: maker, Price: price, Volume: match})

		if maker.Remaining() == 0 {
			maker.Status = Filled
			b.removeResting(maker)
		} else {
			maker.Status = PartiallyFilled
		}
	}

	switch {
	case o.Remaining() == 0:
		o.Status = Filled
	case o.Filled > 0:
		o.Status = PartiallyFilled
		b.rest(o)
	default:
		o.Status = Open
		b.rest(o)
	}

	return fills, nil
}

// peekOpposing returns the first price-compatible maker for o, or nil.
func (b *Book) peekOpposing(o *Order) *Order {
	if o.Side == Bid {
		askP, ok := b.bestAsk()
		if !ok || askP > o.Price {
			return nil
		}
		return b.asks[askP][0]
	}
	bidP, ok := b.bestBid()
	if !ok || bidP < o.Price {
		return nil
	}
	return b.bids[bidP][0]
}

// Cancel removes a resting order from the book and returns it.
// The caller (engine) is responsible for the status transition and for
// releasing the reservation. Returns nil if the order is not resting.
func (b *Book) Cancel(id string) *Order {
	price, ok := b.orderIndex[id]
	if !ok {
		return nil
	}

	for _, levels := range []map[int64][]*Order{b.bids, b.asks} {
		arr, exists := levels[price]
		if !exists {
			continue
		}
		for _, o := range arr {
			if o.ID == id {
				b.removeResting(o)
				return o
			}
		}
	}
	return nil
}

// PlanMatch computes, without mutating the book, the fills an order of the
// given side/price/volume would receive against currently resting liquidity.
// full is true only when the entire volume can execute within the limit price.
// Used for all-or-none bundle legs, which never rest.
func (b *Book) PlanMatch(side Side, limitPrice, volume int64) (plan []Fill, full bool) {
	var prices []int64
	var levels map[int64][]*Order

	if side == Bid {
		levels = b.asks
		for p := range b.asks {
			if p <= limitPrice {
				prices = append(prices, p)
			}
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	} else {
		levels = b.bids
		for p := range b.bids {
			if p >= limitPrice {
				prices = append(prices, p)
			}
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	}

	remaining := volume
	for _, p := range prices {
		for _, maker := range levels[p] {
			if remaining == 0 {
				break
			}
			match := min64(remaining, maker.Remaining())
			if match == 0 {
				continue
			}
			plan = append(plan, Fill{Maker: maker, Price: p, Volume: match})
			remaining -= match
		}
	}

	return plan, remaining == 0
}

// CommitPlan applies a plan produced by PlanMatch for the given taker.
// It verifies each maker is still resting with sufficient remaining volume;
// a mismatch means serialized execution was violated and nothing is applied.
func (b *Book) CommitPlan(taker *Order, plan []Fill) ([]Fill, error) {
	for _, f := range plan {
		if _, resting := b.orderIndex[f.Maker.ID]; !resting {
			return nil, fmt.Errorf("planned maker %s no longer resting", f.Maker.ID)
		}
		if f.Maker.Remaining() < f.Volume {
			return nil, fmt.Errorf("planned maker %s has %d remaining, plan needs %d",
				f.Maker.ID, f.Maker.Remaining(), f.Volume)
		}
	}

	fills := make([]Fill, 0, len(plan))
	for _, f := range plan {
		maker := f.Maker
		taker.Filled += f.Volume
		maker.Filled += f.Volume
		b.lastPrice = f.Price

		if maker.Remaining() == 0 {
			maker.Status = Filled
			b.removeResting(maker)
		} else {
			maker.Status = PartiallyFilled
		}
		fills = append(fills, Fill{Taker: taker, Maker: maker, Price: f.Price, Volume: f.Volume})
	}

	taker.Status = Filled
	return fills, nil
}

// UncommitPlan reverses the fills applied by CommitPlan, restoring maker
// volumes, statuses and book positions. Only used to roll back a bundle when
// a later leg fails to commit.
func (b *Book) UncommitPlan(fills []Fill) {
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		maker := f.Maker
		wasRemoved := maker.Status == Filled

		maker.Filled -= f.Volume
		if maker.Filled == 0 {
			maker.Status = Open
		} else {
			maker.Status = PartiallyFilled
		}

		if wasRemoved {
			b.restFront(maker)
		}
	}
}

// restFront reinserts an order at the head of its price level, preserving its
// original time priority.
func (b *Book) restFront(o *Order) {
	levels := b.bids
	push := func(p int64) { heap.Push(b.bidHeap, p) }
	if o.Side == Ask {
		levels = b.asks
		push = func(p int64) { heap.Push(b.askHeap, p) }
	}

	if len(levels[o.Price]) == 0 {
		push(o.Price)
	}
	levels[o.Price] = append([]*Order{o}, levels[o.Price]...)
	b.orderIndex[o.ID] = o.Price
}

// BidLevels returns all bid price levels sorted high to low (best bid first).
func (b *Book) BidLevels() []PriceLevel {
	return aggregateLevels(b.bids, func(i, j int64) bool { return i > j })
}

// AskLevels returns all ask price levels sorted low to high (best ask first).
func (b *Book) AskLevels() []PriceLevel {
	return aggregateLevels(b.asks, func(i, j int64) bool { return i < j })
}

func aggregateLevels(levels map[int64][]*Order, less func(i, j int64) bool) []PriceLevel {
	var out []PriceLevel
	for price, orders := range levels {
		if len(orders) == 0 {
			continue
		}
		var total int64
		for _, o := range orders {
			total += o.Remaining()
		}
		out = append(out, PriceLevel{Price: price, Volume: total})
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].Price, out[j].Price) })
	return out
}

// LastPrice returns the price of the most recent fill, 0 if none.
func (b *Book) LastPrice() int64 { return b.lastPrice }
