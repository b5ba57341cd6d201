package marketplace

import (
	"container/heap"

	"gateway/internal/types"
)

// bidHeap is a max-heap on price (best bid first), tie-broken by earliest
// created_at, then order id, matching the teacher's local order-book mirror
// generalized from a single side to a priced heap per side.
type bidHeap []*types.Order

func (h bidHeap) Len() int { return len(h) }
func (h bidHeap) Less(i, j int) bool {
	if h[i].PriceMicro != h[j].PriceMicro {
		return h[i].PriceMicro > h[j].PriceMicro
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].ID < h[j].ID
}
func (h bidHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bidHeap) Push(x interface{}) { *h = append(*h, x.(*types.Order)) }
func (h *bidHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// askHeap is a min-heap on price (best ask first), same tie-break rule.
type askHeap []*types.Order

func (h askHeap) Len() int { return len(h) }
func (h askHeap) Less(i, j int) bool {
	if h[i].PriceMicro != h[j].PriceMicro {
		return h[i].PriceMicro < h[j].PriceMicro
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].ID < h[j].ID
}
func (h askHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *askHeap) Push(x interface{}) { *h = append(*h, x.(*types.Order)) }
func (h *askHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Book is one trading pair's price-time priority order book.
type Book struct {
	bids bidHeap
	asks askHeap
	byID map[string]*types.Order
}

// NewBook returns an empty order book.
func NewBook() *Book {
	return &Book{byID: make(map[string]*types.Order)}
}

func (b *Book) post(o *types.Order) {
	b.byID[o.ID] = o
	if o.Side == types.SideBid {
		heap.Push(&b.bids, o)
	} else {
		heap.Push(&b.asks, o)
	}
}

// topOpposite returns the best resting order on the opposite side of side,
// without removing it.
func (b *Book) topOpposite(side types.OrderSide) *types.Order {
	if side == types.SideBid {
		if len(b.asks) == 0 {
			return nil
		}
		return b.asks[0]
	}
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// popOpposite removes and returns the best resting order opposite side.
func (b *Book) popOpposite(side types.OrderSide) *types.Order {
	var o *types.Order
	if side == types.SideBid {
		o = heap.Pop(&b.asks).(*types.Order)
	} else {
		o = heap.Pop(&b.bids).(*types.Order)
	}
	delete(b.byID, o.ID)
	return o
}

// requeue pushes o back onto its own side's heap without touching the id
// index, so an order popped off the top of book can be put back
// unconsumed.
func (b *Book) requeue(o *types.Order) {
	if o.Side == types.SideBid {
		heap.Push(&b.bids, o)
	} else {
		heap.Push(&b.asks, o)
	}
}

// crosses reports whether incoming price crosses against resting.
func crosses(incoming types.OrderSide, incomingPrice, restingPrice types.MicroUSD) bool {
	if incoming == types.SideBid {
		return incomingPrice >= restingPrice
	}
	return incomingPrice <= restingPrice
}

// BookSummary is the top-of-book view of one Book, used by the dashboard
// snapshot.
type BookSummary struct {
	BestBidMicro types.MicroUSD
	BestAskMicro types.MicroUSD
	BidDepthLots int64
	AskDepthLots int64
}

// Summary computes the current top-of-book and resting depth.
func (b *Book) Summary() BookSummary {
	var s BookSummary
	if len(b.bids) > 0 {
		s.BestBidMicro = b.bids[0].PriceMicro
	}
	if len(b.asks) > 0 {
		s.BestAskMicro = b.asks[0].PriceMicro
	}
	for _, o := range b.bids {
		s.BidDepthLots += o.LotsRemaining
	}
	for _, o := range b.asks {
		s.AskDepthLots += o.LotsRemaining
	}
	return s
}

// Get returns the order by id, if still resting on the book.
func (b *Book) Get(id string) (*types.Order, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// Remove takes an order off the book (cancellation), returning it.
func (b *Book) Remove(id string) (*types.Order, bool) {
	o, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	delete(b.byID, id)
	if o.Side == types.SideBid {
		removeFromBidHeap(&b.bids, id)
	} else {
		removeFromAskHeap(&b.asks, id)
	}
	return o, true
}

func removeFromBidHeap(h *bidHeap, id string) {
	for i, o := range *h {
		if o.ID == id {
			heap.Remove(h, i)
			return
		}
	}
}

func removeFromAskHeap(h *askHeap, id string) {
	for i, o := range *h {
		if o.ID == id {
			heap.Remove(h, i)
			return
		}
	}
}
