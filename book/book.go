package book

import (
	"fmt"

	"agora/infra/memory"
)

// Book holds both sides of the market and the index of resting orders.
// Orders come from a shared arena and are released the moment they
// leave the book. All methods assume a single writer.
type Book struct {
	bids  *tree
	asks  *tree
	index map[uint64]*Order
	arena *memory.Pool[Order]

	tradeSeq uint64
}

func New() *Book {
	return &Book{
		bids:  newTree(),
		asks:  newTree(),
		index: make(map[uint64]*Order),
		arena: memory.NewPool(func() *Order { return new(Order) }),
	}
}

// Validate checks an incoming order without touching the book. A
// duplicate id outranks the field checks.
func (b *Book) Validate(in Incoming) error {
	if in.Side != Buy && in.Side != Sell {
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, in.Side)
	}
	if in.Type > GFD {
		return fmt.Errorf("%w: type %d", ErrInvalidOrder, in.Type)
	}
	if _, ok := b.index[in.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrOrderExists, in.ID)
	}
	if in.Qty <= 0 {
		return fmt.Errorf("%w: qty %d", ErrInvalidQuantity, in.Qty)
	}
	if in.Type.priced() && in.Price <= 0 {
		return fmt.Errorf("%w: price %d", ErrInvalidPrice, in.Price)
	}
	return nil
}

// Submit validates the order, matches it against the opposing side,
// and rests or discards the remainder according to its type. seq is
// the admission sequence, now the admission timestamp in ns. Nothing
// is mutated on a validation or fill-or-kill reject.
func (b *Book) Submit(in Incoming, seq uint64, now int64) ([]Trade, error) {
	if err := b.Validate(in); err != nil {
		return nil, err
	}
	if in.Type == FOK && b.available(in.Side, in.Price, in.Qty) < in.Qty {
		return nil, fmt.Errorf("%w: id %d needs %d", ErrFillOrKill, in.ID, in.Qty)
	}

	o := b.arena.Get()
	*o = Order{
		ID:       in.ID,
		Side:     in.Side,
		Type:     in.Type,
		Price:    in.Price,
		Qty:      in.Qty,
		Original: in.Qty,
		Owner:    in.Owner,
		Time:     now,
		Seq:      seq,
		Status:   Active,
	}

	trades, err := b.match(o, now)
	if err != nil {
		return trades, err
	}

	if o.Qty > 0 && o.Type.rests() {
		b.rest(o)
		return trades, nil
	}
	o.Status = Inactive
	b.release(o)
	return trades, nil
}

// Cancel removes a resting order by id. Unknown, already filled, and
// already canceled ids all come back as ErrOrderNotFound; the book is
// unchanged in every error case.
func (b *Book) Cancel(id uint64) (Open, error) {
	o, ok := b.index[id]
	if !ok {
		return Open{}, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	view := o.open()
	if err := b.remove(o); err != nil {
		return Open{}, err
	}
	return view, nil
}

// Modify atomically replaces a resting order's price and quantity
// under the same id. The replacement keeps side, type, and owner,
// takes a fresh admission sequence and timestamp, and therefore loses
// time priority in all cases. It runs the full submit path and may
// trade immediately.
func (b *Book) Modify(id uint64, price, qty int64, seq uint64, now int64) ([]Trade, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	// Reject a bad replacement before the cancel happens.
	if qty <= 0 {
		return nil, fmt.Errorf("%w: qty %d", ErrInvalidQuantity, qty)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: price %d", ErrInvalidPrice, price)
	}
	in := Incoming{ID: id, Side: o.Side, Type: o.Type, Price: price, Qty: qty, Owner: o.Owner}
	if err := b.remove(o); err != nil {
		return nil, err
	}
	return b.Submit(in, seq, now)
}

// PurgeGFD removes every resting good-for-day order. The engine's day
// reset calls this under the write lock.
func (b *Book) PurgeGFD() (int, error) {
	var victims []*Order
	collect := func(l *priceLevel) bool {
		for o := l.head; o != nil; o = o.next {
			if o.Type == GFD {
				victims = append(victims, o)
			}
		}
		return true
	}
	b.bids.descend(collect)
	b.asks.ascend(collect)
	for _, o := range victims {
		if err := b.remove(o); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// Clear drops every resting order from both sides.
func (b *Book) Clear() int {
	n := len(b.index)
	for id, o := range b.index {
		delete(b.index, id)
		o.Status = Inactive
		b.release(o)
	}
	b.bids.clear()
	b.asks.clear()
	return n
}

// BestBid returns the highest resting buy price.
func (b *Book) BestBid() (int64, bool) {
	if l := b.bids.max(); l != nil {
		return l.Price, true
	}
	return 0, false
}

// BestAsk returns the lowest resting sell price.
func (b *Book) BestAsk() (int64, bool) {
	if l := b.asks.min(); l != nil {
		return l.Price, true
	}
	return 0, false
}

// Depth returns up to max aggregated levels per side, best price
// first. max <= 0 means every level. The result shares no memory with
// the book.
func (b *Book) Depth(max int) (bids, asks []Level) {
	take := func(out *[]Level) func(*priceLevel) bool {
		return func(l *priceLevel) bool {
			*out = append(*out, Level{Price: l.Price, Qty: l.TotalQty, Orders: l.OrderCount})
			return max <= 0 || len(*out) < max
		}
	}
	b.bids.descend(take(&bids))
	b.asks.ascend(take(&asks))
	return bids, asks
}

// Len reports the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Levels reports the number of distinct price levels per side.
func (b *Book) Levels() (bids, asks int) { return b.bids.len(), b.asks.len() }

// RestingQty sums the remaining quantity on one side.
func (b *Book) RestingQty(s Side) int64 {
	var sum int64
	b.treeFor(s).ascend(func(l *priceLevel) bool {
		sum += l.TotalQty
		return true
	})
	return sum
}

// Check walks the whole book verifying the structural invariants:
// level aggregates equal the sum of member remainders, every member
// is indexed, and the index holds nothing else. Intended for tests
// and diagnostics.
func (b *Book) Check() error {
	members := 0
	var err error
	verify := func(side Side) func(*priceLevel) bool {
		return func(l *priceLevel) bool {
			var qty int64
			count := 0
			for o := l.head; o != nil; o = o.next {
				if o.Side != side {
					err = fmt.Errorf("%w: order %d on wrong side at level %d", ErrInvariant, o.ID, l.Price)
					return false
				}
				if o.level != l {
					err = fmt.Errorf("%w: order %d level pointer mismatch at %d", ErrInvariant, o.ID, l.Price)
					return false
				}
				if indexed, ok := b.index[o.ID]; !ok || indexed != o {
					err = fmt.Errorf("%w: order %d not indexed", ErrInvariant, o.ID)
					return false
				}
				qty += o.Qty
				count++
				members++
			}
			if count == 0 {
				err = fmt.Errorf("%w: empty level %d retained", ErrInvariant, l.Price)
				return false
			}
			if qty != l.TotalQty {
				err = fmt.Errorf("%w: level %d qty %d != sum %d", ErrInvariant, l.Price, l.TotalQty, qty)
				return false
			}
			if count != l.OrderCount {
				err = fmt.Errorf("%w: level %d count %d != members %d", ErrInvariant, l.Price, l.OrderCount, count)
				return false
			}
			return true
		}
	}
	b.bids.descend(verify(Buy))
	if err != nil {
		return err
	}
	b.asks.ascend(verify(Sell))
	if err != nil {
		return err
	}
	if members != len(b.index) {
		return fmt.Errorf("%w: index size %d != members %d", ErrInvariant, len(b.index), members)
	}
	return nil
}

// ---------------- internals ---------------- //

// match fills o against the opposing side while it crosses. Trades
// execute at the maker level's price, oldest resting order first.
func (b *Book) match(o *Order, now int64) ([]Trade, error) {
	var trades []Trade
	for o.Qty > 0 {
		var best *priceLevel
		if o.Side == Buy {
			best = b.asks.min()
			if best == nil || (o.Type.priced() && best.Price > o.Price) {
				break
			}
		} else {
			best = b.bids.max()
			if best == nil || (o.Type.priced() && best.Price < o.Price) {
				break
			}
		}

		maker := best.head
		if maker == nil || maker.Qty <= 0 {
			return trades, fmt.Errorf("%w: unfillable head at level %d", ErrInvariant, best.Price)
		}

		qty := min(o.Qty, maker.Qty)
		o.Qty -= qty
		maker.Qty -= qty
		best.reduce(qty)

		b.tradeSeq++
		t := Trade{ID: b.tradeSeq, Price: best.Price, Qty: qty, Time: now}
		if o.Side == Buy {
			t.BuyID, t.SellID = o.ID, maker.ID
		} else {
			t.BuyID, t.SellID = maker.ID, o.ID
		}
		trades = append(trades, t)

		if maker.Qty == 0 {
			if err := b.remove(maker); err != nil {
				return trades, err
			}
		}
	}
	return trades, nil
}

// available sums the opposing liquidity a taker of this side could
// reach under its limit, stopping once need is covered. Read-only;
// the fill-or-kill pre-scan.
func (b *Book) available(taker Side, limit, need int64) int64 {
	var sum int64
	scan := func(l *priceLevel) bool {
		if taker == Buy && l.Price > limit {
			return false
		}
		if taker == Sell && l.Price < limit {
			return false
		}
		sum += l.TotalQty
		return sum < need
	}
	if taker == Buy {
		b.asks.ascend(scan)
	} else {
		b.bids.descend(scan)
	}
	return sum
}

// rest parks the remainder on its own side. Level and index are
// updated together.
func (b *Book) rest(o *Order) {
	b.treeFor(o.Side).upsert(o.Price).enqueue(o)
	b.index[o.ID] = o
}

// remove takes a resting order out of its level and the index and
// releases it. The empty level is deleted in the same step.
func (b *Book) remove(o *Order) error {
	lvl := o.level
	if lvl == nil {
		return fmt.Errorf("%w: order %d not linked to a level", ErrInvariant, o.ID)
	}
	side, price := o.Side, lvl.Price
	lvl.unlink(o)
	if lvl.empty() {
		if !b.treeFor(side).delete(price) {
			return fmt.Errorf("%w: level %d missing from %s tree", ErrInvariant, price, side)
		}
	}
	delete(b.index, o.ID)
	o.Status = Inactive
	b.release(o)
	return nil
}

func (b *Book) treeFor(s Side) *tree {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) release(o *Order) {
	o.Reset()
	b.arena.Put(o)
}
