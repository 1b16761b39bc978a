package book

// priceLevel is the FIFO of resting orders at one price. Orders are
// linked intrusively; TotalQty and OrderCount track the sum of member
// remaining quantities and the member count at all times.
type priceLevel struct {
	Price      int64
	head       *Order
	tail       *Order
	TotalQty   int64
	OrderCount int
}

func (p *priceLevel) enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	o.level = p
	p.TotalQty += o.Qty
	p.OrderCount++
}

// unlink removes o from the list. o must be a member; the caller keeps
// index and level in step.
func (p *priceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next = nil
	o.prev = nil
	o.level = nil
	p.TotalQty -= o.Qty
	p.OrderCount--
}

// reduce lowers the aggregate after a partial fill of a member order.
// The member's own Qty is decremented by the caller.
func (p *priceLevel) reduce(qty int64) {
	p.TotalQty -= qty
}

func (p *priceLevel) empty() bool { return p.head == nil }
