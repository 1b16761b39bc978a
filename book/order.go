package book

import "fmt"

type Side uint8
type OrderType uint8
type Status uint8

const (
	Buy Side = iota
	Sell
)

const (
	Limit OrderType = iota
	Market
	IOC
	FOK
	GTC
	GFD
)

const (
	Active Status = iota
	Inactive
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the side a taker matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case GTC:
		return "GTC"
	case GFD:
		return "GFD"
	}
	return fmt.Sprintf("OrderType(%d)", uint8(t))
}

// rests reports whether a remainder of this type stays on the book.
func (t OrderType) rests() bool {
	switch t {
	case Limit, GTC, GFD:
		return true
	}
	return false
}

// priced reports whether the type carries a limit price bound.
// Market orders cross at any price.
func (t OrderType) priced() bool {
	return t != Market
}

// ParseSide maps the wire spelling to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy":
		return Buy, nil
	case "SELL", "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: side %q", ErrInvalidOrder, s)
}

// ParseOrderType maps the wire spelling to an OrderType.
func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "LIMIT", "limit":
		return Limit, nil
	case "MARKET", "market":
		return Market, nil
	case "IOC", "ioc":
		return IOC, nil
	case "FOK", "fok":
		return FOK, nil
	case "GTC", "gtc":
		return GTC, nil
	case "GFD", "gfd":
		return GFD, nil
	}
	return 0, fmt.Errorf("%w: order type %q", ErrInvalidOrder, s)
}

// Order is a resting order. Orders are arena-allocated and linked
// intrusively into their price level; the index and the level always
// reference the same instance.
type Order struct {
	ID       uint64
	Side     Side
	Type     OrderType
	Price    int64 // fixed-point micros
	Qty      int64 // remaining
	Original int64
	Owner    string
	Time     int64 // admission timestamp, ns
	Seq      uint64
	Status   Status

	level *priceLevel
	next  *Order
	prev  *Order
}

// Reset clears the order for arena reuse.
func (o *Order) Reset() { *o = Order{} }

// Incoming is a submit request before admission.
type Incoming struct {
	ID    uint64
	Side  Side
	Type  OrderType
	Price int64
	Qty   int64
	Owner string
}

// Open is a read-only view of a resting order.
type Open struct {
	ID        uint64
	Side      Side
	Type      OrderType
	Price     int64
	Remaining int64
	Original  int64
	Owner     string
	Time      int64
	Seq       uint64
}

// Trade is the immutable record of one fill. Price is always the
// resting (maker) order's limit price.
type Trade struct {
	ID     uint64 `json:"id"`
	BuyID  uint64 `json:"buyOrderId"`
	SellID uint64 `json:"sellOrderId"`
	Price  int64  `json:"price"`
	Qty    int64  `json:"qty"`
	Time   int64  `json:"ts"`
}

// Level is one aggregated price level in a depth view.
type Level struct {
	Price  int64 `json:"price"`
	Qty    int64 `json:"qty"`
	Orders int   `json:"orders"`
}

func (o *Order) open() Open {
	return Open{
		ID:        o.ID,
		Side:      o.Side,
		Type:      o.Type,
		Price:     o.Price,
		Remaining: o.Qty,
		Original:  o.Original,
		Owner:     o.Owner,
		Time:      o.Time,
		Seq:       o.Seq,
	}
}
