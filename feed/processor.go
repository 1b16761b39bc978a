// Package feed mirrors external market data into the local book. The
// processor enforces upstream sequencing, the Binance client and stream
// supply depth snapshots over REST and websocket.
package feed

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"agora/book"
	"agora/engine"
)

// ErrSequenceGap reports an out-of-order upstream message. The message
// is dropped and its sequence is not consumed.
var ErrSequenceGap = errors.New("feed: sequence gap")

// syntheticOwner tags book orders materialized from upstream depth.
const syntheticOwner = "feed"

type MessageKind uint8

const (
	KindNewOrder MessageKind = iota + 1
	KindCancel
	KindModify
	KindTrade
	KindSnapshot
)

func (k MessageKind) String() string {
	switch k {
	case KindNewOrder:
		return "new_order"
	case KindCancel:
		return "cancel"
	case KindModify:
		return "modify"
	case KindTrade:
		return "trade"
	case KindSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// Message is one upstream market data event. Seq orders the whole feed;
// which other fields matter depends on Kind.
type Message struct {
	Kind    MessageKind
	Seq     uint64
	OrderID uint64
	Side    book.Side
	Type    book.OrderType
	Price   int64
	Qty     int64
	Bids    []book.Level
	Asks    []book.Level
}

// Stats counts processed feed traffic.
type Stats struct {
	Messages     uint64 `json:"messages"`
	NewOrders    uint64 `json:"newOrders"`
	Cancels      uint64 `json:"cancels"`
	Modifies     uint64 `json:"modifies"`
	Trades       uint64 `json:"trades"`
	Snapshots    uint64 `json:"snapshots"`
	SequenceGaps uint64 `json:"sequenceGaps"`
}

// Processor applies feed messages to the engine in upstream order.
type Processor struct {
	engine *engine.Engine
	log    *zap.Logger

	mu      sync.Mutex
	lastSeq uint64
	stats   Stats
}

func NewProcessor(eng *engine.Engine, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{engine: eng, log: log}
}

// Process applies one message. Messages at or below the last consumed
// sequence are rejected with ErrSequenceGap; anything higher is accepted,
// so a lossy upstream can skip ahead without stalling the feed.
func (p *Processor) Process(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Messages++
	if msg.Seq <= p.lastSeq {
		p.stats.SequenceGaps++
		return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, p.lastSeq+1, msg.Seq)
	}
	p.lastSeq = msg.Seq

	switch msg.Kind {
	case KindNewOrder:
		if _, err := p.engine.Submit(book.Incoming{
			ID:    msg.OrderID,
			Side:  msg.Side,
			Type:  msg.Type,
			Price: msg.Price,
			Qty:   msg.Qty,
			Owner: syntheticOwner,
		}); err != nil {
			return err
		}
		p.stats.NewOrders++
	case KindCancel:
		if _, err := p.engine.Cancel(msg.OrderID); err != nil {
			return err
		}
		p.stats.Cancels++
	case KindModify:
		if _, err := p.engine.Modify(msg.OrderID, msg.Price, msg.Qty); err != nil {
			return err
		}
		p.stats.Modifies++
	case KindTrade:
		// Informational. The local book already produced its own fills.
		p.stats.Trades++
	case KindSnapshot:
		if err := p.rebuild(msg); err != nil {
			return err
		}
		p.stats.Snapshots++
	default:
		return fmt.Errorf("feed: unknown message kind %d", msg.Kind)
	}
	return nil
}

// ProcessBatch applies messages in order, logging and skipping failures.
// It returns how many applied cleanly.
func (p *Processor) ProcessBatch(msgs []Message) int {
	processed := 0
	for _, msg := range msgs {
		if err := p.Process(msg); err != nil {
			p.log.Warn("feed message dropped",
				zap.String("kind", msg.Kind.String()),
				zap.Uint64("seq", msg.Seq),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed
}

// rebuild replaces the whole book with the snapshot's levels. Each level
// becomes one synthetic GTC order; ids restart from 1 because Clear
// empties the id space.
func (p *Processor) rebuild(msg Message) error {
	p.engine.Clear()
	var id uint64
	for _, lv := range msg.Bids {
		id++
		if _, err := p.engine.Submit(book.Incoming{
			ID:    id,
			Side:  book.Buy,
			Type:  book.GTC,
			Price: lv.Price,
			Qty:   lv.Qty,
			Owner: syntheticOwner,
		}); err != nil {
			return fmt.Errorf("feed: rebuild bid level: %w", err)
		}
	}
	for _, lv := range msg.Asks {
		id++
		if _, err := p.engine.Submit(book.Incoming{
			ID:    id,
			Side:  book.Sell,
			Type:  book.GTC,
			Price: lv.Price,
			Qty:   lv.Qty,
			Owner: syntheticOwner,
		}); err != nil {
			return fmt.Errorf("feed: rebuild ask level: %w", err)
		}
	}
	return nil
}

// LastSeq returns the highest consumed upstream sequence.
func (p *Processor) LastSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq
}

// Stats returns a copy of the feed counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
