package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agora/book"
	"agora/infra/metrics"
	"agora/infra/sequence"
)

// Journal records accepted mutations for audit and export. The engine
// appends after the book applies a command, still under the write lock,
// so journal order equals apply order.
type Journal interface {
	Submit(in book.Incoming, seq uint64, ts int64) error
	Cancel(id uint64, ts int64) error
	Modify(id uint64, price, qty int64, seq uint64, ts int64) error
	Clear(ts int64) error
	DayReset(ts int64, purged int) error
	Close() error
}

// Tape persists executed trades for downstream publication.
type Tape interface {
	Append(trades []book.Trade) error
	Close() error
}

// TradeSink receives the trades of one operation after the write lock
// is released. Callbacks run on the submitting goroutine.
type TradeSink func(trades []book.Trade)

// Snapshot is a consistent view of the book taken under the read lock.
type Snapshot struct {
	Seq        uint64       `json:"seq"`
	Time       int64        `json:"ts"`
	OpenOrders int          `json:"openOrders"`
	Bids       []book.Level `json:"bids"`
	Asks       []book.Level `json:"asks"`
}

// Engine is the only write entry point to the book. Every mutation
// takes the write lock, every read view takes the read lock, and the
// stats accumulator is synchronized on its own.
type Engine struct {
	mu    sync.RWMutex
	book  *book.Book
	seq   *sequence.Sequencer
	stats *stats

	clock Clock
	log   *zap.Logger

	journal Journal
	tape    Tape
	mon     *metrics.Monitor
	sink    TradeSink

	resetHour   int
	resetMinute int
	lastReset   time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithJournal attaches a command journal. The engine closes it on Close.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithTape attaches a trade tape. The engine closes it on Close.
func WithTape(t Tape) Option {
	return func(e *Engine) { e.tape = t }
}

// WithMetrics attaches a metrics monitor.
func WithMetrics(m *metrics.Monitor) Option {
	return func(e *Engine) { e.mon = m }
}

// WithTradeSink attaches a per-operation trade callback.
func WithTradeSink(fn TradeSink) Option {
	return func(e *Engine) { e.sink = fn }
}

// New builds an Engine around b. The day reset defaults to 15:59 and
// can be changed with SetDayReset.
func New(b *book.Book, opts ...Option) *Engine {
	e := &Engine{
		book:        b,
		seq:         sequence.New(0),
		stats:       &stats{},
		clock:       realClock{},
		log:         zap.NewNop(),
		resetHour:   15,
		resetMinute: 59,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates and applies one incoming order. On acceptance it
// returns the trades the order produced, oldest first. On rejection the
// book is unchanged and the error wraps one of the book sentinels.
func (e *Engine) Submit(in book.Incoming) ([]book.Trade, error) {
	start := e.clock.Now()
	ts := start.UnixNano()

	e.mu.Lock()
	if err := e.book.Validate(in); err != nil {
		e.mu.Unlock()
		e.reject(in, err)
		return nil, err
	}
	seq := e.seq.Next()
	trades, err := e.book.Submit(in, seq, ts)
	if err != nil {
		e.mu.Unlock()
		e.reject(in, err)
		return nil, err
	}
	e.record(opSubmit, in.ID, seq, ts, in, trades)
	open, bidLv, askLv, bb, ba := e.gaugesLocked()
	e.mu.Unlock()

	lat := e.clock.Now().Sub(start)
	qty := tradedQty(trades)
	e.stats.submit(len(trades), qty, lat)
	e.mon.RecordOrderAccepted(in.Side.String(), in.Type.String())
	e.mon.RecordTrades(len(trades), qty)
	e.mon.RecordSubmitLatency(lat)
	e.mon.UpdateBook(open, bidLv, askLv, bb, ba)
	e.log.Debug("order accepted",
		zap.Uint64("id", in.ID),
		zap.String("side", in.Side.String()),
		zap.String("type", in.Type.String()),
		zap.Int64("price", in.Price),
		zap.Int64("qty", in.Qty),
		zap.Int("trades", len(trades)),
	)
	e.emit(trades)
	return trades, nil
}

// Cancel removes a resting order and returns its final open view.
func (e *Engine) Cancel(id uint64) (book.Open, error) {
	ts := e.clock.Now().UnixNano()

	e.mu.Lock()
	o, err := e.book.Cancel(id)
	if err != nil {
		e.mu.Unlock()
		return book.Open{}, err
	}
	e.record(opCancel, id, 0, ts, book.Incoming{}, nil)
	open, bidLv, askLv, bb, ba := e.gaugesLocked()
	e.mu.Unlock()

	e.stats.cancel()
	e.mon.RecordOrderCanceled()
	e.mon.UpdateBook(open, bidLv, askLv, bb, ba)
	e.log.Debug("order canceled", zap.Uint64("id", id), zap.Int64("remaining", o.Remaining))
	return o, nil
}

// Modify replaces a resting order with new price and quantity. The
// replacement keeps the order id, side, type and owner but joins the
// queue as the newest arrival and matches like a fresh submit.
func (e *Engine) Modify(id uint64, price, qty int64) ([]book.Trade, error) {
	start := e.clock.Now()
	ts := start.UnixNano()

	e.mu.Lock()
	seq := e.seq.Next()
	trades, err := e.book.Modify(id, price, qty, seq, ts)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.record(opModify, id, seq, ts, book.Incoming{Price: price, Qty: qty}, trades)
	open, bidLv, askLv, bb, ba := e.gaugesLocked()
	e.mu.Unlock()

	lat := e.clock.Now().Sub(start)
	traded := tradedQty(trades)
	e.stats.modify(len(trades), traded, lat)
	e.mon.RecordOrderModified()
	e.mon.RecordTrades(len(trades), traded)
	e.mon.RecordSubmitLatency(lat)
	e.mon.UpdateBook(open, bidLv, askLv, bb, ba)
	e.log.Debug("order modified",
		zap.Uint64("id", id),
		zap.Int64("price", price),
		zap.Int64("qty", qty),
		zap.Int("trades", len(trades)),
	)
	e.emit(trades)
	return trades, nil
}

// Clear drops every resting order and returns how many were removed.
func (e *Engine) Clear() int {
	ts := e.clock.Now().UnixNano()

	e.mu.Lock()
	n := e.book.Clear()
	e.record(opClear, 0, 0, ts, book.Incoming{}, nil)
	open, bidLv, askLv, bb, ba := e.gaugesLocked()
	e.mu.Unlock()

	e.mon.UpdateBook(open, bidLv, askLv, bb, ba)
	e.log.Info("book cleared", zap.Int("removed", n))
	return n
}

// Snapshot returns the top max levels per side together with the
// admission sequence the view reflects. max <= 0 means all levels.
func (e *Engine) Snapshot(max int) Snapshot {
	e.mu.RLock()
	bids, asks := e.book.Depth(max)
	snap := Snapshot{
		Seq:        e.seq.Current(),
		Time:       e.clock.Now().UnixNano(),
		OpenOrders: e.book.Len(),
		Bids:       bids,
		Asks:       asks,
	}
	e.mu.RUnlock()
	return snap
}

// Best returns the current best quotes. A false flag means the side is
// empty.
func (e *Engine) Best() (bid, ask int64, haveBid, haveAsk bool) {
	e.mu.RLock()
	bid, haveBid = e.book.BestBid()
	ask, haveAsk = e.book.BestAsk()
	e.mu.RUnlock()
	return bid, ask, haveBid, haveAsk
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() StatsView {
	return e.stats.view()
}

// SetDayReset moves the daily boundary. Hour runs 0-23, minute 0-59.
func (e *Engine) SetDayReset(hour, minute int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("engine: day reset %02d:%02d out of range", hour, minute)
	}
	e.mu.Lock()
	e.resetHour = hour
	e.resetMinute = minute
	e.mu.Unlock()
	return nil
}

// Maintain runs the day-reset check against now. On the first call at
// or after the boundary of a day not yet reset it purges good-for-day
// orders and rolls the daily counters. It reports whether a reset ran.
func (e *Engine) Maintain(now time.Time) (bool, error) {
	e.mu.Lock()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), e.resetHour, e.resetMinute, 0, 0, now.Location())
	if now.Before(boundary) || !e.lastReset.Before(boundary) {
		e.mu.Unlock()
		return false, nil
	}
	purged, err := e.book.PurgeGFD()
	if err != nil {
		e.mu.Unlock()
		return false, fmt.Errorf("engine: day reset: %w", err)
	}
	e.lastReset = now
	ts := now.UnixNano()
	if e.journal != nil {
		if jerr := e.journal.DayReset(ts, purged); jerr != nil {
			e.log.Error("journal day reset failed", zap.Error(jerr))
		}
	}
	open, bidLv, askLv, bb, ba := e.gaugesLocked()
	e.mu.Unlock()

	e.stats.purge(purged)
	e.stats.rollDay()
	e.mon.RecordGFDPurge(purged)
	e.mon.UpdateBook(open, bidLv, askLv, bb, ba)
	e.log.Info("day reset",
		zap.Time("at", now),
		zap.Int("gfdPurged", purged),
	)
	return true, nil
}

// Check validates the book invariants under the read lock.
func (e *Engine) Check() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Check()
}

// Close releases the attached journal and tape.
func (e *Engine) Close() error {
	var first error
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			first = fmt.Errorf("engine: close journal: %w", err)
		}
	}
	if e.tape != nil {
		if err := e.tape.Close(); err != nil && first == nil {
			first = fmt.Errorf("engine: close tape: %w", err)
		}
	}
	return first
}

type opKind uint8

const (
	opSubmit opKind = iota
	opCancel
	opModify
	opClear
)

// record journals the accepted mutation and appends its trades to the
// tape. Both failures degrade to log errors: the book already applied
// the command, so the operation itself must not fail.
func (e *Engine) record(kind opKind, id, seq uint64, ts int64, in book.Incoming, trades []book.Trade) {
	if e.journal != nil {
		var err error
		switch kind {
		case opSubmit:
			err = e.journal.Submit(in, seq, ts)
		case opCancel:
			err = e.journal.Cancel(id, ts)
		case opModify:
			err = e.journal.Modify(id, in.Price, in.Qty, seq, ts)
		case opClear:
			err = e.journal.Clear(ts)
		}
		if err != nil {
			e.log.Error("journal append failed", zap.Uint64("id", id), zap.Error(err))
		}
	}
	if e.tape != nil && len(trades) > 0 {
		if err := e.tape.Append(trades); err != nil {
			e.log.Error("tape append failed", zap.Int("trades", len(trades)), zap.Error(err))
		}
	}
}

func (e *Engine) reject(in book.Incoming, err error) {
	e.stats.reject()
	e.mon.RecordOrderRejected(book.RejectReason(err))
	e.log.Debug("order rejected",
		zap.Uint64("id", in.ID),
		zap.String("reason", book.RejectReason(err)),
		zap.Error(err),
	)
}

func (e *Engine) emit(trades []book.Trade) {
	if e.sink != nil && len(trades) > 0 {
		e.sink(trades)
	}
}

func (e *Engine) gaugesLocked() (open, bidLv, askLv int, bestBid, bestAsk int64) {
	open = e.book.Len()
	bidLv, askLv = e.book.Levels()
	bestBid, _ = e.book.BestBid()
	bestAsk, _ = e.book.BestAsk()
	return open, bidLv, askLv, bestBid, bestAsk
}

func tradedQty(trades []book.Trade) int64 {
	var total int64
	for _, t := range trades {
		total += t.Qty
	}
	return total
}
