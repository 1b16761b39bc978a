// Package tape persists executed trades in a pebble outbox so
// publishers can drain them with at-least-once delivery.
package tape

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"agora/book"
)

// State tracks how far a trade has moved through publication.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one persisted trade together with its publication state.
type Entry struct {
	Trade       book.Trade
	State       State
	Retries     uint32
	LastAttempt int64
}

const entrySize = 13 + 48

// binary encoding: [state:1][retries:4][lastAttempt:8][trade:48]
func encodeEntry(e Entry) []byte {
	buf := make([]byte, entrySize)
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	binary.BigEndian.PutUint64(buf[13:21], e.Trade.ID)
	binary.BigEndian.PutUint64(buf[21:29], e.Trade.BuyID)
	binary.BigEndian.PutUint64(buf[29:37], e.Trade.SellID)
	binary.BigEndian.PutUint64(buf[37:45], uint64(e.Trade.Price))
	binary.BigEndian.PutUint64(buf[45:53], uint64(e.Trade.Qty))
	binary.BigEndian.PutUint64(buf[53:61], uint64(e.Trade.Time))
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) != entrySize {
		return Entry{}, errors.New("tape: invalid entry length")
	}
	return Entry{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Trade: book.Trade{
			ID:     binary.BigEndian.Uint64(b[13:21]),
			BuyID:  binary.BigEndian.Uint64(b[21:29]),
			SellID: binary.BigEndian.Uint64(b[29:37]),
			Price:  int64(binary.BigEndian.Uint64(b[37:45])),
			Qty:    int64(binary.BigEndian.Uint64(b[45:53])),
			Time:   int64(binary.BigEndian.Uint64(b[53:61])),
		},
	}, nil
}

// Tape is the trade outbox.
type Tape struct {
	db *pebble.DB
}

// Open opens or creates the tape at dir.
func Open(dir string) (*Tape, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("tape: open: %w", err)
	}
	return &Tape{db: db}, nil
}

// Close closes the backing store.
func (t *Tape) Close() error {
	return t.db.Close()
}

// Append stores trades as NEW entries in one synced batch.
func (t *Tape) Append(trades []book.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	defer batch.Close()
	for _, tr := range trades {
		e := Entry{Trade: tr, State: StateNew}
		if err := batch.Set(keyFor(tr.ID), encodeEntry(e), nil); err != nil {
			return fmt.Errorf("tape: batch set: %w", err)
		}
	}
	if err := t.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("tape: append: %w", err)
	}
	return nil
}

// Get returns the entry for a trade id.
func (t *Tape) Get(id uint64) (Entry, error) {
	val, closer, err := t.db.Get(keyFor(id))
	if err != nil {
		return Entry{}, err
	}
	defer closer.Close()
	return decodeEntry(val)
}

// UpdateState moves a trade to a new publication state, keeping the
// trade payload and stamping the attempt time.
func (t *Tape) UpdateState(id uint64, state State, retries uint32) error {
	e, err := t.Get(id)
	if err != nil {
		return fmt.Errorf("tape: update state: %w", err)
	}
	e.State = state
	e.Retries = retries
	e.LastAttempt = time.Now().UnixNano()
	return t.db.Set(keyFor(id), encodeEntry(e), pebble.Sync)
}

// Delete removes an entry, normally after it was acked.
func (t *Tape) Delete(id uint64) error {
	return t.db.Delete(keyFor(id), pebble.Sync)
}

// ScanState visits every entry in the given state in trade-id order.
func (t *Tape) ScanState(state State, fn func(Entry) error) error {
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return fmt.Errorf("tape: iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Value())
		if err != nil {
			return err
		}
		if e.State != state {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Recent returns up to n trades, newest first.
func (t *Tape) Recent(n int) ([]book.Trade, error) {
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return nil, fmt.Errorf("tape: iter: %w", err)
	}
	defer iter.Close()

	trades := make([]book.Trade, 0, n)
	for ok := iter.Last(); ok && len(trades) < n; ok = iter.Prev() {
		e, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, err
		}
		trades = append(trades, e.Trade)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return trades, nil
}

const keyPrefix = "trade/"

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, id))
}
