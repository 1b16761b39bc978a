package broadcaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"

	"agora/book"
	"agora/tape"
)

func openTestTape(t *testing.T) *tape.Tape {
	t.Helper()
	tp, err := tape.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open tape: %v", err)
	}
	t.Cleanup(func() { tp.Close() })
	return tp
}

func appendTrades(t *testing.T, tp *tape.Tape, ids ...uint64) {
	t.Helper()
	trades := make([]book.Trade, 0, len(ids))
	for _, id := range ids {
		trades = append(trades, book.Trade{ID: id, BuyID: id * 10, SellID: id*10 + 1, Price: 100_000000, Qty: 2, Time: int64(id)})
	}
	if err := tp.Append(trades); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func mustState(t *testing.T, tp *tape.Tape, id uint64, want tape.State, wantRetries uint32) {
	t.Helper()
	e, err := tp.Get(id)
	if err != nil {
		t.Fatalf("get %d: %v", id, err)
	}
	if e.State != want {
		t.Fatalf("trade %d state = %v, want %v", id, e.State, want)
	}
	if e.Retries != wantRetries {
		t.Fatalf("trade %d retries = %d, want %d", id, e.Retries, wantRetries)
	}
}

func TestDrainPublishesNewTrades(t *testing.T) {
	tp := openTestTape(t)
	appendTrades(t, tp, 1, 2)

	producer := mocks.NewSyncProducer(t, nil)
	for want := uint64(1); want <= 2; want++ {
		id := want
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var ev TradeEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			if ev.V != 1 || ev.Type != "trade" || ev.Trade.ID != id {
				return fmt.Errorf("unexpected event %+v", ev)
			}
			return nil
		})
	}

	b := NewWithProducer(tp, producer, "trades", zap.NewNop())
	b.drainOnce()

	mustState(t, tp, 1, tape.StateAcked, 0)
	mustState(t, tp, 2, tape.StateAcked, 0)
}

func TestDrainRetriesOnFailure(t *testing.T) {
	tp := openTestTape(t)
	appendTrades(t, tp, 1)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	producer.ExpectSendMessageAndSucceed()

	b := NewWithProducer(tp, producer, "trades", zap.NewNop())

	b.drainOnce()
	mustState(t, tp, 1, tape.StateNew, 1)

	b.drainOnce()
	mustState(t, tp, 1, tape.StateAcked, 1)
}

func TestDrainAbandonsAfterMaxRetries(t *testing.T) {
	tp := openTestTape(t)
	appendTrades(t, tp, 1)
	if err := tp.UpdateState(1, tape.StateNew, maxRetries-1); err != nil {
		t.Fatalf("seed retries: %v", err)
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	b := NewWithProducer(tp, producer, "trades", zap.NewNop())
	b.drainOnce()

	mustState(t, tp, 1, tape.StateFailed, maxRetries)

	// Failed entries are terminal; nothing left for another pass.
	b.drainOnce()
}

func TestRecoverStranded(t *testing.T) {
	tp := openTestTape(t)
	appendTrades(t, tp, 1, 2)
	if err := tp.UpdateState(1, tape.StateSent, 2); err != nil {
		t.Fatalf("seed sent: %v", err)
	}

	producer := mocks.NewSyncProducer(t, nil)
	b := NewWithProducer(tp, producer, "trades", zap.NewNop())
	b.recoverStranded()

	mustState(t, tp, 1, tape.StateNew, 2)
	mustState(t, tp, 2, tape.StateNew, 0)
}
