// Package broadcaster drains the trade tape into Kafka. Trades enter the
// tape as NEW inside the engine's write path; this job walks them through
// SENT to ACKED, or to FAILED once retries are exhausted. Acked entries
// stay on the tape as queryable history.
package broadcaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"agora/book"
	"agora/tape"
)

const (
	drainInterval = 250 * time.Millisecond
	maxRetries    = 5
)

type Broadcaster struct {
	tape     *tape.Tape
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// TradeEvent is the wire envelope published per trade.
type TradeEvent struct {
	V     int        `json:"v"`
	Type  string     `json:"type"`
	Trade book.Trade `json:"trade"`
}

func New(tp *tape.Tape, brokers []string, topic string, log *zap.Logger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithProducer(tp, producer, topic, log), nil
}

// NewWithProducer wires an existing producer, which lets tests use the
// sarama mock.
func NewWithProducer(tp *tape.Tape, producer sarama.SyncProducer, topic string, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		tape:     tp,
		producer: producer,
		topic:    topic,
		log:      log,
	}
}

// Start requeues entries stranded in SENT by a previous crash, then
// drains the tape on a ticker until the context is canceled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.recoverStranded()
	b.log.Info("trade broadcaster started", zap.String("topic", b.topic))

	go func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.drainOnce()
			}
		}
	}()
}

// recoverStranded moves SENT entries back to NEW. SENT without ACKED
// means the process died between the send and the state update, so the
// trade may or may not have reached the broker. Re-sending is the safe
// side of that ambiguity for an at-least-once feed.
func (b *Broadcaster) recoverStranded() {
	var stranded int
	err := b.tape.ScanState(tape.StateSent, func(e tape.Entry) error {
		stranded++
		return b.tape.UpdateState(e.Trade.ID, tape.StateNew, e.Retries)
	})
	if err != nil {
		b.log.Error("recover stranded trades", zap.Error(err))
		return
	}
	if stranded > 0 {
		b.log.Warn("requeued stranded trades", zap.Int("count", stranded))
	}
}

func (b *Broadcaster) drainOnce() {
	err := b.tape.ScanState(tape.StateNew, func(e tape.Entry) error {
		id := e.Trade.ID

		if err := b.tape.UpdateState(id, tape.StateSent, e.Retries); err != nil {
			return err
		}

		payload, err := json.Marshal(TradeEvent{V: 1, Type: "trade", Trade: e.Trade})
		if err != nil {
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Value: sarama.ByteEncoder(payload),
		}

		if _, _, err := b.producer.SendMessage(msg); err != nil {
			retries := e.Retries + 1
			if retries >= maxRetries {
				b.log.Error("trade publish abandoned",
					zap.Uint64("trade", id),
					zap.Uint32("retries", retries),
					zap.Error(err))
				return b.tape.UpdateState(id, tape.StateFailed, retries)
			}
			b.log.Warn("trade publish failed",
				zap.Uint64("trade", id),
				zap.Uint32("retries", retries),
				zap.Error(err))
			return b.tape.UpdateState(id, tape.StateNew, retries)
		}

		return b.tape.UpdateState(id, tape.StateAcked, e.Retries)
	})
	if err != nil {
		b.log.Error("tape drain", zap.Error(err))
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
