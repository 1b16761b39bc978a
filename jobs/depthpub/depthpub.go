// Package depthpub publishes aggregated book depth to Kafka on a fixed
// interval. Depth is snapshot-based rather than incremental, so every
// message stands alone and consumers need no gap handling.
package depthpub

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"agora/book"
	"agora/engine"
	"agora/infra/kafka"
)

// Publisher is the slice of the Kafka producer this job needs.
type Publisher interface {
	Send(ctx context.Context, key, value []byte) error
	Close() error
}

// DepthEvent is the wire envelope for one depth snapshot.
type DepthEvent struct {
	V    int          `json:"v"`
	Type string       `json:"type"`
	Seq  uint64       `json:"seq"`
	Time int64        `json:"ts"`
	Bids []book.Level `json:"bids"`
	Asks []book.Level `json:"asks"`
}

var depthKey = []byte("depth")

type Job struct {
	engine   *engine.Engine
	producer Publisher
	interval time.Duration
	levels   int
	log      *zap.Logger
}

func New(eng *engine.Engine, brokers []string, topic string, interval time.Duration, levels int, log *zap.Logger) *Job {
	return NewWithProducer(eng, kafka.NewProducer(brokers, topic), interval, levels, log)
}

func NewWithProducer(eng *engine.Engine, producer Publisher, interval time.Duration, levels int, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if levels <= 0 {
		levels = 10
	}
	return &Job{
		engine:   eng,
		producer: producer,
		interval: interval,
		levels:   levels,
		log:      log,
	}
}

func (j *Job) Start(ctx context.Context) {
	j.log.Info("depth publisher started",
		zap.Duration("interval", j.interval),
		zap.Int("levels", j.levels))

	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.publishOnce(ctx)
			}
		}
	}()
}

func (j *Job) publishOnce(ctx context.Context) {
	snap := j.engine.Snapshot(j.levels)
	payload, err := json.Marshal(DepthEvent{
		V:    1,
		Type: "depth",
		Seq:  snap.Seq,
		Time: snap.Time,
		Bids: snap.Bids,
		Asks: snap.Asks,
	})
	if err != nil {
		j.log.Error("marshal depth", zap.Error(err))
		return
	}
	if err := j.producer.Send(ctx, depthKey, payload); err != nil {
		j.log.Warn("publish depth", zap.Error(err))
	}
}

func (j *Job) Close() error {
	return j.producer.Close()
}
