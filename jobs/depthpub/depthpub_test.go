package depthpub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"agora/book"
	"agora/engine"
)

type capturePublisher struct {
	mu     sync.Mutex
	keys   [][]byte
	values [][]byte
	err    error
}

func (p *capturePublisher) Send(ctx context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.values)
}

func TestPublishOnce(t *testing.T) {
	eng := engine.New(book.New())
	for _, in := range []book.Incoming{
		{ID: 1, Side: book.Buy, Type: book.Limit, Price: 100_000000, Qty: 5},
		{ID: 2, Side: book.Buy, Type: book.Limit, Price: 99_000000, Qty: 3},
		{ID: 3, Side: book.Sell, Type: book.Limit, Price: 101_000000, Qty: 4},
	} {
		if _, err := eng.Submit(in); err != nil {
			t.Fatalf("submit %d: %v", in.ID, err)
		}
	}

	pub := &capturePublisher{}
	j := NewWithProducer(eng, pub, time.Second, 2, zap.NewNop())
	j.publishOnce(context.Background())

	if len(pub.values) != 1 {
		t.Fatalf("messages = %d, want 1", len(pub.values))
	}
	if string(pub.keys[0]) != "depth" {
		t.Fatalf("key = %q, want depth", pub.keys[0])
	}

	var ev DepthEvent
	if err := json.Unmarshal(pub.values[0], &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.V != 1 || ev.Type != "depth" {
		t.Fatalf("envelope = %+v", ev)
	}
	if ev.Seq != 3 {
		t.Fatalf("seq = %d, want 3", ev.Seq)
	}
	if len(ev.Bids) != 2 || len(ev.Asks) != 1 {
		t.Fatalf("depth = %d bids %d asks, want 2/1", len(ev.Bids), len(ev.Asks))
	}
	if ev.Bids[0].Price != 100_000000 || ev.Bids[0].Qty != 5 {
		t.Fatalf("best bid = %+v", ev.Bids[0])
	}
	if ev.Asks[0].Price != 101_000000 {
		t.Fatalf("best ask = %+v", ev.Asks[0])
	}
}

func TestPublishOnceEmptyBook(t *testing.T) {
	eng := engine.New(book.New())
	pub := &capturePublisher{}
	j := NewWithProducer(eng, pub, time.Second, 5, zap.NewNop())
	j.publishOnce(context.Background())

	var ev DepthEvent
	if err := json.Unmarshal(pub.values[0], &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ev.Bids) != 0 || len(ev.Asks) != 0 {
		t.Fatalf("depth = %+v, want empty sides", ev)
	}
}

func TestPublishErrorDoesNotPanic(t *testing.T) {
	eng := engine.New(book.New())
	pub := &capturePublisher{err: errors.New("broker down")}
	j := NewWithProducer(eng, pub, time.Second, 5, zap.NewNop())
	j.publishOnce(context.Background())

	if len(pub.values) != 0 {
		t.Fatalf("messages = %d, want 0", len(pub.values))
	}
}

func TestStartPublishesOnTicker(t *testing.T) {
	eng := engine.New(book.New())
	if _, err := eng.Submit(book.Incoming{ID: 1, Side: book.Buy, Type: book.Limit, Price: 100_000000, Qty: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	pub := &capturePublisher{}
	j := NewWithProducer(eng, pub, 10*time.Millisecond, 5, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("no depth message published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}
