package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamReadWait     = 30 * time.Second
	streamMaxRetries   = 5
	streamRetryBackoff = 3 * time.Second
)

// Stream consumes a Binance combined depth stream and rebuilds the book
// from every partial-depth frame. Frames get local sequence numbers in
// arrival order; run either the stream or the poller, not both, or their
// counters will fight over the processor.
type Stream struct {
	url  string
	proc *Processor
	log  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64
}

// NewStream builds a client for baseURL (for example
// wss://stream.binance.com:9443). Binance only serves partial depth at
// 5, 10 or 20 levels; depth is passed through as-is.
func NewStream(baseURL, symbol string, depth int, proc *Processor, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	if depth <= 0 {
		depth = 20
	}
	return &Stream{
		url:  fmt.Sprintf("%s/stream?streams=%s@depth%d@100ms", baseURL, strings.ToLower(symbol), depth),
		proc: proc,
		log:  log,
	}
}

// Start runs the stream in a background goroutine until Stop.
func (s *Stream) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	go s.run()
}

func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

// run dials and re-dials with linear backoff until the retry budget is
// spent or the stream is stopped.
func (s *Stream) run() {
	retries := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			if retries >= streamMaxRetries {
				s.log.Error("depth stream gave up",
					zap.Int("retries", retries),
					zap.Error(err))
				return
			}
			retries++
			backoff := time.Duration(retries) * streamRetryBackoff
			s.log.Warn("depth stream dial failed",
				zap.Int("attempt", retries),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		retries = 0
		s.log.Info("depth stream connected", zap.String("url", s.url))

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return
		default:
			s.log.Warn("depth stream disconnected, reconnecting")
			time.Sleep(streamRetryBackoff)
		}
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return nil
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.log.Warn("depth stream read", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamReadWait))
		s.handleFrame(msg)
	}
}

// streamEnvelope is the combined-stream wrapper Binance puts around
// every payload.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *Stream) handleFrame(raw []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Debug("bad stream frame", zap.Error(err))
		return
	}
	var depth restDepth
	if err := json.Unmarshal(env.Data, &depth); err != nil {
		s.log.Debug("bad depth payload", zap.String("stream", env.Stream), zap.Error(err))
		return
	}

	bids, err := parseLevels(depth.Bids)
	if err != nil {
		s.log.Warn("parse stream bids", zap.Error(err))
		return
	}
	asks, err := parseLevels(depth.Asks)
	if err != nil {
		s.log.Warn("parse stream asks", zap.Error(err))
		return
	}

	s.seq++
	if err := s.proc.Process(Message{
		Kind: KindSnapshot,
		Seq:  s.seq,
		Bids: bids,
		Asks: asks,
	}); err != nil {
		s.log.Warn("stream snapshot dropped", zap.Uint64("seq", s.seq), zap.Error(err))
	}
}
