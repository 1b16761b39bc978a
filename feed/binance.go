package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"agora/book"
)

const defaultRestURL = "https://api.binance.com/api/v3/depth"

// HTTPClient is the part of http.Client the depth fetcher needs, so
// tests can point it at httptest servers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BinanceClient fetches depth snapshots from the Binance REST API.
type BinanceClient struct {
	Symbol     string
	RestURL    string
	HTTPClient HTTPClient
}

func NewBinanceClient(symbol, restURL string) *BinanceClient {
	if restURL == "" {
		restURL = defaultRestURL
	}
	return &BinanceClient{
		Symbol:     strings.ToUpper(symbol),
		RestURL:    restURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// DepthSnapshot is a parsed REST depth response with prices and
// quantities already scaled to micros.
type DepthSnapshot struct {
	LastUpdateID uint64
	Bids         []book.Level
	Asks         []book.Level
}

type restDepth struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// FetchDepth retrieves up to limit levels per side.
func (c *BinanceClient) FetchDepth(ctx context.Context, limit int) (DepthSnapshot, error) {
	if c.HTTPClient == nil {
		return DepthSnapshot{}, fmt.Errorf("feed: http client not set")
	}
	if limit <= 0 {
		limit = 100
	}
	url := fmt.Sprintf("%s?symbol=%s&limit=%d", c.RestURL, c.Symbol, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DepthSnapshot{}, fmt.Errorf("feed: build depth request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return DepthSnapshot{}, fmt.Errorf("feed: fetch depth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DepthSnapshot{}, fmt.Errorf("feed: depth status %d", resp.StatusCode)
	}

	var raw restDepth
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return DepthSnapshot{}, fmt.Errorf("feed: decode depth: %w", err)
	}

	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return DepthSnapshot{}, err
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return DepthSnapshot{}, err
	}
	return DepthSnapshot{LastUpdateID: raw.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// parseLevels converts Binance [price, qty] string pairs to micro-scaled
// levels. Binance depth carries no per-level order counts.
func parseLevels(pairs [][]string) ([]book.Level, error) {
	levels := make([]book.Level, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			return nil, fmt.Errorf("feed: malformed depth level %v", pair)
		}
		price, err := parseMicros(pair[0])
		if err != nil {
			return nil, fmt.Errorf("feed: parse price %q: %w", pair[0], err)
		}
		qty, err := parseMicros(pair[1])
		if err != nil {
			return nil, fmt.Errorf("feed: parse qty %q: %w", pair[1], err)
		}
		if qty == 0 {
			continue
		}
		levels = append(levels, book.Level{Price: price, Qty: qty, Orders: 1})
	}
	return levels, nil
}

func parseMicros(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	// Round, don't truncate: decimal strings like "4.56" are not exact
	// in binary and would otherwise lose a micro.
	return int64(math.Round(f * 1_000_000)), nil
}

// Poller periodically rebuilds the book from REST depth snapshots.
// Each fetched snapshot gets the next local sequence number, since the
// REST API carries none of its own.
type Poller struct {
	client   *BinanceClient
	proc     *Processor
	interval time.Duration
	depth    int
	log      *zap.Logger
	seq      uint64
}

func NewPoller(client *BinanceClient, proc *Processor, interval time.Duration, depth int, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		client:   client,
		proc:     proc,
		interval: interval,
		depth:    depth,
		log:      log,
	}
}

func (f *Poller) Start(ctx context.Context) {
	f.log.Info("depth poller started",
		zap.String("symbol", f.client.Symbol),
		zap.Duration("interval", f.interval))

	go func() {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.pollOnce(ctx)
			}
		}
	}()
}

func (f *Poller) pollOnce(ctx context.Context) {
	snap, err := f.client.FetchDepth(ctx, f.depth)
	if err != nil {
		f.log.Warn("depth fetch failed", zap.Error(err))
		return
	}
	f.seq++
	err = f.proc.Process(Message{
		Kind: KindSnapshot,
		Seq:  f.seq,
		Bids: snap.Bids,
		Asks: snap.Asks,
	})
	if err != nil {
		f.log.Warn("depth snapshot dropped", zap.Uint64("seq", f.seq), zap.Error(err))
		return
	}
	f.log.Debug("book rebuilt from depth",
		zap.Uint64("seq", f.seq),
		zap.Int("bids", len(snap.Bids)),
		zap.Int("asks", len(snap.Asks)))
}
