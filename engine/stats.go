package engine

import (
	"sync"
	"time"
)

// StatsView is a point-in-time copy of the engine counters. Cumulative
// counters run for the life of the process, daily counters reset at the
// day boundary, and latency figures cover accepted submits and modifies.
type StatsView struct {
	OrdersSubmitted uint64 `json:"ordersSubmitted"`
	OrdersAccepted  uint64 `json:"ordersAccepted"`
	OrdersRejected  uint64 `json:"ordersRejected"`
	OrdersCanceled  uint64 `json:"ordersCanceled"`
	OrdersModified  uint64 `json:"ordersModified"`
	Trades          uint64 `json:"trades"`
	QtyTraded       int64  `json:"qtyTraded"`
	GFDPurged       uint64 `json:"gfdPurged"`

	DailyOrders uint64 `json:"dailyOrders"`
	DailyTrades uint64 `json:"dailyTrades"`
	DailyQty    int64  `json:"dailyQty"`

	LatencySamples uint64 `json:"latencySamples"`
	LatencyMinNs   int64  `json:"latencyMinNs"`
	LatencyMaxNs   int64  `json:"latencyMaxNs"`
	LatencyAvgNs   int64  `json:"latencyAvgNs"`
}

// stats is the accumulator behind StatsView. It carries its own mutex
// so recording never contends with the book lock.
type stats struct {
	mu sync.Mutex

	submitted uint64
	accepted  uint64
	rejected  uint64
	canceled  uint64
	modified  uint64
	trades    uint64
	qtyTraded int64
	purged    uint64

	dayOrders uint64
	dayTrades uint64
	dayQty    int64

	latSamples uint64
	latTotalNs int64
	latMinNs   int64
	latMaxNs   int64
}

func (s *stats) observeLocked(d time.Duration) {
	ns := d.Nanoseconds()
	if s.latSamples == 0 || ns < s.latMinNs {
		s.latMinNs = ns
	}
	if ns > s.latMaxNs {
		s.latMaxNs = ns
	}
	s.latSamples++
	s.latTotalNs += ns
}

func (s *stats) submit(trades int, qty int64, lat time.Duration) {
	s.mu.Lock()
	s.submitted++
	s.accepted++
	s.dayOrders++
	s.trades += uint64(trades)
	s.dayTrades += uint64(trades)
	s.qtyTraded += qty
	s.dayQty += qty
	s.observeLocked(lat)
	s.mu.Unlock()
}

func (s *stats) reject() {
	s.mu.Lock()
	s.submitted++
	s.rejected++
	s.mu.Unlock()
}

func (s *stats) cancel() {
	s.mu.Lock()
	s.canceled++
	s.mu.Unlock()
}

func (s *stats) modify(trades int, qty int64, lat time.Duration) {
	s.mu.Lock()
	s.modified++
	s.trades += uint64(trades)
	s.dayTrades += uint64(trades)
	s.qtyTraded += qty
	s.dayQty += qty
	s.observeLocked(lat)
	s.mu.Unlock()
}

func (s *stats) purge(n int) {
	s.mu.Lock()
	s.purged += uint64(n)
	s.mu.Unlock()
}

// rollDay clears the daily counters at the day boundary. Cumulative and
// latency figures keep running.
func (s *stats) rollDay() {
	s.mu.Lock()
	s.dayOrders = 0
	s.dayTrades = 0
	s.dayQty = 0
	s.mu.Unlock()
}

func (s *stats) view() StatsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := StatsView{
		OrdersSubmitted: s.submitted,
		OrdersAccepted:  s.accepted,
		OrdersRejected:  s.rejected,
		OrdersCanceled:  s.canceled,
		OrdersModified:  s.modified,
		Trades:          s.trades,
		QtyTraded:       s.qtyTraded,
		GFDPurged:       s.purged,
		DailyOrders:     s.dayOrders,
		DailyTrades:     s.dayTrades,
		DailyQty:        s.dayQty,
		LatencySamples:  s.latSamples,
		LatencyMinNs:    s.latMinNs,
		LatencyMaxNs:    s.latMaxNs,
	}
	if s.latSamples > 0 {
		v.LatencyAvgNs = s.latTotalNs / int64(s.latSamples)
	}
	return v
}
