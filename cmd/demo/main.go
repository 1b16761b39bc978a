// Demo drives the matching engine from the command line: a scripted
// session by default, or a live book mirrored from Binance with -live.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agora/book"
	"agora/engine"
	"agora/feed"
)

func main() {
	live := flag.Bool("live", false, "mirror live market data from Binance")
	symbol := flag.String("symbol", "BTCUSDT", "symbol for live market data")
	interval := flag.Int("interval", 1000, "live update interval in milliseconds")
	flag.Parse()

	fmt.Println("agora matching engine demo")

	eng := engine.New(book.New())

	scripted(eng)

	if !*live {
		fmt.Println("\nrun with -live to mirror real market data")
		fmt.Println("example: demo -live -symbol ETHUSDT -interval 2000")
		return
	}

	fmt.Printf("\nstarting live feed: %s every %dms (ctrl-c to stop)\n", *symbol, *interval)
	runLive(eng, *symbol, time.Duration(*interval)*time.Millisecond)
}

// scripted submits a pair of crossing orders and prints the result.
func scripted(eng *engine.Engine) {
	buy := book.Incoming{ID: 1, Side: book.Buy, Type: book.Limit, Price: 100_000000, Qty: 1000, Owner: "user1"}
	fmt.Printf("\nadding buy order: %d shares at $%.2f\n", buy.Qty, dollars(buy.Price))
	trades, err := eng.Submit(buy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return
	}
	fmt.Printf("buy order added, trades executed: %d\n", len(trades))

	sell := book.Incoming{ID: 2, Side: book.Sell, Type: book.Limit, Price: 99_000000, Qty: 500, Owner: "user2"}
	fmt.Printf("adding sell order: %d shares at $%.2f\n", sell.Qty, dollars(sell.Price))
	trades, err = eng.Submit(sell)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return
	}
	fmt.Printf("sell order added, trades executed: %d\n", len(trades))
	for _, tr := range trades {
		fmt.Printf("  trade %d: %d shares at $%.2f\n", tr.ID, tr.Qty, dollars(tr.Price))
	}

	snap := eng.Snapshot(5)
	fmt.Printf("\nbook snapshot:\nbids (%d levels):\n", len(snap.Bids))
	for _, lv := range snap.Bids {
		fmt.Printf("  $%.2f - %d shares (%d orders)\n", dollars(lv.Price), lv.Qty, lv.Orders)
	}
	fmt.Printf("asks (%d levels):\n", len(snap.Asks))
	for _, lv := range snap.Asks {
		fmt.Printf("  $%.2f - %d shares (%d orders)\n", dollars(lv.Price), lv.Qty, lv.Orders)
	}

	if bid, ask, haveBid, haveAsk := eng.Best(); haveBid || haveAsk {
		if haveBid {
			fmt.Printf("\nbest bid: $%.2f\n", dollars(bid))
		}
		if haveAsk {
			fmt.Printf("best ask: $%.2f\n", dollars(ask))
		}
	}

	stats := eng.Stats()
	fmt.Printf("\nstatistics:\n  orders accepted: %d\n  trades: %d\n  avg latency: %.2f us\n  max latency: %.2f us\n",
		stats.OrdersAccepted, stats.Trades,
		float64(stats.LatencyAvgNs)/1000, float64(stats.LatencyMaxNs)/1000)
}

// runLive rebuilds the book from REST depth snapshots and redraws the
// ladder after each one.
func runLive(eng *engine.Engine, symbol string, interval time.Duration) {
	eng.Clear()
	proc := feed.NewProcessor(eng, nil)
	client := feed.NewBinanceClient(symbol, "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nstopped")
			return
		case <-ticker.C:
			snap, err := client.FetchDepth(ctx, 50)
			if err != nil {
				fmt.Fprintf(os.Stderr, "fetch depth: %v\n", err)
				continue
			}
			seq++
			err = proc.Process(feed.Message{
				Kind: feed.KindSnapshot,
				Seq:  seq,
				Bids: snap.Bids,
				Asks: snap.Asks,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "apply snapshot: %v\n", err)
				continue
			}
			printLadder(eng, symbol, 10)
		}
	}
}

// printLadder renders top-of-book levels side by side. Live feed
// quantities are micro-scaled, so both columns divide by 1e6.
func printLadder(eng *engine.Engine, symbol string, maxLevels int) {
	snap := eng.Snapshot(maxLevels)
	bar := strings.Repeat("=", 80)

	fmt.Printf("\n%s\n", bar)
	fmt.Printf("LIVE ORDERBOOK: %s\n", symbol)
	fmt.Println(time.Now().UTC().Format("2006-01-02 15:04:05"))
	fmt.Println(bar)
	fmt.Printf("%-12s | %-12s | %-12s | %-12s\n", "BID QTY", "BID PRICE", "ASK PRICE", "ASK QTY")
	fmt.Println(strings.Repeat("-", 80))

	for i := 0; i < maxLevels; i++ {
		var bidQty, bidPrice, askPrice, askQty string
		if i < len(snap.Bids) {
			bidQty = fmt.Sprintf("%.2f", dollars(snap.Bids[i].Qty))
			bidPrice = fmt.Sprintf("$%.2f", dollars(snap.Bids[i].Price))
		}
		if i < len(snap.Asks) {
			askPrice = fmt.Sprintf("$%.2f", dollars(snap.Asks[i].Price))
			askQty = fmt.Sprintf("%.2f", dollars(snap.Asks[i].Qty))
		}
		fmt.Printf("%-12s | %-12s | %-12s | %-12s\n", bidQty, bidPrice, askPrice, askQty)
	}

	fmt.Println(bar)
	bid, ask, haveBid, haveAsk := eng.Best()
	switch {
	case haveBid && haveAsk:
		spread := ask - bid
		spreadBps := float64(spread) / float64(bid) * 10000
		fmt.Printf("Best Bid: $%.2f | Best Ask: $%.2f | Spread: $%.2f (%.1f bps)\n",
			dollars(bid), dollars(ask), dollars(spread), spreadBps)
	case haveBid:
		fmt.Printf("Best Bid: $%.2f | Best Ask: None\n", dollars(bid))
	default:
		fmt.Println("Best Bid: None | Best Ask: None")
	}
	fmt.Println(bar)
}

func dollars(micros int64) float64 {
	return float64(micros) / 1_000_000
}
