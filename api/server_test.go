package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agora/book"
	"agora/engine"
	"agora/tape"
)

type testServer struct {
	eng *engine.Engine
	srv *Server
	ts  *httptest.Server
}

func newTestServer(t *testing.T, tp *tape.Tape) *testServer {
	t.Helper()
	eng := engine.New(book.New())
	srv := NewServer(eng, tp, zap.NewNop(), nil)
	go srv.Hub().Run()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{eng: eng, srv: srv, ts: ts}
}

func (s *testServer) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func submitReq(id uint64, side, typ string, price, qty int64) SubmitOrderRequest {
	return SubmitOrderRequest{ID: id, Side: side, Type: typ, Price: price, Qty: qty}
}

// ---- REST ----

func TestSubmitOrderRests(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.post(t, "/api/v1/orders", submitReq(1, "buy", "limit", 100_000000, 5))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out SubmitOrderResponse
	decodeBody(t, resp, &out)
	if out.Status != "accepted" {
		t.Fatalf("status = %q, want accepted", out.Status)
	}
	if len(out.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(out.Trades))
	}

	var snap engine.Snapshot
	decodeBody(t, s.get(t, "/api/v1/book"), &snap)
	if snap.OpenOrders != 1 || len(snap.Bids) != 1 {
		t.Fatalf("snapshot = %+v, want one bid", snap)
	}
	if snap.Bids[0].Price != 100_000000 || snap.Bids[0].Qty != 5 {
		t.Fatalf("bid level = %+v", snap.Bids[0])
	}
}

func TestSubmitOrderMatches(t *testing.T) {
	s := newTestServer(t, nil)

	s.post(t, "/api/v1/orders", submitReq(1, "sell", "limit", 100_000000, 5)).Body.Close()

	var out SubmitOrderResponse
	decodeBody(t, s.post(t, "/api/v1/orders", submitReq(2, "buy", "limit", 101_000000, 5)), &out)
	if out.Status != "accepted" || len(out.Trades) != 1 {
		t.Fatalf("response = %+v, want one trade", out)
	}
	tr := out.Trades[0]
	if tr.Price != 100_000000 || tr.Qty != 5 || tr.BuyID != 2 || tr.SellID != 1 {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantError  string
	}{
		{"bad side", submitReq(1, "sideways", "limit", 100, 1), http.StatusBadRequest, "bad_request"},
		{"bad type", submitReq(1, "buy", "stop", 100, 1), http.StatusBadRequest, "bad_request"},
		{"zero qty", submitReq(1, "buy", "limit", 100, 0), http.StatusBadRequest, "invalid_quantity"},
		{"zero price", submitReq(1, "buy", "limit", 0, 1), http.StatusBadRequest, "invalid_price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := s.post(t, "/api/v1/orders", tc.body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			var out ErrorResponse
			decodeBody(t, resp, &out)
			if out.Error != tc.wantError {
				t.Fatalf("error = %q, want %q", out.Error, tc.wantError)
			}
		})
	}

	// Duplicate ids conflict rather than 400.
	s.post(t, "/api/v1/orders", submitReq(7, "buy", "limit", 100_000000, 1)).Body.Close()
	resp := s.post(t, "/api/v1/orders", submitReq(7, "buy", "limit", 100_000000, 1))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitFOKRejectedIsNormalOutcome(t *testing.T) {
	s := newTestServer(t, nil)

	s.post(t, "/api/v1/orders", submitReq(1, "sell", "limit", 100_000000, 3)).Body.Close()

	resp := s.post(t, "/api/v1/orders", submitReq(2, "buy", "fok", 100_000000, 10))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out SubmitOrderResponse
	decodeBody(t, resp, &out)
	if out.Status != "rejected" || out.Reason != "fok_unfilled" {
		t.Fatalf("response = %+v, want rejected/fok_unfilled", out)
	}
	if len(out.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(out.Trades))
	}
}

func TestCancelOrder(t *testing.T) {
	s := newTestServer(t, nil)

	s.post(t, "/api/v1/orders", submitReq(1, "sell", "limit", 100_000000, 5)).Body.Close()

	var out CancelOrderResponse
	decodeBody(t, s.post(t, "/api/v1/orders/1/cancel", struct{}{}), &out)
	if out.Status != "canceled" {
		t.Fatalf("status = %q, want canceled", out.Status)
	}
	if out.Order.ID != 1 || out.Order.Remaining != 5 || out.Order.Side != "SELL" {
		t.Fatalf("order = %+v", out.Order)
	}

	resp := s.post(t, "/api/v1/orders/1/cancel", struct{}{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.post(t, "/api/v1/orders/notanumber/cancel", struct{}{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestModifyOrder(t *testing.T) {
	s := newTestServer(t, nil)

	s.post(t, "/api/v1/orders", submitReq(1, "buy", "limit", 100_000000, 5)).Body.Close()
	s.post(t, "/api/v1/orders", submitReq(2, "sell", "limit", 105_000000, 5)).Body.Close()

	// Repricing the bid across the spread fills immediately.
	var out SubmitOrderResponse
	decodeBody(t, s.post(t, "/api/v1/orders/1/modify", ModifyOrderRequest{Price: 105_000000, Qty: 5}), &out)
	if out.Status != "accepted" || len(out.Trades) != 1 {
		t.Fatalf("response = %+v, want one trade", out)
	}
	if out.Trades[0].Price != 105_000000 {
		t.Fatalf("trade price = %d, want maker price", out.Trades[0].Price)
	}

	resp := s.post(t, "/api/v1/orders/99/modify", ModifyOrderRequest{Price: 100, Qty: 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBookDepthParam(t *testing.T) {
	s := newTestServer(t, nil)

	s.post(t, "/api/v1/orders", submitReq(1, "buy", "limit", 100_000000, 1)).Body.Close()
	s.post(t, "/api/v1/orders", submitReq(2, "buy", "limit", 99_000000, 1)).Body.Close()
	s.post(t, "/api/v1/orders", submitReq(3, "buy", "limit", 98_000000, 1)).Body.Close()

	var snap engine.Snapshot
	decodeBody(t, s.get(t, "/api/v1/book?depth=2"), &snap)
	if len(snap.Bids) != 2 {
		t.Fatalf("bids = %d, want 2", len(snap.Bids))
	}
	if snap.Bids[0].Price != 100_000000 || snap.Bids[1].Price != 99_000000 {
		t.Fatalf("bids out of order: %+v", snap.Bids)
	}

	resp := s.get(t, "/api/v1/book?depth=-1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative depth status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	s.post(t, "/api/v1/orders", submitReq(1, "sell", "limit", 100_000000, 5)).Body.Close()
	s.post(t, "/api/v1/orders", submitReq(2, "buy", "limit", 100_000000, 2)).Body.Close()
	s.post(t, "/api/v1/orders", submitReq(2, "buy", "limit", 100_000000, 2)).Body.Close() // duplicate

	var stats engine.StatsView
	decodeBody(t, s.get(t, "/api/v1/stats"), &stats)
	if stats.OrdersSubmitted != 3 || stats.OrdersAccepted != 2 || stats.OrdersRejected != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Trades != 1 || stats.QtyTraded != 2 {
		t.Fatalf("trade stats = %+v", stats)
	}
}

func TestTradesEndpoint(t *testing.T) {
	tp, err := tape.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open tape: %v", err)
	}
	t.Cleanup(func() { tp.Close() })

	eng := engine.New(book.New(), engine.WithTape(tp))
	srv := NewServer(eng, tp, zap.NewNop(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	if _, err := eng.Submit(book.Incoming{ID: 1, Side: book.Sell, Type: book.Limit, Price: 100_000000, Qty: 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Submit(book.Incoming{ID: 2, Side: book.Buy, Type: book.Limit, Price: 100_000000, Qty: 3}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/trades?limit=10")
	if err != nil {
		t.Fatalf("GET trades: %v", err)
	}
	var trades []book.Trade
	decodeBody(t, resp, &trades)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].Price != 100_000000 || trades[0].Qty != 3 {
		t.Fatalf("trade = %+v", trades[0])
	}
}

func TestTradesEndpointWithoutTape(t *testing.T) {
	s := newTestServer(t, nil)
	var trades []book.Trade
	decodeBody(t, s.get(t, "/api/v1/trades"), &trades)
	if len(trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(trades))
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)
	if out["status"] != "ok" {
		t.Fatalf("health = %+v", out)
	}
}

// ---- websocket ----

func TestWebSocketTradeBroadcast(t *testing.T) {
	s := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The hub registers the client asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for s.srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Give the read pump a beat to apply the subscription.
	time.Sleep(50 * time.Millisecond)

	s.srv.BroadcastTrades([]book.Trade{{ID: 1, BuyID: 2, SellID: 1, Price: 100_000000, Qty: 3, Time: 42}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update TradeUpdate
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != "trade" || update.Trade.Price != 100_000000 || update.Trade.Qty != 3 {
		t.Fatalf("update = %+v", update)
	}
}

func TestWebSocketUnsubscribedClientGetsNothing(t *testing.T) {
	s := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.srv.BroadcastTrades([]book.Trade{{ID: 1, Price: 100_000000, Qty: 3}})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("unsubscribed client received a broadcast")
	}
}
