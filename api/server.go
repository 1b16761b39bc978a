// Package api exposes the matching engine over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"agora/book"
	"agora/engine"
	"agora/tape"
)

// Server wires the REST routes and the websocket hub to one engine.
// The tape is optional; without it /trades serves an empty list.
type Server struct {
	engine  *engine.Engine
	tape    *tape.Tape
	router  *mux.Router
	hub     *Hub
	log     *zap.Logger
	origins []string
	httpSrv *http.Server
}

func NewServer(eng *engine.Engine, tp *tape.Tape, log *zap.Logger, origins []string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		engine:  eng,
		tape:    tp,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		origins: origins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/modify", s.handleModifyOrder).Methods("POST")
	api.HandleFunc("/book", s.handleBook).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/trades", s.handleTrades).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the full middleware-wrapped handler. Start uses it, and
// tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves HTTP until Shutdown or listen failure.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("api server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Hub exposes the websocket hub so callers can run it without Start.
func (s *Server) Hub() *Hub {
	return s.hub
}

// BroadcastTrades pushes each trade to "trades" subscribers. Shaped to
// plug straight into the engine's trade sink.
func (s *Server) BroadcastTrades(trades []book.Trade) {
	for _, tr := range trades {
		s.hub.BroadcastToChannel("trades", TradeUpdate{Type: "trade", Trade: tr})
	}
}

// BroadcastDepth pushes a book snapshot to "depth" subscribers.
func (s *Server) BroadcastDepth(snap engine.Snapshot) {
	s.hub.BroadcastToChannel("depth", DepthUpdate{
		Type: "depth",
		Seq:  snap.Seq,
		Time: snap.Time,
		Bids: snap.Bids,
		Asks: snap.Asks,
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	side, err := book.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	typ, err := book.ParseOrderType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	trades, err := s.engine.Submit(book.Incoming{
		ID:    req.ID,
		Side:  side,
		Type:  typ,
		Price: req.Price,
		Qty:   req.Qty,
		Owner: req.Owner,
	})
	if err != nil {
		// An unfillable FOK is a normal outcome, not a client error.
		if errors.Is(err, book.ErrFillOrKill) {
			respondJSON(w, SubmitOrderResponse{
				Status: "rejected",
				Reason: book.RejectReason(err),
				Trades: []book.Trade{},
			})
			return
		}
		respondError(w, statusFor(err), book.RejectReason(err), err.Error())
		return
	}
	if trades == nil {
		trades = []book.Trade{}
	}
	respondJSON(w, SubmitOrderResponse{Status: "accepted", Trades: trades})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := s.engine.Cancel(id)
	if err != nil {
		respondError(w, statusFor(err), book.RejectReason(err), err.Error())
		return
	}
	respondJSON(w, CancelOrderResponse{Status: "canceled", Order: openOrder(o)})
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req ModifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	trades, err := s.engine.Modify(id, req.Price, req.Qty)
	if err != nil {
		respondError(w, statusFor(err), book.RejectReason(err), err.Error())
		return
	}
	if trades == nil {
		trades = []book.Trade{}
	}
	respondJSON(w, SubmitOrderResponse{Status: "accepted", Trades: trades})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "bad_request", "depth must be a non-negative integer")
			return
		}
		depth = n
	}
	respondJSON(w, s.engine.Snapshot(depth))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Stats())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if s.tape == nil {
		respondJSON(w, []book.Trade{})
		return
	}
	trades, err := s.tape.Recent(limit)
	if err != nil {
		s.log.Error("read recent trades", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to read trades")
		return
	}
	if trades == nil {
		trades = []book.Trade{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.engine.Check(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.log.Error("health check", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"clients": s.hub.ClientCount(),
		"ts":      time.Now().UnixMilli(),
	})
}

func orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "order id must be a positive integer")
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, book.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, book.ErrOrderExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}
