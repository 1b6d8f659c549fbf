// Package api exposes the exchange over REST and WebSocket. Handlers never
// touch books or balances directly: mutations are enqueued on the matching
// engine and the handler blocks on the command result.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/wattexchange/wattex/pkg/bridge/deposit"
	"github.com/wattexchange/wattex/pkg/bridge/withdrawal"
	"github.com/wattexchange/wattex/pkg/exchange/balance"
	"github.com/wattexchange/wattex/pkg/exchange/bundle"
	"github.com/wattexchange/wattex/pkg/exchange/demand"
	"github.com/wattexchange/wattex/pkg/exchange/engine"
	"github.com/wattexchange/wattex/pkg/exchange/orderbook"
	"github.com/wattexchange/wattex/pkg/exchange/product"
	"github.com/wattexchange/wattex/pkg/storage"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	eng         *engine.Engine
	products    *product.Registry
	balances    *balance.Ledger
	demands     *demand.Registry
	withdrawals *withdrawal.Processor
	wledger     *withdrawal.Ledger
	deposits    *deposit.Ledger
	archive     *storage.Store
	router      *mux.Router
	hub         *Hub
}

func NewServer(eng *engine.Engine, products *product.Registry, balances *balance.Ledger, demands *demand.Registry, withdrawals *withdrawal.Processor, wledger *withdrawal.Ledger, deposits *deposit.Ledger, archive *storage.Store) *Server {
	s := &Server{
		eng:         eng,
		products:    products,
		balances:    balances,
		demands:     demands,
		withdrawals: withdrawals,
		wledger:     wledger,
		deposits:    deposits,
		archive:     archive,
		router:      mux.NewRouter(),
		hub:         NewHub(),
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub so it can be wired into the engine's event
// fanout.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Product endpoints
	api.HandleFunc("/products", s.handleListProducts).Methods("GET")
	api.HandleFunc("/products", s.handleRegisterProduct).Methods("POST")
	api.HandleFunc("/products/{id}", s.handleGetProduct).Methods("GET")
	api.HandleFunc("/products/{id}/status", s.handleSetProductStatus).Methods("POST")
	api.HandleFunc("/products/{id}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/products/{id}/trades", s.handleGetTrades).Methods("GET")

	// Trading endpoints
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/bundles", s.handleSubmitBundle).Methods("POST")
	api.HandleFunc("/bundles/resume", s.handleResumeBundles).Methods("POST")
	api.HandleFunc("/demands", s.handleCreateDemand).Methods("POST")
	api.HandleFunc("/demands", s.handleListDemands).Methods("GET")
	api.HandleFunc("/demands/cancel", s.handleCancelDemand).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/withdrawals", s.handleListWithdrawals).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposits", s.handleListDeposits).Methods("GET")
	api.HandleFunc("/withdrawals", s.handleRequestWithdrawal).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and blocks serving HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Product handlers
// ==============================

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.products.List())
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.products.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "product not found", err.Error())
		return
	}
	respondJSON(w, p)
}

func (s *Server) handleRegisterProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	p, err := product.New(req.ID, req.Asset, req.Currency, req.DeliveryStart, req.DeliveryEnd)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product", err.Error())
		return
	}
	p.Region = req.Region
	p.GridPoint = req.GridPoint
	p.Technology = req.Technology
	if req.MinVolume > 0 {
		p.MinVolume = req.MinVolume
	}
	if req.MaxVolume > 0 {
		p.MaxVolume = req.MaxVolume
	}

	if err := s.products.Register(p); err != nil {
		respondError(w, http.StatusConflict, "registration failed", err.Error())
		return
	}

	log.Printf("[api] product registered: %s", p.ID)
	respondJSON(w, p)
}

func (s *Server) handleSetProductStatus(w http.ResponseWriter, r *http.Request) {
	var req ProductStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	var status product.Status
	switch req.Status {
	case "active":
		status = product.Active
	case "paused":
		status = product.Paused
	case "retired":
		status = product.Retired
	default:
		respondError(w, http.StatusBadRequest, "unknown status", req.Status)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.products.UpdateStatus(id, status); err != nil {
		respondError(w, http.StatusConflict, "status update failed", err.Error())
		return
	}
	respondJSON(w, map[string]string{"id": id, "status": status.String()})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.products.Exists(id) {
		respondError(w, http.StatusNotFound, "product not found", id)
		return
	}

	bids, asks := s.eng.Depth(id)
	respondJSON(w, BookSnapshot{
		ProductID: id,
		Bids:      toAPILevels(bids),
		Asks:      toAPILevels(asks),
		LastPrice: s.eng.LastPrice(id),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.archive == nil {
		respondJSON(w, []TradeInfo{})
		return
	}

	trades, err := s.archive.LoadRecentTrades(id, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade lookup failed", err.Error())
		return
	}

	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = toTradeInfo(*t)
	}
	respondJSON(w, out)
}

// ==============================
// Trading handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, err := parseAddress(req.Account)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", req.Side)
		return
	}

	o := &orderbook.Order{
		ID:        uuid.NewString(),
		Account:   account,
		ProductID: req.ProductID,
		Side:      side,
		Price:     req.Price,
		Volume:    req.Volume,
		ExpiresAt: req.ExpiresAt,
	}

	res, err := s.apply(r.Context(), engine.PlaceOrder{Order: o})
	if err != nil {
		respondCommandError(w, err)
		return
	}

	log.Printf("[api] order placed: id=%s product=%s %s %d@%d fills=%d",
		o.ID, o.ProductID, o.Side, o.Volume, o.Price, len(res.Trades))

	respondJSON(w, OrderResponse{
		OrderID: o.ID,
		Status:  res.Order.Status.String(),
		Filled:  res.Order.Filled,
		Trades:  toTradeInfos(res.Trades),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}

	res, err := s.apply(r.Context(), engine.CancelOrder{OrderID: req.OrderID})
	if err != nil {
		respondCommandError(w, err)
		return
	}

	respondJSON(w, OrderResponse{
		OrderID: res.Order.ID,
		Status:  res.Order.Status.String(),
		Filled:  res.Order.Filled,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.eng.OrderSnapshot(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleSubmitBundle(w http.ResponseWriter, r *http.Request) {
	var req BundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, err := parseAddress(req.Account)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return
	}

	b := &bundle.Bundle{
		ID:        uuid.NewString(),
		Account:   account,
		CreatedAt: time.Now().UnixMilli(),
	}
	for _, leg := range req.Legs {
		side, err := parseSide(leg.Side)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid side", leg.Side)
			return
		}
		b.Legs = append(b.Legs, bundle.Leg{
			ProductID: leg.ProductID,
			Side:      side,
			Price:     leg.Price,
			Volume:    leg.Volume,
		})
	}

	res, err := s.apply(r.Context(), engine.PlaceBundle{Bundle: b})
	if err != nil {
		respondCommandError(w, err)
		return
	}

	log.Printf("[api] bundle executed: id=%s legs=%d trades=%d", b.ID, len(b.Legs), len(res.Trades))

	respondJSON(w, BundleResponse{
		BundleID: b.ID,
		Trades:   toTradeInfos(res.Trades),
	})
}

func (s *Server) handleResumeBundles(w http.ResponseWriter, r *http.Request) {
	s.eng.ResumeBundles()
	log.Printf("[api] bundle intake resumed")
	respondJSON(w, map[string]string{"status": "resumed"})
}

func (s *Server) handleCreateDemand(w http.ResponseWriter, r *http.Request) {
	var req DemandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, err := parseAddress(req.Account)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return
	}
	if !s.products.Exists(req.ProductID) {
		respondError(w, http.StatusNotFound, "product not found", req.ProductID)
		return
	}

	d := &demand.Demand{
		ID:              uuid.NewString(),
		Account:         account,
		ProductID:       req.ProductID,
		Price:           req.Price,
		VolumePerPeriod: req.VolumePerPeriod,
		Period:          time.Duration(req.PeriodSeconds) * time.Second,
		RemainingVolume: req.TotalVolume,
	}
	if err := s.demands.Create(d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid demand", err.Error())
		return
	}

	log.Printf("[api] demand created: id=%s product=%s total=%d", d.ID, d.ProductID, req.TotalVolume)
	respondJSON(w, d)
}

func (s *Server) handleListDemands(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.demands.List())
}

func (s *Server) handleCancelDemand(w http.ResponseWriter, r *http.Request) {
	var req CancelDemandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.demands.Cancel(req.DemandID); err != nil {
		respondError(w, http.StatusNotFound, "cancel failed", err.Error())
		return
	}
	respondJSON(w, map[string]string{"demandId": req.DemandID, "status": "cancelled"})
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	snapshot := s.balances.Snapshot(account)
	out := make([]BalanceInfo, len(snapshot))
	for i, b := range snapshot {
		out[i] = BalanceInfo{Asset: b.Asset, Available: b.Available, Reserved: b.Reserved}
	}
	respondJSON(w, out)
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, err := parseAddress(req.Account)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return
	}
	destination, err := parseAddress(req.Destination)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid destination", req.Destination)
		return
	}
	if req.Amount <= 0 || req.Asset == "" {
		respondError(w, http.StatusBadRequest, "invalid amount or asset", "")
		return
	}

	wr, err := s.withdrawals.Request(r.Context(), account, req.Asset, req.Amount, destination)
	if err != nil {
		respondCommandError(w, err)
		return
	}

	log.Printf("[api] withdrawal requested: id=%s asset=%s amount=%d", wr.ID, wr.Asset, wr.Amount)
	respondJSON(w, wr)
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	respondJSON(w, s.wledger.ByAccount(account))
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	respondJSON(w, s.deposits.ByAccount(account))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":        "ok",
		"bundlesHalted": s.eng.BundlesHalted(),
	})
}

// ==============================
// Helpers
// ==============================

// apply enqueues one command and waits for its result, folding the command
// error into the return.
func (s *Server) apply(ctx context.Context, cmd engine.Command) (engine.Result, error) {
	p, err := s.eng.Enqueue(cmd)
	if err != nil {
		return engine.Result{}, err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return engine.Result{}, err
	}
	return res, res.Err
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseSide(s string) (orderbook.Side, error) {
	switch s {
	case "bid", "buy":
		return orderbook.Bid, nil
	case "ask", "sell":
		return orderbook.Ask, nil
	}
	return 0, fmt.Errorf("unknown side: %q", s)
}

func toAPILevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Volume: l.Volume}
	}
	return out
}

func toTradeInfo(t orderbook.Trade) TradeInfo {
	return TradeInfo{
		ID:         t.ID,
		ProductID:  t.ProductID,
		Price:      t.Price,
		Volume:     t.Volume,
		Buyer:      t.Buyer.Hex(),
		Seller:     t.Seller.Hex(),
		ExecutedAt: t.ExecutedAt,
	}
}

func toTradeInfos(trades []orderbook.Trade) []TradeInfo {
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = toTradeInfo(t)
	}
	return out
}

// respondCommandError maps engine error taxonomy onto HTTP status codes.
func respondCommandError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInsufficientLiquidity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrBundlesHalted),
		errors.Is(err, engine.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, "command rejected", err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
