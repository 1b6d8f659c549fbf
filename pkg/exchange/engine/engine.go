package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wattexchange/wattex/pkg/events"
	"github.com/wattexchange/wattex/pkg/exchange/balance"
	"github.com/wattexchange/wattex/pkg/exchange/bundle"
	"github.com/wattexchange/wattex/pkg/exchange/demand"
	"github.com/wattexchange/wattex/pkg/exchange/orderbook"
	"github.com/wattexchange/wattex/pkg/exchange/product"
	"github.com/wattexchange/wattex/pkg/storage"
	"github.com/wattexchange/wattex/pkg/util"
)

// DepositLedger is the engine's view of the deposit record store. The engine
// is the single point that flips a record Confirmed -> Credited, which is what
// makes crediting at-most-once under duplicate or replayed events.
type DepositLedger interface {
	Credited(txRef common.Hash) bool
	MarkCredited(txRef common.Hash) error
}

// Config wires the engine's collaborators. Zero-value optional fields get
// safe defaults.
type Config struct {
	Products *product.Registry
	Balances *balance.Ledger
	Demands  *demand.Registry
	Deposits DepositLedger    // nil: CreditDeposit trusts the enqueuer
	Archive  *storage.Store   // nil: no archiving
	Events   events.Publisher // nil: events discarded
	Clock    util.Clock       // nil: wall clock
	Logger   *zap.Logger      // nil: no logging
	// QueueSize bounds the command queue; producers block when full.
	QueueSize int
}

// Engine is the single serialization point for all book and balance
// mutations. Producers enqueue commands from any goroutine; the runner's
// loop applies them strictly in arrival order. Each application is atomic:
// it fully succeeds or leaves state unchanged and reports a typed error.
type Engine struct {
	log      *zap.Logger
	queue    chan *Pending
	products *product.Registry
	balances *balance.Ledger
	demands  *demand.Registry
	deposits DepositLedger
	archive  *storage.Store
	events   events.Publisher
	clock    util.Clock

	// stateMu serializes the executor's writes against read-only API
	// queries. Commands never contend with each other: there is exactly
	// one executor goroutine.
	stateMu sync.RWMutex
	books   map[string]*orderbook.Book
	orders  map[string]*orderbook.Order // active orders across all books

	bundlesHalted bool

	// intakeMu hands the queue off cleanly at shutdown: Enqueue holds the
	// read side across its closed check and send, so once closeIntake
	// returns no further command can enter and a drain empties the queue
	// for good.
	intakeMu sync.RWMutex
	closed   atomic.Bool
}

func New(cfg Config) *Engine {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	return &Engine{
		log:      cfg.Logger,
		queue:    make(chan *Pending, cfg.QueueSize),
		products: cfg.Products,
		balances: cfg.Balances,
		demands:  cfg.Demands,
		deposits: cfg.Deposits,
		archive:  cfg.Archive,
		events:   cfg.Events,
		clock:    cfg.Clock,
		books:    make(map[string]*orderbook.Book),
		orders:   make(map[string]*orderbook.Order),
	}
}

// Enqueue appends a command to the ordered queue. Safe for concurrent
// callers; blocks when the queue is full (backpressure). The returned Pending
// resolves once the executor has applied the command.
func (e *Engine) Enqueue(cmd Command) (*Pending, error) {
	e.intakeMu.RLock()
	defer e.intakeMu.RUnlock()

	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	p := newPending(cmd)
	e.queue <- p
	return p, nil
}

// closeIntake stops accepting commands. Once it returns, every command that
// made it past Enqueue is already in the queue, so draining the queue
// resolves every outstanding Pending.
func (e *Engine) closeIntake() {
	e.intakeMu.Lock()
	e.closed.Store(true)
	e.intakeMu.Unlock()
}

// process applies one dequeued command unless it was cancelled first.
func (e *Engine) process(p *Pending) {
	if !p.claim() {
		return // cancelled before dequeue
	}
	p.done <- e.apply(p.cmd)
}

// apply is the single-writer dispatch. Runs only on the runner goroutine.
func (e *Engine) apply(cmd Command) Result {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	switch c := cmd.(type) {
	case PlaceOrder:
		return e.applyPlaceOrder(c)
	case CancelOrder:
		return e.applyCancelOrder(c)
	case PlaceBundle:
		return e.applyPlaceBundle(c)
	case CreditDeposit:
		return e.applyCreditDeposit(c)
	case ReserveWithdrawal:
		return e.applyReserveWithdrawal(c)
	case ReleaseWithdrawal:
		return e.applyReleaseWithdrawal(c)
	case ConfirmWithdrawal:
		return e.applyConfirmWithdrawal(c)
	default:
		return Result{Err: fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)}
	}
}

func (e *Engine) book(productID string) *orderbook.Book {
	if b, ok := e.books[productID]; ok {
		return b
	}
	b := orderbook.NewBook(productID)
	e.books[productID] = b
	return b
}

// reservation returns the asset and amount an order must have reserved to
// back its worst case: bids reserve payment at the limit price, asks reserve
// the certificates themselves.
func reservation(p *product.Product, side orderbook.Side, price, volume int64) (asset string, amount int64) {
	if side == orderbook.Bid {
		return p.Currency, price * volume
	}
	return p.Asset, volume
}

func (e *Engine) applyPlaceOrder(c PlaceOrder) Result {
	o := c.Order
	if o == nil || o.ID == "" {
		return Result{Err: fmt.Errorf("%w: missing order", ErrInvalidCommand)}
	}
	if o.IsTerminal() || o.Filled != 0 {
		return Result{Err: fmt.Errorf("%w: order %s not placeable (status=%s filled=%d)",
			ErrInvalidState, o.ID, o.Status, o.Filled)}
	}
	if _, dup := e.orders[o.ID]; dup {
		return Result{Err: fmt.Errorf("%w: order %s already active", ErrInvalidState, o.ID)}
	}

	prod, err := e.products.Get(o.ProductID)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: product %s", ErrNotFound, o.ProductID)}
	}
	if err := prod.ValidateOrder(o.Price, o.Volume); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrInvalidCommand, err)}
	}

	if o.CreatedAt == 0 {
		o.CreatedAt = e.clock.Now().UnixMilli()
	}

	asset, amount := reservation(prod, o.Side, o.Price, o.Volume)
	if err := e.balances.Reserve(o.Account, asset, amount); err != nil {
		if errors.Is(err, balance.ErrInsufficient) {
			return Result{Err: fmt.Errorf("%w: %v", ErrInsufficientBalance, err)}
		}
		return Result{Err: err}
	}

	fills, err := e.book(o.ProductID).Submit(o)
	if err != nil {
		// Unreachable for validated orders; undo the reservation.
		if rerr := e.balances.Release(o.Account, asset, amount); rerr != nil {
			e.log.Error("release after rejected submit failed", zap.Error(rerr))
		}
		return Result{Err: fmt.Errorf("%w: %v", ErrInvalidState, err)}
	}

	if !o.IsTerminal() {
		e.orders[o.ID] = o
	}

	trades := e.settle(prod, fills)
	e.archiveIfTerminal(o)

	e.emit(events.OrderAccepted, *o)
	e.log.Info("order placed",
		zap.String("order", o.ID),
		zap.String("product", o.ProductID),
		zap.String("side", o.Side.String()),
		zap.Int64("price", o.Price),
		zap.Int64("volume", o.Volume),
		zap.Int("fills", len(fills)))

	return Result{Order: o, Trades: trades}
}

// settle moves balances for each fill and records the trades. Trade
// settlement is two ledger transfers under one command, never partial:
// payment at the maker price from buyer to seller, certificates from seller
// to buyer, plus the buyer's price-improvement refund.
func (e *Engine) settle(prod *product.Product, fills []orderbook.Fill) []orderbook.Trade {
	if len(fills) == 0 {
		return nil
	}

	now := e.clock.Now().UnixMilli()
	trades := make([]orderbook.Trade, 0, len(fills))

	for _, f := range fills {
		buy, sell := f.Taker, f.Maker
		if f.Taker.Side == orderbook.Ask {
			buy, sell = f.Maker, f.Taker
		}

		pay := f.Price * f.Volume
		if err := e.balances.TransferReserved(buy.Account, sell.Account, prod.Currency, pay); err != nil {
			e.log.Error("settlement payment transfer failed", zap.Error(err), zap.String("trade_buy", buy.ID))
		}
		if refund := (buy.Price - f.Price) * f.Volume; refund > 0 {
			if err := e.balances.Release(buy.Account, prod.Currency, refund); err != nil {
				e.log.Error("settlement refund failed", zap.Error(err), zap.String("trade_buy", buy.ID))
			}
		}
		if err := e.balances.TransferReserved(sell.Account, buy.Account, prod.Asset, f.Volume); err != nil {
			e.log.Error("settlement certificate transfer failed", zap.Error(err), zap.String("trade_sell", sell.ID))
		}

		t := orderbook.Trade{
			ID:          uuid.NewString(),
			ProductID:   prod.ID,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Buyer:       buy.Account,
			Seller:      sell.Account,
			Price:       f.Price,
			Volume:      f.Volume,
			ExecutedAt:  now,
		}
		trades = append(trades, t)

		if e.archive != nil {
			if err := e.archive.SaveTrade(&t); err != nil {
				e.log.Error("trade archive failed", zap.Error(err), zap.String("trade", t.ID))
			}
		}
		e.emit(events.TradeExecuted, t)
		e.archiveIfTerminal(f.Maker)
	}

	return trades
}

// archiveIfTerminal drops a terminal order from the active index and writes
// its read-only archive copy.
func (e *Engine) archiveIfTerminal(o *orderbook.Order) {
	if !o.IsTerminal() {
		return
	}
	delete(e.orders, o.ID)
	if e.archive != nil {
		if err := e.archive.SaveOrder(o); err != nil {
			e.log.Error("order archive failed", zap.Error(err), zap.String("order", o.ID))
		}
	}
}

func (e *Engine) applyCancelOrder(c CancelOrder) Result {
	o, ok := e.orders[c.OrderID]
	if !ok || o.IsTerminal() {
		return Result{Err: fmt.Errorf("%w: order %s", ErrNotFound, c.OrderID)}
	}
	return e.cancelActive(o, orderbook.Cancelled)
}

// cancelActive removes an active order from its book, releases its remaining
// reservation and archives it with the given terminal status.
func (e *Engine) cancelActive(o *orderbook.Order, status orderbook.OrderStatus) Result {
	prod, err := e.products.Get(o.ProductID)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: product %s", ErrNotFound, o.ProductID)}
	}

	e.book(o.ProductID).Cancel(o.ID)
	o.Status = status

	asset, _ := reservation(prod, o.Side, o.Price, o.Volume)
	remaining := o.Remaining()
	if o.Side == orderbook.Bid {
		remaining = o.Price * o.Remaining()
	}
	if err := e.balances.Release(o.Account, asset, remaining); err != nil {
		e.log.Error("cancel release failed", zap.Error(err), zap.String("order", o.ID))
	}

	e.archiveIfTerminal(o)
	e.emit(events.OrderCancelled, *o)
	e.log.Info("order cancelled",
		zap.String("order", o.ID),
		zap.String("status", status.String()))

	return Result{Order: o}
}

func (e *Engine) applyPlaceBundle(c PlaceBundle) Result {
	b := c.Bundle
	if b == nil || b.ID == "" {
		return Result{Err: fmt.Errorf("%w: missing bundle", ErrInvalidCommand)}
	}
	if e.bundlesHalted {
		return Result{Err: ErrBundlesHalted}
	}
	if err := b.Validate(); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrInvalidCommand, err)}
	}

	legs := b.SortedLegs()

	// Resolve products and validate every leg before touching anything.
	prods := make(map[string]*product.Product, len(legs))
	for _, leg := range legs {
		prod, err := e.products.Get(leg.ProductID)
		if err != nil {
			return Result{Err: fmt.Errorf("%w: product %s", ErrNotFound, leg.ProductID)}
		}
		if err := prod.ValidateOrder(leg.Price, leg.Volume); err != nil {
			return Result{Err: fmt.Errorf("%w: %v", ErrInvalidCommand, err)}
		}
		prods[leg.ProductID] = prod
	}

	// Dry-run balance check: aggregate worst-case cost per asset, no side
	// effects. If any asset is short the whole bundle is rejected.
	need := make(map[string]int64)
	for _, leg := range legs {
		asset, amount := reservation(prods[leg.ProductID], leg.Side, leg.Price, leg.Volume)
		need[asset] += amount
	}
	assets := make([]string, 0, len(need))
	for asset := range need {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if e.balances.Get(b.Account, asset).Available < need[asset] {
			e.emit(events.BundleRejected, *b)
			return Result{Err: fmt.Errorf("%w: bundle %s needs %d %s",
				ErrInsufficientBalance, b.ID, need[asset], asset)}
		}
	}

	// Reserve. Cannot fail after the dry run: nothing else mutates balances
	// while the executor holds control.
	for _, asset := range assets {
		if err := e.balances.Reserve(b.Account, asset, need[asset]); err != nil {
			e.releaseBundle(b.Account, need, assets)
			return Result{Err: fmt.Errorf("%w: %v", ErrInsufficientBalance, err)}
		}
	}

	// Plan every leg read-only. A leg that cannot fully fill against resting
	// liquidity rejects the bundle before any book is touched.
	type legPlan struct {
		leg  bundle.Leg
		prod *product.Product
		book *orderbook.Book
		plan []orderbook.Fill
	}
	plans := make([]legPlan, 0, len(legs))
	for _, leg := range legs {
		book := e.book(leg.ProductID)
		plan, full := book.PlanMatch(leg.Side, leg.Price, leg.Volume)
		if !full {
			e.releaseBundle(b.Account, need, assets)
			e.emit(events.BundleRejected, *b)
			return Result{Err: fmt.Errorf("%w: bundle %s leg %s cannot fully fill",
				ErrInsufficientLiquidity, b.ID, leg.ProductID)}
		}
		plans = append(plans, legPlan{leg: leg, prod: prods[leg.ProductID], book: book, plan: plan})
	}

	// Commit leg by leg in product-ID order. A commit mismatch means the
	// single-writer guarantee was violated: roll back every committed leg
	// and halt bundle intake.
	type committedLeg struct {
		book  *orderbook.Book
		prod  *product.Product
		taker *orderbook.Order
		fills []orderbook.Fill
	}
	now := e.clock.Now().UnixMilli()
	committed := make([]committedLeg, 0, len(plans))

	for _, lp := range plans {
		taker := &orderbook.Order{
			ID:        b.ID + "-" + lp.leg.ProductID,
			Account:   b.Account,
			ProductID: lp.leg.ProductID,
			Side:      lp.leg.Side,
			Price:     lp.leg.Price,
			Volume:    lp.leg.Volume,
			CreatedAt: now,
		}
		fills, err := lp.book.CommitPlan(taker, lp.plan)
		if err != nil {
			for i := len(committed) - 1; i >= 0; i-- {
				committed[i].book.UncommitPlan(committed[i].fills)
			}
			e.releaseBundle(b.Account, need, assets)
			e.bundlesHalted = true
			e.emit(events.BundleRejected, *b)
			e.log.Error("bundle atomicity violation, halting bundle intake",
				zap.String("bundle", b.ID), zap.Error(err))
			return Result{Err: fmt.Errorf("%w: bundle %s: %v", ErrBundleAtomicity, b.ID, err)}
		}
		committed = append(committed, committedLeg{book: lp.book, prod: lp.prod, taker: taker, fills: fills})
	}

	// All legs committed: settle and archive.
	var trades []orderbook.Trade
	for _, cl := range committed {
		trades = append(trades, e.settle(cl.prod, cl.fills)...)
		e.archiveIfTerminal(cl.taker)
	}

	e.emit(events.BundleExecuted, *b)
	e.log.Info("bundle executed",
		zap.String("bundle", b.ID),
		zap.Int("legs", len(legs)),
		zap.Int("trades", len(trades)))

	return Result{Trades: trades}
}

func (e *Engine) releaseBundle(account common.Address, need map[string]int64, assets []string) {
	for _, asset := range assets {
		if err := e.balances.Release(account, asset, need[asset]); err != nil {
			e.log.Error("bundle release failed", zap.Error(err), zap.String("asset", asset))
		}
	}
}

func (e *Engine) applyCreditDeposit(c CreditDeposit) Result {
	if c.Amount <= 0 || c.Asset == "" {
		return Result{Err: fmt.Errorf("%w: bad deposit payload", ErrInvalidCommand)}
	}

	// Replayed ref: guaranteed no-op, absorbed silently.
	if e.deposits != nil && e.deposits.Credited(c.TxRef) {
		e.log.Info("duplicate deposit credit ignored", zap.String("txRef", c.TxRef.Hex()))
		return Result{}
	}

	if err := e.balances.Credit(c.Account, c.Asset, c.Amount); err != nil {
		return Result{Err: err}
	}
	if e.deposits != nil {
		if err := e.deposits.MarkCredited(c.TxRef); err != nil {
			e.log.Error("mark credited failed", zap.Error(err), zap.String("txRef", c.TxRef.Hex()))
		}
	}

	e.emit(events.BalanceCredited, c)
	e.log.Info("deposit credited",
		zap.String("txRef", c.TxRef.Hex()),
		zap.String("account", c.Account.Hex()),
		zap.String("asset", c.Asset),
		zap.Int64("amount", c.Amount))

	return Result{}
}

func (e *Engine) applyReserveWithdrawal(c ReserveWithdrawal) Result {
	if err := e.balances.Reserve(c.Account, c.Asset, c.Amount); err != nil {
		if errors.Is(err, balance.ErrInsufficient) {
			return Result{Err: fmt.Errorf("%w: %v", ErrInsufficientBalance, err)}
		}
		return Result{Err: err}
	}
	return Result{}
}

func (e *Engine) applyReleaseWithdrawal(c ReleaseWithdrawal) Result {
	if err := e.balances.Release(c.Account, c.Asset, c.Amount); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrInvalidState, err)}
	}
	return Result{}
}

func (e *Engine) applyConfirmWithdrawal(c ConfirmWithdrawal) Result {
	if err := e.balances.ConfirmWithdraw(c.Account, c.Asset, c.Amount); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrInvalidState, err)}
	}
	return Result{}
}

func (e *Engine) emit(t events.Type, data interface{}) {
	e.events.Publish(events.Event{Type: t, At: e.clock.Now().UnixMilli(), Data: data})
}

// ---- Read-only queries (API surface) ----

// Depth returns aggregated bid/ask levels for a product.
func (e *Engine) Depth(productID string) (bids, asks []orderbook.PriceLevel) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	b, ok := e.books[productID]
	if !ok {
		return nil, nil
	}
	return b.BidLevels(), b.AskLevels()
}

// LastPrice returns the most recent fill price for a product, 0 if none.
func (e *Engine) LastPrice(productID string) int64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	if b, ok := e.books[productID]; ok {
		return b.LastPrice()
	}
	return 0
}

// OrderSnapshot returns a copy of an active order, or the archived copy for
// terminal orders.
func (e *Engine) OrderSnapshot(id string) (*orderbook.Order, error) {
	e.stateMu.RLock()
	if o, ok := e.orders[id]; ok {
		snap := *o
		e.stateMu.RUnlock()
		return &snap, nil
	}
	e.stateMu.RUnlock()

	if e.archive != nil {
		if o, err := e.archive.LoadOrder(id); err != nil {
			return nil, err
		} else if o != nil {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
}

// BundlesHalted reports whether bundle intake is halted after an atomicity
// violation.
func (e *Engine) BundlesHalted() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.bundlesHalted
}

// ResumeBundles re-enables bundle intake. Operator-only.
func (e *Engine) ResumeBundles() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.bundlesHalted = false
}
