package engine

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wattexchange/wattex/pkg/exchange/orderbook"
)

// Runner owns the engine's executor goroutine. Its loop is the only place
// commands are applied, interleaved with the periodic demand and expiry
// passes so that ticks observe a book no command is mid-mutating.
type Runner struct {
	e           *Engine
	demandEvery time.Duration
	expiryEvery time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func NewRunner(e *Engine, demandEvery, expiryEvery time.Duration) *Runner {
	if demandEvery <= 0 {
		demandEvery = time.Minute
	}
	if expiryEvery <= 0 {
		expiryEvery = time.Minute
	}
	return &Runner{
		e:           e,
		demandEvery: demandEvery,
		expiryEvery: expiryEvery,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (r *Runner) Start() {
	go r.loop()
}

// Stop closes command intake, drains already-enqueued commands and waits for
// the loop to exit.
func (r *Runner) Stop() {
	r.e.closeIntake()
	close(r.stopCh)
	<-r.doneCh
}

func (r *Runner) loop() {
	defer close(r.doneCh)

	demandCh := r.e.clock.After(r.demandEvery)
	expiryCh := r.e.clock.After(r.expiryEvery)

	for {
		select {
		case p := <-r.e.queue:
			r.e.process(p)
		case <-demandCh:
			r.e.demandPass()
			demandCh = r.e.clock.After(r.demandEvery)
		case <-expiryCh:
			r.e.expirySweep()
			expiryCh = r.e.clock.After(r.expiryEvery)
		case <-r.stopCh:
			r.drain()
			return
		}
	}
}

// drain applies commands accepted before shutdown so no caller hangs on a
// Pending that will never resolve.
func (r *Runner) drain() {
	for {
		select {
		case p := <-r.e.queue:
			r.e.process(p)
		default:
			return
		}
	}
}

// demandPass spawns one child bid for every demand order that is due. The
// runner is the only mutator of demand volume: a spawn decrements the
// remaining volume only after the child bid is accepted, so a rejected spawn
// (say, insufficient balance) is retried next period with volume intact.
func (e *Engine) demandPass() {
	if e.demands == nil {
		return
	}
	now := e.clock.Now().UnixMilli()

	for _, id := range e.demands.Due(now) {
		d, ok := e.demands.NextSpawn(id)
		if !ok {
			continue
		}
		o := &orderbook.Order{
			ID:        uuid.NewString(),
			Account:   d.Account,
			ProductID: d.ProductID,
			Side:      orderbook.Bid,
			Price:     d.Price,
			Volume:    d.NextVolume(),
			CreatedAt: now,
			DemandID:  id,
		}
		res := e.apply(PlaceOrder{Order: o})
		if res.Err != nil {
			e.log.Warn("demand spawn rejected",
				zap.String("demand", id),
				zap.Error(res.Err))
			continue
		}
		if err := e.demands.RecordSpawn(id, o.Volume, now); err != nil {
			e.log.Warn("demand bookkeeping failed", zap.String("demand", id), zap.Error(err))
			continue
		}
		e.log.Info("demand spawned bid",
			zap.String("demand", id),
			zap.String("order", o.ID),
			zap.Int64("volume", o.Volume))
	}
}

// expirySweep cancels every resting order whose expiry has passed. Orders
// are collected first: cancellation mutates the active index.
func (e *Engine) expirySweep() {
	now := e.clock.Now().UnixMilli()

	e.stateMu.RLock()
	var expired []*orderbook.Order
	for _, o := range e.orders {
		if o.ExpiresAt > 0 && o.ExpiresAt <= now {
			expired = append(expired, o)
		}
	}
	e.stateMu.RUnlock()

	for _, o := range expired {
		e.stateMu.Lock()
		if _, still := e.orders[o.ID]; still {
			if res := e.cancelActive(o, orderbook.Expired); res.Err != nil {
				e.log.Warn("expiry cancel failed", zap.String("order", o.ID), zap.Error(res.Err))
			}
		}
		e.stateMu.Unlock()
	}
}
