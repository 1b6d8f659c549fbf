package deposit

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/wattexchange/wattex/pkg/exchange/engine"
	"github.com/wattexchange/wattex/pkg/util"
)

// Observation is one transfer as seen on the external bridge during a poll.
// The same transfer may be observed any number of times with a growing
// confirmation count.
type Observation struct {
	TxRef         common.Hash
	Account       common.Address
	Asset         string
	Amount        int64
	Confirmations uint64
}

// Source abstracts the external registry bridge. Poll returns the currently
// visible inbound transfers; implementations may return the same transfer
// repeatedly.
type Source interface {
	Poll(ctx context.Context) ([]Observation, error)
}

// NopSource is the development-mode bridge: it never observes transfers.
type NopSource struct{}

func (NopSource) Poll(ctx context.Context) ([]Observation, error) { return nil, nil }

// Watcher polls a Source, tracks confirmation counts in the deposit Ledger
// and hands confirmed transfers to the matching engine for crediting. The
// engine applies each credit at most once regardless of how often the
// watcher re-submits it.
type Watcher struct {
	log      *zap.Logger
	src      Source
	ledger   *Ledger
	eng      *engine.Engine
	required uint64
	interval time.Duration
	clock    util.Clock
}

func NewWatcher(log *zap.Logger, src Source, ledger *Ledger, eng *engine.Engine, required uint64, interval time.Duration, clock util.Clock) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{
		log:      log,
		src:      src,
		ledger:   ledger,
		eng:      eng,
		required: required,
		interval: interval,
		clock:    clock,
	}
}

// Run polls until ctx is cancelled. On startup it re-drives any record that
// was Confirmed but not yet Credited when the process last stopped.
func (w *Watcher) Run(ctx context.Context) {
	for _, r := range w.ledger.ConfirmedUncredited() {
		w.submitCredit(ctx, r)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.interval):
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	obs, err := w.src.Poll(ctx)
	if err != nil {
		w.log.Warn("bridge poll failed", zap.Error(err))
		return
	}
	now := w.clock.Now().UnixMilli()

	for _, o := range obs {
		r, err := w.ledger.Observe(o.TxRef, o.Account, o.Asset, o.Amount, o.Confirmations, now)
		if err != nil {
			w.log.Error("deposit record write failed", zap.Error(err), zap.String("txRef", o.TxRef.Hex()))
			continue
		}
		if r.Status != Pending || r.Confirmations < w.required {
			continue
		}
		if err := w.ledger.MarkConfirmed(o.TxRef); err != nil {
			w.log.Error("deposit confirm failed", zap.Error(err), zap.String("txRef", o.TxRef.Hex()))
			continue
		}
		r.Status = Confirmed
		w.log.Info("deposit confirmed",
			zap.String("txRef", o.TxRef.Hex()),
			zap.String("account", o.Account.Hex()),
			zap.String("asset", o.Asset),
			zap.Int64("amount", o.Amount))
		w.submitCredit(ctx, r)
	}
}

// submitCredit hands one confirmed record to the engine. Failures are left
// for the next poll or restart: the record stays Confirmed until the engine
// marks it Credited.
func (w *Watcher) submitCredit(ctx context.Context, r Record) {
	p, err := w.eng.Enqueue(engine.CreditDeposit{
		TxRef:   r.TxRef,
		Account: r.Account,
		Asset:   r.Asset,
		Amount:  r.Amount,
	})
	if err != nil {
		w.log.Warn("credit enqueue failed", zap.Error(err), zap.String("txRef", r.TxRef.Hex()))
		return
	}
	res, err := p.Wait(ctx)
	if err != nil {
		w.log.Warn("credit wait aborted", zap.Error(err), zap.String("txRef", r.TxRef.Hex()))
		return
	}
	if res.Err != nil {
		w.log.Error("credit rejected", zap.Error(res.Err), zap.String("txRef", r.TxRef.Hex()))
	}
}
