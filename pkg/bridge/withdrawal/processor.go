package withdrawal

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wattexchange/wattex/pkg/events"
	"github.com/wattexchange/wattex/pkg/exchange/engine"
	"github.com/wattexchange/wattex/pkg/util"
)

// CustodyClient abstracts the external custody layer that actually moves
// funds off the platform.
type CustodyClient interface {
	// Submit initiates the transfer and returns its external reference.
	Submit(ctx context.Context, req Request) (common.Hash, error)
	// Confirmed reports whether a submitted transfer has settled.
	Confirmed(ctx context.Context, txRef common.Hash) (bool, error)
}

// InstantCustody is the development-mode custody layer: submissions succeed
// immediately and settle on the first confirmation check.
type InstantCustody struct{}

func (InstantCustody) Submit(ctx context.Context, req Request) (common.Hash, error) {
	return common.BytesToHash([]byte(req.ID)), nil
}

func (InstantCustody) Confirmed(ctx context.Context, txRef common.Hash) (bool, error) {
	return true, nil
}

// Processor drives withdrawal requests through their state machine. Balance
// moves always go through the matching engine's command queue so they
// serialize with trading activity.
type Processor struct {
	log         *zap.Logger
	ledger      *Ledger
	eng         *engine.Engine
	custody     CustodyClient
	events      events.Publisher
	clock       util.Clock
	interval    time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

type ProcessorConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewProcessor(log *zap.Logger, ledger *Ledger, eng *engine.Engine, custody CustodyClient, pub events.Publisher, clock util.Clock, cfg ProcessorConfig) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	return &Processor{
		log:         log,
		ledger:      ledger,
		eng:         eng,
		custody:     custody,
		events:      pub,
		clock:       clock,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// Request creates a withdrawal and reserves its funds. The reservation goes
// through the engine queue; if the account cannot cover the amount the
// error is reported to the caller and the request stays Requested with
// nothing held; Failed is reserved for custody failures after funds are held.
func (p *Processor) Request(ctx context.Context, account common.Address, asset string, amount int64, destination common.Address) (Request, error) {
	now := p.clock.Now().UnixMilli()
	r := &Request{
		ID:          uuid.NewString(),
		Account:     account,
		Asset:       asset,
		Amount:      amount,
		Destination: destination,
		State:       Requested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.ledger.Create(r); err != nil {
		return Request{}, err
	}
	p.emit(*r)

	pending, err := p.eng.Enqueue(engine.ReserveWithdrawal{
		RequestID: r.ID,
		Account:   account,
		Asset:     asset,
		Amount:    amount,
	})
	if err != nil {
		return p.recordError(r.ID, err)
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		return p.recordError(r.ID, err)
	}
	if res.Err != nil {
		return p.recordError(r.ID, res.Err)
	}

	return p.transition(r.ID, Reserved, nil)
}

// recordError stamps a reserve failure on a still-Requested record without
// changing its state, and returns the cause.
func (p *Processor) recordError(id string, cause error) (Request, error) {
	r, err := p.ledger.Update(id, func(req *Request) {
		req.LastError = cause.Error()
		req.UpdatedAt = p.clock.Now().UnixMilli()
	})
	if err != nil {
		p.log.Error("withdrawal bookkeeping failed", zap.String("request", id), zap.Error(err))
	}
	return r, cause
}

// transition moves a request to state, stamps it and emits the change.
func (p *Processor) transition(id string, state State, mut func(*Request)) (Request, error) {
	now := p.clock.Now().UnixMilli()
	r, err := p.ledger.Update(id, func(req *Request) {
		if mut != nil {
			mut(req)
		}
		req.State = state
		req.UpdatedAt = now
	})
	if err != nil {
		return r, err
	}
	p.emit(r)
	return r, nil
}

func (p *Processor) emit(r Request) {
	p.events.Publish(events.Event{
		Type: events.WithdrawalStateChanged,
		At:   p.clock.Now().UnixMilli(),
		Data: r,
	})
}

// Run ticks until ctx is cancelled, pushing Reserved requests to custody and
// polling Submitted ones for settlement.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	now := p.clock.Now().UnixMilli()

	for _, r := range p.ledger.InState(Reserved) {
		if r.NextAttemptAt > now {
			continue
		}
		p.submit(ctx, r)
	}
	for _, r := range p.ledger.InState(Submitted) {
		p.checkSettled(ctx, r)
	}
}

// submit attempts one custody submission with exponential backoff between
// attempts. Exhausting the attempt budget fails the request and releases its
// reservation.
func (p *Processor) submit(ctx context.Context, r Request) {
	txRef, err := p.custody.Submit(ctx, r)
	if err == nil {
		if _, terr := p.transition(r.ID, Submitted, func(req *Request) {
			req.TxRef = txRef
			req.Attempts++
			req.LastError = ""
		}); terr != nil {
			p.log.Error("withdrawal submit bookkeeping failed", zap.String("request", r.ID), zap.Error(terr))
			return
		}
		p.log.Info("withdrawal submitted",
			zap.String("request", r.ID),
			zap.String("txRef", txRef.Hex()))
		return
	}

	attempts := r.Attempts + 1
	if attempts >= p.maxAttempts {
		p.fail(ctx, r, err)
		return
	}

	delay := p.backoff(attempts)
	if _, terr := p.ledger.Update(r.ID, func(req *Request) {
		req.Attempts = attempts
		req.LastError = err.Error()
		req.NextAttemptAt = p.clock.Now().Add(delay).UnixMilli()
		req.UpdatedAt = p.clock.Now().UnixMilli()
	}); terr != nil {
		p.log.Error("withdrawal retry bookkeeping failed", zap.String("request", r.ID), zap.Error(terr))
	}
	p.log.Warn("withdrawal submit failed, will retry",
		zap.String("request", r.ID),
		zap.Int("attempt", attempts),
		zap.Duration("backoff", delay),
		zap.Error(err))
}

// backoff doubles the base delay per attempt, capped at maxDelay.
func (p *Processor) backoff(attempt int) time.Duration {
	d := p.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	return d
}

func (p *Processor) checkSettled(ctx context.Context, r Request) {
	settled, err := p.custody.Confirmed(ctx, r.TxRef)
	if err != nil {
		p.log.Warn("custody confirmation check failed",
			zap.String("request", r.ID),
			zap.Error(err))
		return
	}
	if !settled {
		return
	}

	pending, err := p.eng.Enqueue(engine.ConfirmWithdrawal{
		RequestID: r.ID,
		Account:   r.Account,
		Asset:     r.Asset,
		Amount:    r.Amount,
	})
	if err != nil {
		p.log.Warn("confirm enqueue failed", zap.String("request", r.ID), zap.Error(err))
		return
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		return
	}
	if res.Err != nil {
		p.log.Error("withdrawal confirm rejected", zap.String("request", r.ID), zap.Error(res.Err))
		return
	}

	if _, terr := p.transition(r.ID, Confirmed, nil); terr != nil {
		p.log.Error("withdrawal confirm bookkeeping failed", zap.String("request", r.ID), zap.Error(terr))
		return
	}
	p.log.Info("withdrawal confirmed",
		zap.String("request", r.ID),
		zap.String("txRef", r.TxRef.Hex()))
}

// fail marks the request Failed and releases its reserved funds. The release
// goes through the engine so it cannot interleave with a settlement touching
// the same balance.
func (p *Processor) fail(ctx context.Context, r Request, cause error) {
	pending, err := p.eng.Enqueue(engine.ReleaseWithdrawal{
		RequestID: r.ID,
		Account:   r.Account,
		Asset:     r.Asset,
		Amount:    r.Amount,
	})
	if err == nil {
		if res, werr := pending.Wait(ctx); werr == nil && res.Err != nil {
			p.log.Error("withdrawal release rejected", zap.String("request", r.ID), zap.Error(res.Err))
		}
	} else {
		p.log.Error("release enqueue failed", zap.String("request", r.ID), zap.Error(err))
	}

	if _, terr := p.transition(r.ID, Failed, func(req *Request) {
		req.Attempts++
		req.LastError = cause.Error()
	}); terr != nil {
		p.log.Error("withdrawal fail bookkeeping failed", zap.String("request", r.ID), zap.Error(terr))
	}
	p.log.Warn("withdrawal failed permanently",
		zap.String("request", r.ID),
		zap.Error(cause))
}
