package engine

import (
	"context"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wattexchange/wattex/pkg/exchange/bundle"
	"github.com/wattexchange/wattex/pkg/exchange/orderbook"
)

// Command is the tagged variant applied by the single-writer executor.
// Every mutation of book or balance state travels through one of these.
type Command interface {
	isCommand()
}

type PlaceOrder struct {
	Order *orderbook.Order
}

type CancelOrder struct {
	OrderID string
}

type PlaceBundle struct {
	Bundle *bundle.Bundle
}

// CreditDeposit is enqueued by the deposit watcher once a record is
// confirmed. Application is idempotent per TxRef.
type CreditDeposit struct {
	TxRef   common.Hash
	Account common.Address
	Asset   string
	Amount  int64
}

// ReserveWithdrawal moves amount from available to reserved for a pending
// withdrawal request.
type ReserveWithdrawal struct {
	RequestID string
	Account   common.Address
	Asset     string
	Amount    int64
}

// ReleaseWithdrawal restores a failed withdrawal's reservation.
type ReleaseWithdrawal struct {
	RequestID string
	Account   common.Address
	Asset     string
	Amount    int64
}

// ConfirmWithdrawal destroys reserved balance after the custody layer
// confirms the funds left the platform.
type ConfirmWithdrawal struct {
	RequestID string
	Account   common.Address
	Asset     string
	Amount    int64
}

func (PlaceOrder) isCommand()        {}
func (CancelOrder) isCommand()       {}
func (PlaceBundle) isCommand()       {}
func (CreditDeposit) isCommand()     {}
func (ReserveWithdrawal) isCommand() {}
func (ReleaseWithdrawal) isCommand() {}
func (ConfirmWithdrawal) isCommand() {}

// Result reports the outcome of one command application.
type Result struct {
	Order  *orderbook.Order  // placed/cancelled order, if any
	Trades []orderbook.Trade // trades produced by this command
	Err    error
}

// Pending is the caller's handle on an enqueued command. The done channel is
// the only suspension point exposed to producers.
type Pending struct {
	cmd       Command
	done      chan Result
	cancelled atomic.Bool
}

func newPending(cmd Command) *Pending {
	return &Pending{cmd: cmd, done: make(chan Result, 1)}
}

// Done yields exactly one Result once the command has been applied, or a
// cancellation result if Cancel won the race.
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Cancel drops the command if it has not been dequeued yet. Best-effort:
// returns true when the executor is guaranteed to skip it. Once application
// starts it always runs to completion.
func (p *Pending) Cancel() bool {
	if p.cancelled.CompareAndSwap(false, true) {
		p.done <- Result{Err: ErrCommandCancelled}
		return true
	}
	return false
}

// claim marks the pending command as being applied. Loses to Cancel.
func (p *Pending) claim() bool {
	return p.cancelled.CompareAndSwap(false, true)
}

// Wait blocks until the result is available or ctx is done. The command is
// not aborted on ctx expiry; it will still be applied in queue order.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-p.done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
