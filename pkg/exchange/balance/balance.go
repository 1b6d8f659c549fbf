package balance

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInsufficient is returned when an operation needs more available or
// reserved balance than the account holds.
var ErrInsufficient = errors.New("insufficient balance")

// Balance is the per-account, per-asset ledger entry.
// Available backs nothing; Reserved backs an open order, bundle or withdrawal.
type Balance struct {
	Account   common.Address `json:"account"`
	Asset     string         `json:"asset"`
	Available int64          `json:"available"`
	Reserved  int64          `json:"reserved"`
}

// Total returns available + reserved. Conserved by every ledger operation
// except Credit (increases) and ConfirmWithdraw (decreases).
func (b *Balance) Total() int64 {
	return b.Available + b.Reserved
}

// Validate checks ledger entry invariants.
func (b *Balance) Validate() error {
	if b.Available < 0 {
		return fmt.Errorf("negative available for %s/%s: %d", b.Account.Hex(), b.Asset, b.Available)
	}
	if b.Reserved < 0 {
		return fmt.Errorf("negative reserved for %s/%s: %d", b.Account.Hex(), b.Asset, b.Reserved)
	}
	return nil
}
