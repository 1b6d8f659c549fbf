package balance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type key struct {
	account common.Address
	asset   string
}

// Ledger tracks available/reserved balances per (account, asset).
// Uses an in-memory map + optional Pebble persistence for durability.
//
// All mutation happens under the matching engine's single-writer executor;
// the mutex only guards concurrent readers (API queries) against the writer.
type Ledger struct {
	mu       sync.RWMutex
	balances map[key]*Balance
	store    *Store // nil disables persistence (tests)
}

// NewLedger creates a ledger backed by a Pebble store at dbPath.
func NewLedger(dbPath string) (*Ledger, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance store: %w", err)
	}

	l := &Ledger{
		balances: make(map[key]*Balance),
		store:    store,
	}
	if err := l.loadAll(); err != nil {
		store.Close()
		return nil, err
	}
	return l, nil
}

// NewMemLedger creates a ledger without persistence.
func NewMemLedger() *Ledger {
	return &Ledger{balances: make(map[key]*Balance)}
}

func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

func (l *Ledger) loadAll() error {
	entries, err := l.store.LoadAll()
	if err != nil {
		return err
	}
	for _, b := range entries {
		l.balances[key{b.Account, b.Asset}] = b
	}
	return nil
}

// get returns the entry, creating a zero entry on first touch. Lock held.
func (l *Ledger) get(account common.Address, asset string) *Balance {
	k := key{account, asset}
	b, ok := l.balances[k]
	if !ok {
		b = &Balance{Account: account, Asset: asset}
		l.balances[k] = b
	}
	return b
}

func (l *Ledger) persist(bs ...*Balance) error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveBalances(bs)
}

// Get returns a copy of the ledger entry (zero values if never touched).
func (l *Ledger) Get(account common.Address, asset string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.balances[key{account, asset}]; ok {
		return *b
	}
	return Balance{Account: account, Asset: asset}
}

// Credit adds amount to available balance. The only operation that creates
// balance; used exclusively for confirmed custody deposits.
func (l *Ledger) Credit(account common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, asset)
	b.Available += amount
	return l.persist(b)
}

// Reserve moves amount from available to reserved.
func (l *Ledger) Reserve(account common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, asset)
	if b.Available < amount {
		return fmt.Errorf("%w: %s/%s available %d, need %d",
			ErrInsufficient, account.Hex(), asset, b.Available, amount)
	}
	b.Available -= amount
	b.Reserved += amount
	return l.persist(b)
}

// Release moves amount from reserved back to available.
// Used on order cancellation, partial-price refunds and failed withdrawals.
func (l *Ledger) Release(account common.Address, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("release amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, asset)
	if b.Reserved < amount {
		return fmt.Errorf("%w: %s/%s reserved %d, release %d",
			ErrInsufficient, account.Hex(), asset, b.Reserved, amount)
	}
	b.Reserved -= amount
	b.Available += amount
	return l.persist(b)
}

// TransferReserved moves amount from the sender's reserved balance into the
// receiver's available balance. Trade settlement applies this once for the
// certificate asset and once for the payment currency, under one engine
// command, never partially.
func (l *Ledger) TransferReserved(from, to common.Address, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("transfer amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.get(from, asset)
	if src.Reserved < amount {
		return fmt.Errorf("%w: %s/%s reserved %d, transfer %d",
			ErrInsufficient, from.Hex(), asset, src.Reserved, amount)
	}
	dst := l.get(to, asset)
	src.Reserved -= amount
	dst.Available += amount
	return l.persist(src, dst)
}

// ConfirmWithdraw permanently destroys reserved balance: the funds have left
// the platform via the custody layer. The only operation besides Credit that
// changes an account's total.
func (l *Ledger) ConfirmWithdraw(account common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("confirm amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, asset)
	if b.Reserved < amount {
		return fmt.Errorf("%w: %s/%s reserved %d, confirm %d",
			ErrInsufficient, account.Hex(), asset, b.Reserved, amount)
	}
	b.Reserved -= amount
	return l.persist(b)
}

// Snapshot returns copies of all entries for one account, sorted by asset.
func (l *Ledger) Snapshot(account common.Address) []Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Balance
	for k, b := range l.balances {
		if k.account == account {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Validate checks invariants across every ledger entry.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, b := range l.balances {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}
