// Package deposit tracks inbound certificate and currency transfers from the
// external registry bridge and turns confirmed ones into exactly-once balance
// credits.
package deposit

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wattexchange/wattex/pkg/storage"
)

type Status string

const (
	// Pending: observed on the bridge, below the confirmation threshold.
	Pending Status = "pending"
	// Confirmed: threshold reached, credit not yet applied.
	Confirmed Status = "confirmed"
	// Credited: balance credit applied. Terminal.
	Credited Status = "credited"
)

// Record is one observed external transfer, keyed by its transaction hash.
type Record struct {
	TxRef         common.Hash    `json:"txRef"`
	Account       common.Address `json:"account"`
	Asset         string         `json:"asset"`
	Amount        int64          `json:"amount"`
	Confirmations uint64         `json:"confirmations"`
	Status        Status         `json:"status"`
	SeenAt        int64          `json:"seenAt"`
	CreditedAt    int64          `json:"creditedAt,omitempty"`
}

// Ledger is the persistent deposit record store. The watcher goroutine
// observes and confirms records; the matching engine is the only caller of
// MarkCredited, which is what pins the Confirmed -> Credited transition to a
// single writer.
type Ledger struct {
	mu      sync.RWMutex
	records map[common.Hash]*Record
	store   *storage.Store // nil in tests
}

func NewLedger(store *storage.Store) (*Ledger, error) {
	l := &Ledger{
		records: make(map[common.Hash]*Record),
		store:   store,
	}
	if store != nil {
		var scanErr error
		err := store.ScanJSON(storage.DepositPrefix(), func(value []byte) bool {
			r := new(Record)
			if scanErr = json.Unmarshal(value, r); scanErr != nil {
				return false
			}
			l.records[r.TxRef] = r
			return true
		})
		if err == nil {
			err = scanErr
		}
		if err != nil {
			return nil, fmt.Errorf("load deposit records: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) persist(r *Record) error {
	if l.store == nil {
		return nil
	}
	return l.store.PutJSON(storage.DepositKey(r.TxRef), r)
}

// Observe records a bridge observation. New transfers enter Pending; known
// ones only refresh their confirmation count. Returns a copy of the record.
func (l *Ledger) Observe(txRef common.Hash, account common.Address, asset string, amount int64, confirmations uint64, nowMillis int64) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[txRef]
	if !ok {
		r = &Record{
			TxRef:         txRef,
			Account:       account,
			Asset:         asset,
			Amount:        amount,
			Confirmations: confirmations,
			Status:        Pending,
			SeenAt:        nowMillis,
		}
		l.records[txRef] = r
	} else if confirmations > r.Confirmations {
		r.Confirmations = confirmations
	}

	if err := l.persist(r); err != nil {
		return *r, err
	}
	return *r, nil
}

// MarkConfirmed moves a Pending record to Confirmed. Confirmed and Credited
// records are left untouched.
func (l *Ledger) MarkConfirmed(txRef common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[txRef]
	if !ok {
		return fmt.Errorf("deposit %s not found", txRef.Hex())
	}
	if r.Status != Pending {
		return nil
	}
	r.Status = Confirmed
	return l.persist(r)
}

// Credited reports whether the credit for txRef has already been applied.
func (l *Ledger) Credited(txRef common.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.records[txRef]
	return ok && r.Status == Credited
}

// MarkCredited moves a record to its terminal Credited state. Called by the
// matching engine only, immediately after the balance credit.
func (l *Ledger) MarkCredited(txRef common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[txRef]
	if !ok {
		return fmt.Errorf("deposit %s not found", txRef.Hex())
	}
	if r.Status == Credited {
		return nil
	}
	r.Status = Credited
	return l.persist(r)
}

// Get returns a copy of the record for txRef.
func (l *Ledger) Get(txRef common.Hash) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.records[txRef]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ByAccount returns copies of all records for an account, oldest first.
func (l *Ledger) ByAccount(account common.Address) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, r := range l.records {
		if r.Account == account {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt < out[j].SeenAt })
	return out
}

// Confirmed returns copies of all Confirmed-but-not-Credited records. Used
// on restart to re-drive credits that were interrupted mid-flight.
func (l *Ledger) ConfirmedUncredited() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, r := range l.records {
		if r.Status == Confirmed {
			out = append(out, *r)
		}
	}
	return out
}
