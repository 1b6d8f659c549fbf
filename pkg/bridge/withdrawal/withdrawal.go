// Package withdrawal drives outbound transfers through a persistent state
// machine: Requested -> Reserved -> Submitted -> Confirmed. Failed is the
// release path for custody failures and is reachable only once funds are
// reserved; a reserve rejection leaves the request Requested. Reserved funds
// are destroyed only on confirmation and released only on failure, never both.
package withdrawal

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wattexchange/wattex/pkg/storage"
)

type State string

const (
	Requested State = "requested"
	Reserved  State = "reserved"
	Submitted State = "submitted"
	Confirmed State = "confirmed" // terminal
	Failed    State = "failed"    // terminal
)

func (s State) Terminal() bool {
	return s == Confirmed || s == Failed
}

// Request is one withdrawal, persisted across restarts so in-flight custody
// submissions survive a crash.
type Request struct {
	ID          string         `json:"id"`
	Account     common.Address `json:"account"`
	Asset       string         `json:"asset"`
	Amount      int64          `json:"amount"`
	Destination common.Address `json:"destination"`
	State       State          `json:"state"`
	Attempts    int            `json:"attempts"`
	// NextAttemptAt gates the retry backoff, unix millis.
	NextAttemptAt int64       `json:"nextAttemptAt,omitempty"`
	TxRef         common.Hash `json:"txRef,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
	CreatedAt     int64       `json:"createdAt"`
	UpdatedAt     int64       `json:"updatedAt"`
}

// Ledger is the persistent withdrawal request store.
type Ledger struct {
	mu       sync.RWMutex
	requests map[string]*Request
	store    *storage.Store // nil in tests
}

func NewLedger(store *storage.Store) (*Ledger, error) {
	l := &Ledger{
		requests: make(map[string]*Request),
		store:    store,
	}
	if store != nil {
		var scanErr error
		err := store.ScanJSON(storage.WithdrawalPrefix(), func(value []byte) bool {
			r := new(Request)
			if scanErr = json.Unmarshal(value, r); scanErr != nil {
				return false
			}
			l.requests[r.ID] = r
			return true
		})
		if err == nil {
			err = scanErr
		}
		if err != nil {
			return nil, fmt.Errorf("load withdrawal requests: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) persist(r *Request) error {
	if l.store == nil {
		return nil
	}
	return l.store.PutJSON(storage.WithdrawalKey(r.ID), r)
}

func (l *Ledger) Create(r *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.requests[r.ID]; dup {
		return fmt.Errorf("withdrawal %s already exists", r.ID)
	}
	l.requests[r.ID] = r
	return l.persist(r)
}

// Update applies fn to the stored request under the lock and persists the
// result. fn sees and mutates the live record.
func (l *Ledger) Update(id string, fn func(*Request)) (Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("withdrawal %s not found", id)
	}
	fn(r)
	if err := l.persist(r); err != nil {
		return *r, err
	}
	return *r, nil
}

func (l *Ledger) Get(id string) (Request, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// InState returns copies of all requests in the given state, oldest first.
func (l *Ledger) InState(s State) []Request {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Request
	for _, r := range l.requests {
		if r.State == s {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// ByAccount returns copies of all requests for an account, oldest first.
func (l *Ledger) ByAccount(account common.Address) []Request {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Request
	for _, r := range l.requests {
		if r.Account == account {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}
