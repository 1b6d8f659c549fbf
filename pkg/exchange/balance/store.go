package balance

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

const prefixBalance = "bal:"

// Store provides Pebble-based persistence for ledger entries.
// All writes go through the Ledger's mutex; the store itself is not locked.
type Store struct {
	db *pebble.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// balanceKey format: "bal:{address}:{asset}"
func balanceKey(b *Balance) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, b.Account.Hex(), b.Asset))
}

// SaveBalances writes one or more entries atomically.
// Settlement touches up to four entries in a single command; a batch keeps
// the on-disk state consistent with the in-memory ledger.
func (s *Store) SaveBalances(bs []*Balance) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, b := range bs {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal balance: %w", err)
		}
		if err := batch.Set(balanceKey(b), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balances: %w", err)
	}
	return nil
}

// LoadAll reads every persisted ledger entry.
func (s *Store) LoadAll() ([]*Balance, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Balance
	for iter.First(); iter.Valid(); iter.Next() {
		var b Balance
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			continue // skip invalid entries
		}
		out = append(out, &b)
	}
	return out, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
