package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/wattexchange/wattex/pkg/exchange/orderbook"
)

// Store is the shared Pebble archive for terminal orders, trades, deposit
// records and withdrawal requests. Read paths serve API queries; writes come
// from the engine executor and the bridge components.
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

// PutJSON marshals v and writes it under key.
func (s *Store) PutJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetJSON reads key into v. Returns (false, nil) when the key is absent.
func (s *Store) GetJSON(key []byte, v interface{}) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return true, nil
}

// ScanJSON iterates all values under prefix, invoking fn with each raw value.
// fn returns false to stop early.
func (s *Store) ScanJSON(prefix []byte, fn func(value []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Value()) {
			break
		}
	}
	return nil
}

// SaveOrder archives an order. Called when the order reaches a terminal
// status; the archive copy is read-only from then on.
func (s *Store) SaveOrder(o *orderbook.Order) error {
	return s.PutJSON(OrderKey(o.ID), o)
}

// LoadOrder reads an archived order. Returns nil if absent.
func (s *Store) LoadOrder(id string) (*orderbook.Order, error) {
	var o orderbook.Order
	found, err := s.GetJSON(OrderKey(id), &o)
	if err != nil || !found {
		return nil, err
	}
	return &o, nil
}

// SaveTrade appends a trade to the ledger. NoSync: trades are replayable from
// the order archive and batched by Pebble's WAL.
func (s *Store) SaveTrade(t *orderbook.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if err := s.db.Set(TradeKey(t.ProductID, t.ExecutedAt, t.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// LoadRecentTrades returns the most recent trades for a product, newest first.
func (s *Store) LoadRecentTrades(productID string, limit int) ([]*orderbook.Trade, error) {
	prefix := TradePrefix(productID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []*orderbook.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t orderbook.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue // skip invalid entries
		}
		trades = append(trades, &t)
	}
	return trades, nil
}
