package bundle

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wattexchange/wattex/pkg/exchange/orderbook"
)

// Leg is one side of a composite order: a limit against a single product.
type Leg struct {
	ProductID string         `json:"productId"`
	Side      orderbook.Side `json:"side"`
	Price     int64          `json:"price"`
	Volume    int64          `json:"volume"`
}

// Bundle is an all-or-none composite order spanning multiple products.
// Either every leg executes fully against immediately-available liquidity,
// or nothing executes; legs never rest in a book.
type Bundle struct {
	ID        string         `json:"id"`
	Account   common.Address `json:"account"`
	Legs      []Leg          `json:"legs"`
	CreatedAt int64          `json:"createdAt"` // Unix milliseconds
}

// Validate checks structural invariants. Legs must reference distinct
// products so their match plans cannot consume each other's liquidity.
func (b *Bundle) Validate() error {
	if len(b.Legs) == 0 {
		return fmt.Errorf("bundle %s has no legs", b.ID)
	}
	seen := make(map[string]struct{}, len(b.Legs))
	for i, leg := range b.Legs {
		if leg.ProductID == "" {
			return fmt.Errorf("bundle %s leg %d missing product", b.ID, i)
		}
		if leg.Side != orderbook.Bid && leg.Side != orderbook.Ask {
			return fmt.Errorf("bundle %s leg %d has invalid side", b.ID, i)
		}
		if leg.Price <= 0 {
			return fmt.Errorf("bundle %s leg %d price must be positive: %d", b.ID, i, leg.Price)
		}
		if leg.Volume <= 0 {
			return fmt.Errorf("bundle %s leg %d volume must be positive: %d", b.ID, i, leg.Volume)
		}
		if _, dup := seen[leg.ProductID]; dup {
			return fmt.Errorf("bundle %s has duplicate product %s", b.ID, leg.ProductID)
		}
		seen[leg.ProductID] = struct{}{}
	}
	return nil
}

// SortedLegs returns the legs ordered by product ID. Bundles are always
// applied in this order so concurrent submissions stay deterministic.
func (b *Bundle) SortedLegs() []Leg {
	legs := make([]Leg, len(b.Legs))
	copy(legs, b.Legs)
	sort.Slice(legs, func(i, j int) bool { return legs[i].ProductID < legs[j].ProductID })
	return legs
}
