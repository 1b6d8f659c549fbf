package product

import (
	"fmt"
	"time"
)

// Status defines the trading status of a product
type Status int8

const (
	Active  Status = iota // Trading enabled
	Paused                // Trading halted (emergency)
	Retired               // Delivery period closed, product read-only
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Retired:
		return "Retired"
	default:
		return "Unknown"
	}
}

// Product is a tradable energy-certificate product: one certificate asset
// delivered in a fixed period, quoted in one payment currency.
// Identity is immutable once created; only Status may change.
type Product struct {
	// Identity
	ID       string // "GO-SOLAR-DE-2026Q3"
	Asset    string // certificate asset credited/debited on trades ("GO-SOLAR-DE")
	Currency string // payment asset quoted per certificate unit ("EUR")

	// Delivery period (Unix seconds, [Start, End))
	DeliveryStart int64
	DeliveryEnd   int64

	// Location attributes
	Region     string // bidding zone / country code
	GridPoint  string // optional metering point
	Technology string // "solar", "wind", "hydro"

	Status Status

	// Limits
	// Prices are integer currency cents per certificate unit (1 unit = 1 Wh).
	// Volumes are integer certificate units.
	MinVolume int64 // dust guard
	MaxVolume int64 // single order cap

	CreatedAt int64 // Unix milliseconds
}

// New creates a product with validation. The identity fields are frozen after
// this call; the registry only ever mutates Status.
func New(id, asset, currency string, deliveryStart, deliveryEnd int64) (*Product, error) {
	if id == "" || asset == "" || currency == "" {
		return nil, fmt.Errorf("product identity incomplete: id=%q asset=%q currency=%q", id, asset, currency)
	}
	if deliveryEnd <= deliveryStart {
		return nil, fmt.Errorf("invalid delivery period: start=%d end=%d", deliveryStart, deliveryEnd)
	}
	return &Product{
		ID:            id,
		Asset:         asset,
		Currency:      currency,
		DeliveryStart: deliveryStart,
		DeliveryEnd:   deliveryEnd,
		Status:        Active,
		MinVolume:     1,
		MaxVolume:     1_000_000_000, // 1 GWh per order
		CreatedAt:     time.Now().UnixMilli(),
	}, nil
}

// ValidateOrder checks price/volume against product limits and status.
func (p *Product) ValidateOrder(price, volume int64) error {
	if p.Status != Active {
		return fmt.Errorf("product %s not active (status: %s)", p.ID, p.Status)
	}
	if price <= 0 {
		return fmt.Errorf("price must be positive: %d", price)
	}
	if volume < p.MinVolume {
		return fmt.Errorf("volume %d below minimum %d", volume, p.MinVolume)
	}
	if volume > p.MaxVolume {
		return fmt.Errorf("volume %d exceeds maximum %d", volume, p.MaxVolume)
	}
	return nil
}
