package demand

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Demand is a recurring buy specification: once per period the runner spawns
// a child bid of min(RemainingVolume, VolumePerPeriod) at Price until the
// target volume is exhausted or the demand is deactivated.
type Demand struct {
	ID              string         `json:"id"`
	Account         common.Address `json:"account"`
	ProductID       string         `json:"productId"`
	Price           int64          `json:"price"`
	VolumePerPeriod int64          `json:"volumePerPeriod"`
	Period          time.Duration  `json:"period"`
	RemainingVolume int64          `json:"remainingVolume"`
	Active          bool           `json:"active"`

	// NextRunAt is the next tick at which a child order is due (Unix ms).
	NextRunAt int64 `json:"nextRunAt"`
	CreatedAt int64 `json:"createdAt"`
}

// NextVolume returns the size of the next child order.
func (d *Demand) NextVolume() int64 {
	if d.RemainingVolume < d.VolumePerPeriod {
		return d.RemainingVolume
	}
	return d.VolumePerPeriod
}

// Validate checks the specification before registration.
func (d *Demand) Validate() error {
	if d.ProductID == "" {
		return fmt.Errorf("demand %s missing product", d.ID)
	}
	if d.Price <= 0 {
		return fmt.Errorf("demand %s price must be positive: %d", d.ID, d.Price)
	}
	if d.VolumePerPeriod <= 0 {
		return fmt.Errorf("demand %s volume per period must be positive: %d", d.ID, d.VolumePerPeriod)
	}
	if d.RemainingVolume <= 0 {
		return fmt.Errorf("demand %s remaining volume must be positive: %d", d.ID, d.RemainingVolume)
	}
	if d.Period <= 0 {
		return fmt.Errorf("demand %s period must be positive: %s", d.ID, d.Period)
	}
	return nil
}
