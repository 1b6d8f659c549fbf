package orderbook

import "github.com/ethereum/go-ethereum/common"

type Side int8

const (
	Bid Side = 1
	Ask Side = -1
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus int8

const (
	Open OrderStatus = iota
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

func (s OrderStatus) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a limit order for one product. Owned by its book while active,
// read-only once terminal.
type Order struct {
	ID        string
	Account   common.Address // custody address of the owning account
	ProductID string
	Side      Side
	Price     int64 // limit price in currency cents per certificate unit
	Volume    int64 // total volume in certificate units
	Filled    int64 // volume filled so far; 0 <= Filled <= Volume
	Status    OrderStatus

	// Timestamps (Unix milliseconds). ExpiresAt 0 means good-till-cancelled.
	CreatedAt int64
	ExpiresAt int64

	// DemandID is set when the order was spawned by a recurring demand.
	DemandID string
}

// Remaining returns unfilled volume.
func (o *Order) Remaining() int64 {
	return o.Volume - o.Filled
}

// IsTerminal returns true once the order can no longer trade.
func (o *Order) IsTerminal() bool {
	return o.Status == Filled || o.Status == Cancelled || o.Status == Expired
}

// Fill is a single cross between a taker and a resting maker.
// Price is always the maker's limit price.
type Fill struct {
	Taker  *Order
	Maker  *Order
	Price  int64
	Volume int64
}

// Trade is the immutable record of an executed fill.
type Trade struct {
	ID          string         `json:"id"`
	ProductID   string         `json:"productId"`
	BuyOrderID  string         `json:"buyOrderId"`
	SellOrderID string         `json:"sellOrderId"`
	Buyer       common.Address `json:"buyer"`
	Seller      common.Address `json:"seller"`
	Price       int64          `json:"price"`
	Volume      int64          `json:"volume"`
	ExecutedAt  int64          `json:"executedAt"` // Unix milliseconds
}

// PriceLevel aggregates resting volume at one price.
type PriceLevel struct {
	Price  int64 `json:"price"`
	Volume int64 `json:"volume"`
}
