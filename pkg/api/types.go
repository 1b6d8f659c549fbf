package api

// Request/response shapes for the REST API. Prices and volumes are integers:
// cents per MWh and whole certificates.

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type ProductRequest struct {
	ID            string `json:"id"`
	Asset         string `json:"asset"`
	Currency      string `json:"currency"`
	DeliveryStart int64  `json:"deliveryStart"`
	DeliveryEnd   int64  `json:"deliveryEnd"`
	Region        string `json:"region"`
	GridPoint     string `json:"gridPoint,omitempty"`
	Technology    string `json:"technology,omitempty"`
	MinVolume     int64  `json:"minVolume"`
	MaxVolume     int64  `json:"maxVolume"`
}

type ProductStatusRequest struct {
	Status string `json:"status"`
}

type OrderRequest struct {
	Account   string `json:"account"`
	ProductID string `json:"productId"`
	Side      string `json:"side"` // "bid" or "ask"
	Price     int64  `json:"price"`
	Volume    int64  `json:"volume"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

type OrderResponse struct {
	OrderID string      `json:"orderId"`
	Status  string      `json:"status"`
	Filled  int64       `json:"filled"`
	Trades  []TradeInfo `json:"trades,omitempty"`
}

type CancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

type BundleLegRequest struct {
	ProductID string `json:"productId"`
	Side      string `json:"side"`
	Price     int64  `json:"price"`
	Volume    int64  `json:"volume"`
}

type BundleRequest struct {
	Account string             `json:"account"`
	Legs    []BundleLegRequest `json:"legs"`
}

type BundleResponse struct {
	BundleID string      `json:"bundleId"`
	Trades   []TradeInfo `json:"trades"`
}

type DemandRequest struct {
	Account         string `json:"account"`
	ProductID       string `json:"productId"`
	Price           int64  `json:"price"`
	VolumePerPeriod int64  `json:"volumePerPeriod"`
	PeriodSeconds   int64  `json:"periodSeconds"`
	TotalVolume     int64  `json:"totalVolume"`
}

type CancelDemandRequest struct {
	DemandID string `json:"demandId"`
}

type WithdrawalRequest struct {
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

type TradeInfo struct {
	ID         string `json:"id"`
	ProductID  string `json:"productId"`
	Price      int64  `json:"price"`
	Volume     int64  `json:"volume"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	ExecutedAt int64  `json:"executedAt"`
}

type PriceLevel struct {
	Price  int64 `json:"price"`
	Volume int64 `json:"volume"`
}

type BookSnapshot struct {
	ProductID string       `json:"productId"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	LastPrice int64        `json:"lastPrice"`
	Timestamp int64        `json:"timestamp"`
}

type BalanceInfo struct {
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
}

// WSSubscribeRequest is the client -> server subscription control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}
