package events

import "go.uber.org/zap"

// Type enumerates the outbound event feed. One event is emitted for every
// state-changing command application.
type Type string

const (
	OrderAccepted          Type = "order_accepted"
	OrderCancelled         Type = "order_cancelled"
	TradeExecuted          Type = "trade_executed"
	BundleExecuted         Type = "bundle_executed"
	BundleRejected         Type = "bundle_rejected"
	BalanceCredited        Type = "balance_credited"
	WithdrawalStateChanged Type = "withdrawal_state_changed"
)

// Event is the envelope published to notification collaborators.
// Data is a JSON-marshalable payload specific to the event type.
type Event struct {
	Type Type        `json:"type"`
	At   int64       `json:"at"` // Unix milliseconds
	Data interface{} `json:"data"`
}

// Publisher is the external notification sink. Publish must not block the
// caller for long: the engine emits from inside its executor loop.
type Publisher interface {
	Publish(e Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Log publishes events to a zap logger. Useful as a default sink and in tests.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Publish(e Event) {
	l.Logger.Info("event", zap.String("type", string(e.Type)), zap.Int64("at", e.At), zap.Any("data", e.Data))
}

// Fanout publishes to multiple sinks in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

// Add appends a sink. Not safe to call once publishing has started.
func (f *Fanout) Add(p Publisher) {
	*f = append(*f, p)
}

// Collector records events in memory for tests.
type Collector struct {
	Events []Event
}

func (c *Collector) Publish(e Event) {
	c.Events = append(c.Events, e)
}

// ByType returns recorded events matching t.
func (c *Collector) ByType(t Type) []Event {
	var out []Event
	for _, e := range c.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
