package schema

import "time"

// EventType tags the payload carried by a connector event.
type EventType string

const (
	// EventTypeOrderUpdate carries an OrderUpdate payload.
	EventTypeOrderUpdate EventType = "order_update"
	// EventTypeTradeUpdate carries a TradeUpdate payload.
	EventTypeTradeUpdate EventType = "trade_update"
	// EventTypeBalanceUpdate carries a BalanceUpdate payload.
	EventTypeBalanceUpdate EventType = "balance_update"
)

// BalanceUpdate reports the recomputed snapshot for a single asset.
type BalanceUpdate struct {
	Asset     string
	Balance   Balance
	Timestamp time.Time
}

// Event is the envelope the connector publishes to observers. EventID
// is unique per emission; payload type follows Type.
type Event struct {
	EventID   string
	Venue     string
	Type      EventType
	Payload   any
	Timestamp time.Time
}
