// Package schema defines the canonical, venue-neutral domain types
// exchanged between the connector core and its collaborators.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide identifies the direction of an order or fill.
type TradeSide string

const (
	// TradeSideBuy marks an order that buys the base asset.
	TradeSideBuy TradeSide = "BUY"
	// TradeSideSell marks an order that sells the base asset.
	TradeSideSell TradeSide = "SELL"
)

// OrderType enumerates the order variants the connector can place.
type OrderType string

const (
	OrderTypeMarket            OrderType = "MARKET"
	OrderTypeLimit             OrderType = "LIMIT"
	OrderTypeLimitMaker        OrderType = "LIMIT_MAKER"
	OrderTypeStopLoss          OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit     OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit        OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit   OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeTrailingStop      OrderType = "TRAILING_STOP"
	OrderTypeTrailingStopLimit OrderType = "TRAILING_STOP_LIMIT"
)

// Triggered reports whether the order type rests behind a trigger price
// (stop, take-profit, or trailing variants).
func (t OrderType) Triggered() bool {
	switch t {
	case OrderTypeStopLoss, OrderTypeStopLossLimit,
		OrderTypeTakeProfit, OrderTypeTakeProfitLimit,
		OrderTypeTrailingStop, OrderTypeTrailingStopLimit:
		return true
	default:
		return false
	}
}

// Trailing reports whether the order type expresses its price as a
// trailing offset from the market.
func (t OrderType) Trailing() bool {
	return t == OrderTypeTrailingStop || t == OrderTypeTrailingStopLimit
}

// TwoPriced reports whether the order type carries a secondary limit
// price in addition to its trigger price.
func (t OrderType) TwoPriced() bool {
	switch t {
	case OrderTypeStopLossLimit, OrderTypeTakeProfitLimit, OrderTypeTrailingStopLimit:
		return true
	default:
		return false
	}
}

// Resting reports whether the order rests on the book at an explicit
// price, as opposed to executing immediately at market.
func (t OrderType) Resting() bool {
	return t != OrderTypeMarket
}

// OrderState is the canonical order lifecycle vocabulary.
type OrderState string

const (
	// OrderStatePendingCreate means the venue accepted the order but has
	// not booked it yet.
	OrderStatePendingCreate OrderState = "PENDING_CREATE"
	// OrderStateOpen means the order is live on the book.
	OrderStateOpen OrderState = "OPEN"
	// OrderStatePartiallyFilled means the order is live with partial executions.
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	// OrderStateFilled means the order executed completely.
	OrderStateFilled OrderState = "FILLED"
	// OrderStateCanceled means the order was withdrawn before completion.
	OrderStateCanceled OrderState = "CANCELED"
	// OrderStateFailed means the venue rejected or expired the order.
	OrderStateFailed OrderState = "FAILED"
)

// Terminal reports whether the state ends the order lifecycle.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateFailed:
		return true
	default:
		return false
	}
}

// OrderIntent captures a caller's request to place an order. It is
// immutable once submitted.
type OrderIntent struct {
	Pair   string
	Side   TradeSide
	Type   OrderType
	Amount decimal.Decimal
	Price  decimal.Decimal

	// PercentPrice disambiguates whether Price is absolute (false) or
	// percent-relative (true). Triggered order types require it to be
	// set explicitly; nil means unspecified.
	PercentPrice *bool

	// SecondaryPrice and LimitPrice are the two mutually exclusive ways
	// to supply the secondary limit price of a two-priced order type.
	SecondaryPrice *decimal.Decimal
	LimitPrice     *decimal.Decimal
}

// TrackedOrder is a read-only snapshot of an in-flight order owned by
// the order registry. The connector core reads identity fields and
// proposes state transitions; it never mutates the registry's copy.
type TrackedOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	Side            TradeSide
	Type            OrderType
	Amount          decimal.Decimal
	Price           decimal.Decimal
	State           OrderState
}

// Resolved reports whether the venue-assigned identifier is known.
func (o TrackedOrder) Resolved() bool {
	return o.ExchangeOrderID != ""
}

// OrderUpdate proposes a state transition for a tracked order. Proposals
// are idempotent; the registry decides whether to apply them.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	NewState        OrderState
	Timestamp       time.Time
}
