// Package connector defines the venue-neutral connector contract and the
// factory registry used to instantiate venue adapters from configuration.
package connector

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/internal/schema"
)

// Connector is the lifecycle and trading surface a venue adapter exposes.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Close() error

	Updates() <-chan *schema.Event
	Errors() <-chan error

	PlaceOrder(ctx context.Context, intent schema.OrderIntent) (schema.TrackedOrder, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	RefreshOrderStatus(ctx context.Context) error
	RefreshBalances(ctx context.Context) error
	Balances() map[string]schema.Balance
}

// Registry is the collaborator that owns in-flight order and trade state.
// The connector reads snapshots and proposes transitions; the registry
// decides whether proposals apply.
type Registry interface {
	Track(order schema.TrackedOrder) error
	Lookup(clientOrderID string) (schema.TrackedOrder, bool)
	LookupExchangeID(exchangeOrderID string) (schema.TrackedOrder, bool)
	OpenOrders() []schema.TrackedOrder
	ApplyOrderUpdate(update schema.OrderUpdate) bool
	ApplyTradeUpdate(update schema.TradeUpdate) bool
	TradeSeen(tradeID string) bool
}

// TradingRule bounds order parameters for a single trading pair.
type TradingRule struct {
	Pair           string
	MinOrderSize   decimal.Decimal
	AmountStep     decimal.Decimal
	PriceStep      decimal.Decimal
	MinNotional    decimal.Decimal
	BaseAsset      string
	QuoteAsset     string
	VenueSymbol    string
	WebsocketName  string
	PricePrecision int32
	SizePrecision  int32
}
