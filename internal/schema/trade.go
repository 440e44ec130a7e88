package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeFee is a flat fee charged on a fill, denominated in a single asset.
type TradeFee struct {
	Amount decimal.Decimal
	Asset  string
}

// TradeUpdate is the canonical record of a single fill against a
// tracked order. TradeID is stable and content-addressable so the
// registry can deduplicate redundant deliveries.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	FillPrice       decimal.Decimal
	Fee             TradeFee
	Timestamp       time.Time
}
