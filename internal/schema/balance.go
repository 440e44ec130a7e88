package schema

import "github.com/shopspring/decimal"

// Balance is the per-asset account snapshot. Locked is always derived
// from open-order state, never persisted independently.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// DecimalMap accumulates per-asset decimal amounts with an explicit
// zero default for assets that were never touched.
type DecimalMap map[string]decimal.Decimal

// Get returns the accumulated amount for asset, or zero when absent.
func (m DecimalMap) Get(asset string) decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	return m[asset]
}

// Add accumulates amount onto the asset's entry.
func (m DecimalMap) Add(asset string, amount decimal.Decimal) {
	m[asset] = m[asset].Add(amount)
}
