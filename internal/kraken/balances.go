package kraken

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/internal/schema"
)

// yieldSuffix marks yield-bearing sub-balances the venue reports as
// separate assets; they fold into the parent asset on every refresh.
const yieldSuffix = ".F"

type openOrderRecord struct {
	Status  string          `json:"status"`
	Vol     decimal.Decimal `json:"vol"`
	VolExec decimal.Decimal `json:"vol_exec"`
	Descr   struct {
		Pair      string          `json:"pair"`
		Type      string          `json:"type"`
		Ordertype string          `json:"ordertype"`
		Price     decimal.Decimal `json:"price"`
	} `json:"descr"`
}

// lockedFromOpenOrders derives per-asset locked amounts from resting
// open orders: a sell locks its unexecuted base volume, a buy locks the
// equivalent quote notional at the limit price.
func lockedFromOpenOrders(book *pairBook, orders map[string]openOrderRecord) schema.DecimalMap {
	locked := make(schema.DecimalMap)
	for _, order := range orders {
		if order.Status != "open" {
			continue
		}
		if order.Descr.Ordertype == "market" {
			continue
		}
		pair, ok := book.canonicalFromVenue(order.Descr.Pair)
		if !ok {
			continue
		}
		rule, ok := book.rule(pair)
		if !ok {
			continue
		}
		remaining := order.Vol.Sub(order.VolExec)
		if remaining.Sign() <= 0 {
			continue
		}
		switch order.Descr.Type {
		case "sell":
			locked.Add(rule.BaseAsset, remaining)
		case "buy":
			locked.Add(rule.QuoteAsset, remaining.Mul(order.Descr.Price))
		}
	}
	return locked
}

// balanceAccountant owns the per-asset balance view. Every refresh is a
// full-snapshot recomputation; nothing here mutates prior locked values
// incrementally, so concurrent refreshes cannot drift.
type balanceAccountant struct {
	mu       sync.Mutex
	balances map[string]schema.Balance
}

func newBalanceAccountant() *balanceAccountant {
	return &balanceAccountant{balances: make(map[string]schema.Balance)}
}

// recompute replaces the balance view from a raw venue snapshot and the
// locked amounts derived from open orders. Yield sub-balances fold into
// their parent asset and are zeroed; assets missing from the snapshot
// are dropped. Returns the assets whose entries changed or appeared.
func (a *balanceAccountant) recompute(raw schema.DecimalMap, locked schema.DecimalMap) map[string]schema.Balance {
	next := make(map[string]schema.Balance, len(raw))
	for asset, total := range raw {
		name := canonicalAsset(asset)
		lockedAmt := locked.Get(name)
		next[name] = schema.Balance{
			Total:     total,
			Available: total.Sub(lockedAmt),
			Locked:    lockedAmt,
		}
	}

	for name, bal := range next {
		if !strings.HasSuffix(name, yieldSuffix) {
			continue
		}
		parent := canonicalAsset(strings.SplitN(name, ".", 2)[0])
		merged := next[parent]
		merged.Total = merged.Total.Add(bal.Total)
		merged.Available = merged.Available.Add(bal.Available)
		next[parent] = merged
		next[name] = schema.Balance{}
	}

	a.mu.Lock()
	a.balances = next
	a.mu.Unlock()
	return next
}

// snapshot returns a copy of the current balance view.
func (a *balanceAccountant) snapshot() map[string]schema.Balance {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]schema.Balance, len(a.balances))
	for asset, bal := range a.balances {
		out[asset] = bal
	}
	return out
}
