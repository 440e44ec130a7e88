// Package tracker provides the in-memory order and trade registry. It
// owns in-flight order state, decides whether proposed transitions
// apply, and enforces trade-id deduplication so redundant fill
// deliveries never double-count.
package tracker

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/internal/schema"
)

// Tracker is a concurrency-safe implementation of the registry contract
// consumed by venue connectors.
type Tracker struct {
	mu           sync.RWMutex
	orders       map[string]*trackedEntry
	byExchangeID map[string]string
	seenTrades   map[string]struct{}
}

type trackedEntry struct {
	order  schema.TrackedOrder
	filled decimal.Decimal
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		orders:       make(map[string]*trackedEntry),
		byExchangeID: make(map[string]string),
		seenTrades:   make(map[string]struct{}),
	}
}

// Track registers a new in-flight order. Re-tracking an existing client
// id is rejected; connectors must not reuse identifiers.
func (t *Tracker) Track(order schema.TrackedOrder) error {
	if order.ClientOrderID == "" {
		return fmt.Errorf("tracker: client order id required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.orders[order.ClientOrderID]; exists {
		return fmt.Errorf("tracker: order %s already tracked", order.ClientOrderID)
	}
	t.orders[order.ClientOrderID] = &trackedEntry{order: order}
	if order.ExchangeOrderID != "" {
		t.byExchangeID[order.ExchangeOrderID] = order.ClientOrderID
	}
	return nil
}

// Lookup returns the tracked order for a client id.
func (t *Tracker) Lookup(clientOrderID string) (schema.TrackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.orders[clientOrderID]
	if !ok {
		return schema.TrackedOrder{}, false
	}
	return entry.order, true
}

// LookupExchangeID returns the tracked order for a venue order id.
func (t *Tracker) LookupExchangeID(exchangeOrderID string) (schema.TrackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clientID, ok := t.byExchangeID[exchangeOrderID]
	if !ok {
		return schema.TrackedOrder{}, false
	}
	entry, ok := t.orders[clientID]
	if !ok {
		return schema.TrackedOrder{}, false
	}
	return entry.order, true
}

// OpenOrders returns a snapshot of every non-terminal tracked order.
func (t *Tracker) OpenOrders() []schema.TrackedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]schema.TrackedOrder, 0, len(t.orders))
	for _, entry := range t.orders {
		if entry.order.State.Terminal() {
			continue
		}
		out = append(out, entry.order)
	}
	return out
}

// ApplyOrderUpdate applies a proposed state transition. Proposals are
// idempotent: re-applying the current state, or any transition on an
// already-terminal order, is a no-op. Returns whether state changed.
func (t *Tracker) ApplyOrderUpdate(update schema.OrderUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.orders[update.ClientOrderID]
	if !ok {
		return false
	}
	if entry.order.State.Terminal() {
		return false
	}
	if update.ExchangeOrderID != "" && entry.order.ExchangeOrderID == "" {
		entry.order.ExchangeOrderID = update.ExchangeOrderID
		t.byExchangeID[update.ExchangeOrderID] = update.ClientOrderID
	}
	if entry.order.State == update.NewState {
		return false
	}
	entry.order.State = update.NewState
	return true
}

// ApplyTradeUpdate records a fill against its order. The same trade id
// applied twice changes the aggregate fill amount only once. Returns
// whether the fill was newly applied.
func (t *Tracker) ApplyTradeUpdate(update schema.TradeUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.seenTrades[update.TradeID]; seen {
		return false
	}
	entry, ok := t.orders[update.ClientOrderID]
	if !ok {
		return false
	}
	t.seenTrades[update.TradeID] = struct{}{}
	entry.filled = entry.filled.Add(update.FillBaseAmount)
	if entry.filled.GreaterThanOrEqual(entry.order.Amount) {
		entry.order.State = schema.OrderStateFilled
	} else if entry.order.State == schema.OrderStateOpen || entry.order.State == schema.OrderStatePendingCreate {
		entry.order.State = schema.OrderStatePartiallyFilled
	}
	return true
}

// TradeSeen reports whether a trade id was already applied.
func (t *Tracker) TradeSeen(tradeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, seen := t.seenTrades[tradeID]
	return seen
}

// FilledAmount returns the aggregate base amount filled for an order.
func (t *Tracker) FilledAmount(clientOrderID string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.orders[clientOrderID]
	if !ok {
		return decimal.Zero
	}
	return entry.filled
}
