package kraken

import (
	"context"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenlink/errs"
	"github.com/coachpo/krakenlink/internal/schema"
)

// venueOrderStates is the total mapping from the venue's status
// vocabulary to canonical order states. Every value the venue can emit
// must appear here; an unmapped value is a configuration error.
var venueOrderStates = map[string]schema.OrderState{
	"pending":  schema.OrderStatePendingCreate,
	"open":     schema.OrderStateOpen,
	"closed":   schema.OrderStateFilled,
	"canceled": schema.OrderStateCanceled,
	"expired":  schema.OrderStateFailed,
}

func mapVenueStatus(venue, status string) (schema.OrderState, error) {
	state, ok := venueOrderStates[status]
	if !ok {
		return "", errs.New(venue, errs.CodeValidation,
			errs.WithRawMessage(status),
			errs.WithMessage("venue order status "+strconv.Quote(status)+" has no canonical mapping; the status table must be extended"))
	}
	return state, nil
}

// reconciler resolves venue order identifiers and turns venue status
// reads into idempotent state-transition proposals.
type reconciler struct {
	venue string
	rest  *restClient
	now   func() time.Time
}

type openOrdersResult struct {
	Open map[string]json.RawMessage `json:"open"`
}

// resolveExchangeID returns the venue order id for a tracked order. An
// unresolved order is looked up among open orders by its reference
// number; not finding it there is an explicit failure the caller may
// retry later, never an automatic retry here.
func (r *reconciler) resolveExchangeID(ctx context.Context, order schema.TrackedOrder) (string, error) {
	if order.Resolved() {
		return order.ExchangeOrderID, nil
	}
	ref := userref(order.ClientOrderID)
	if ref == 0 {
		// Reference zero is the venue default for orders placed without
		// one; querying it would adopt an arbitrary open order.
		return "", errs.New(r.venue, errs.CodeOrderNotFound,
			errs.WithMessage("order "+order.ClientOrderID+" carries no reference number"))
	}
	data := url.Values{}
	data.Set("userref", strconv.FormatInt(int64(ref), 10))
	result, err := r.rest.executeWithRetry(ctx, r.rest.opts.metadata.openOrdersPath, data)
	if err != nil {
		return "", err
	}
	var parsed openOrdersResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", errs.New(r.venue, errs.CodeExchange,
			errs.WithPath(r.rest.opts.metadata.openOrdersPath),
			errs.WithCause(err),
			errs.WithMessage("decode open orders"))
	}
	for txid := range parsed.Open {
		return txid, nil
	}
	return "", errs.New(r.venue, errs.CodeOrderNotFound,
		errs.WithMessage("order "+order.ClientOrderID+" has no venue identifier yet"))
}

type orderStatusRecord struct {
	Status string `json:"status"`
}

// refreshOrderStatus reads the venue's view of a tracked order and
// proposes the mapped state transition. Proposals are idempotent; the
// registry decides whether they apply.
func (r *reconciler) refreshOrderStatus(ctx context.Context, order schema.TrackedOrder) (schema.OrderUpdate, error) {
	exchangeID, err := r.resolveExchangeID(ctx, order)
	if err != nil {
		return schema.OrderUpdate{}, err
	}
	data := url.Values{}
	data.Set("txid", exchangeID)
	result, err := r.rest.executeWithRetry(ctx, r.rest.opts.metadata.queryOrdersPath, data)
	if err != nil {
		return schema.OrderUpdate{}, err
	}
	var records map[string]orderStatusRecord
	if err := json.Unmarshal(result, &records); err != nil {
		return schema.OrderUpdate{}, errs.New(r.venue, errs.CodeExchange,
			errs.WithPath(r.rest.opts.metadata.queryOrdersPath),
			errs.WithCause(err),
			errs.WithMessage("decode order status"))
	}
	record, ok := records[exchangeID]
	if !ok {
		return schema.OrderUpdate{}, errs.New(r.venue, errs.CodeOrderNotFound,
			errs.WithMessage("venue returned no status for order "+exchangeID))
	}
	state, err := mapVenueStatus(r.venue, record.Status)
	if err != nil {
		return schema.OrderUpdate{}, err
	}
	return schema.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: exchangeID,
		Pair:            order.Pair,
		NewState:        state,
		Timestamp:       r.now(),
	}, nil
}

type cancelResult struct {
	Count int `json:"count"`
}

// cancelOrder withdraws a tracked order. An order the venue no longer
// knows is already gone; that outcome is a no-op success rather than a
// failure.
func (r *reconciler) cancelOrder(ctx context.Context, order schema.TrackedOrder) error {
	exchangeID, err := r.resolveExchangeID(ctx, order)
	if err != nil {
		return err
	}
	data := url.Values{}
	data.Set("txid", exchangeID)
	result, err := r.rest.executeWithRetry(ctx, r.rest.opts.metadata.cancelOrderPath, data)
	if err != nil {
		if errs.Is(err, errs.CodeOrderNotFound) {
			return nil
		}
		return err
	}
	var parsed cancelResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return errs.New(r.venue, errs.CodeExchange,
			errs.WithPath(r.rest.opts.metadata.cancelOrderPath),
			errs.WithCause(err),
			errs.WithMessage("decode cancel acknowledgment"))
	}
	if parsed.Count != 1 {
		return errs.New(r.venue, errs.CodeExchange,
			errs.WithPath(r.rest.opts.metadata.cancelOrderPath),
			errs.WithMessage("cancel acknowledged "+strconv.Itoa(parsed.Count)+" orders, expected exactly 1"))
	}
	return nil
}
