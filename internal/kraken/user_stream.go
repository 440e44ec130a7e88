package kraken

import (
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenlink/internal/connector"
	"github.com/coachpo/krakenlink/internal/schema"
)

const (
	channelOwnTrades  = "ownTrades"
	channelOpenOrders = "openOrders"

	dispatchPause = 5 * time.Second
)

// errStreamCanceled is the sentinel for an intentionally terminated
// stream; it must stop the dispatch loop instead of being absorbed.
var errStreamCanceled = errors.New("kraken: user stream canceled")

// userStreamDispatcher routes push messages to fill and order handling.
// Malformed individual messages never kill the loop; only the
// cancellation sentinel does.
type userStreamDispatcher struct {
	venue    string
	registry connector.Registry
	fills    *fillProcessor
	now      func() time.Time

	// done reports that the stream was intentionally terminated; once it
	// is true every dispatch returns the cancellation sentinel.
	done func() bool

	onTrade func(schema.TradeUpdate)
	onOrder func(schema.OrderUpdate)
}

type wsOrderRecord struct {
	Status  *string         `json:"status"`
	Userref json.RawMessage `json:"userref"`
}

// dispatch handles one raw push message. Array messages carry the
// channel name in the second-to-last element and the payload first;
// object messages are stream housekeeping.
func (d *userStreamDispatcher) dispatch(raw []byte) error {
	if d.done != nil && d.done() {
		return errStreamCanceled
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	if !strings.HasPrefix(trimmed, "[") {
		return d.handleControlMessage([]byte(trimmed))
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
		return errors.New("malformed push message: " + err.Error())
	}
	if len(parts) < 3 {
		return errors.New("push message too short: " + trimmed)
	}

	var channel string
	if err := json.Unmarshal(parts[len(parts)-2], &channel); err != nil {
		return errors.New("push message channel field: " + err.Error())
	}

	switch channel {
	case channelOwnTrades:
		d.handleOwnTrades(parts[0])
	case channelOpenOrders:
		d.handleOpenOrders(parts[0])
	default:
		log.Printf("[kraken] ignoring message on unhandled channel %q", channel)
	}
	return nil
}

func (d *userStreamDispatcher) handleControlMessage(raw []byte) error {
	var control struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &control); err != nil {
		return errors.New("malformed control message: " + err.Error())
	}
	switch control.Event {
	case "heartbeat", "pong", "systemStatus":
		return nil
	case "subscriptionStatus":
		if control.Status == "error" {
			return errors.New("subscription failed: " + control.ErrorMessage)
		}
		return nil
	default:
		log.Printf("[kraken] ignoring control event %q", control.Event)
		return nil
	}
}

// handleOwnTrades processes a list of single-key fill records. Fills
// for orders not tracked locally are expected and dropped with a log
// line only.
func (d *userStreamDispatcher) handleOwnTrades(payload json.RawMessage) {
	var records []map[string]fillRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		log.Printf("[kraken] malformed trade payload: %v", err)
		return
	}
	for _, record := range records {
		for tradeID, fill := range record {
			order, ok := d.matchOrder(fill.Userref, fill.OrderTxid)
			if !ok {
				log.Printf("[kraken] ignoring fill %s for untracked order %s", tradeID, fill.OrderTxid)
				continue
			}
			update := d.fills.tradeUpdate(tradeID, fill, order)
			if d.registry.ApplyTradeUpdate(update) && d.onTrade != nil {
				d.onTrade(update)
			}
		}
	}
}

// handleOpenOrders processes per-order dicts keyed by venue order id.
// Only entries carrying an explicit status propose a transition.
func (d *userStreamDispatcher) handleOpenOrders(payload json.RawMessage) {
	var batches []map[string]wsOrderRecord
	if err := json.Unmarshal(payload, &batches); err != nil {
		log.Printf("[kraken] malformed order payload: %v", err)
		return
	}
	for _, batch := range batches {
		for exchangeID, record := range batch {
			if record.Status == nil {
				continue
			}
			order, ok := d.registry.LookupExchangeID(exchangeID)
			if !ok {
				if order, ok = d.matchOrder(record.Userref, ""); !ok {
					log.Printf("[kraken] ignoring status for untracked order %s", exchangeID)
					continue
				}
			}
			state, err := mapVenueStatus(d.venue, *record.Status)
			if err != nil {
				log.Printf("[kraken] order %s: %v", exchangeID, err)
				continue
			}
			update := schema.OrderUpdate{
				ClientOrderID:   order.ClientOrderID,
				ExchangeOrderID: exchangeID,
				Pair:            order.Pair,
				NewState:        state,
				Timestamp:       d.now(),
			}
			if d.registry.ApplyOrderUpdate(update) && d.onOrder != nil {
				d.onOrder(update)
			}
		}
	}
}

// matchOrder finds the tracked order whose reference number matches the
// record's, falling back to the venue order id. Reference zero is the
// venue default for orders placed without one and never matches.
func (d *userStreamDispatcher) matchOrder(rawRef json.RawMessage, exchangeID string) (schema.TrackedOrder, bool) {
	if ref, ok := userrefValue(rawRef); ok && ref != 0 {
		for _, order := range d.registry.OpenOrders() {
			if int64(userref(order.ClientOrderID)) == ref {
				return order, true
			}
		}
	}
	if exchangeID != "" {
		return d.registry.LookupExchangeID(exchangeID)
	}
	return schema.TrackedOrder{}, false
}

// userrefValue parses the reference number, which arrives as a JSON
// number or a quoted string depending on the endpoint.
func userrefValue(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
