package kraken

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/errs"
	"github.com/coachpo/krakenlink/internal/schema"
)

// unixTime decodes the venue's fractional-seconds timestamp, which
// arrives as a JSON number on REST and a quoted string on the push
// stream.
type unixTime time.Time

func (t *unixTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*t = unixTime(time.Time{})
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*t = unixTime(timeFromUnixSeconds(f))
	return nil
}

// fillRecord is the venue's per-trade shape, shared by the trade query
// endpoint and the trade-fill push channel.
type fillRecord struct {
	OrderTxid string          `json:"ordertxid"`
	Pair      string          `json:"pair"`
	Time      unixTime        `json:"time"`
	Price     decimal.Decimal `json:"price"`
	Vol       decimal.Decimal `json:"vol"`
	Fee       decimal.Decimal `json:"fee"`
	Userref   json.RawMessage `json:"userref"`
}

// fillProcessor converts raw venue fills into canonical trade updates.
// Fees arrive flat in the order's quote asset.
type fillProcessor struct {
	venue string
	book  *pairBook
}

// tradeUpdate builds a canonical TradeUpdate from a raw fill and the
// order it belongs to. The trade id is the venue's trade key; when that
// key aliases the order's venue id, it is suffixed so trade id and
// order-fill key never collide downstream.
func (p *fillProcessor) tradeUpdate(tradeID string, fill fillRecord, order schema.TrackedOrder) schema.TradeUpdate {
	if tradeID == order.ExchangeOrderID {
		tradeID = tradeID + ":fill"
	}
	quoteAsset := quoteAssetOf(p.book, order.Pair)
	return schema.TradeUpdate{
		TradeID:         tradeID,
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: fill.OrderTxid,
		Pair:            order.Pair,
		FillBaseAmount:  fill.Vol,
		FillQuoteAmount: fill.Vol.Mul(fill.Price),
		FillPrice:       fill.Price,
		Fee: schema.TradeFee{
			Amount: fill.Fee,
			Asset:  quoteAsset,
		},
		Timestamp: time.Time(fill.Time),
	}
}

func quoteAssetOf(book *pairBook, pair string) string {
	if book != nil {
		if rule, ok := book.rule(pair); ok {
			return rule.QuoteAsset
		}
	}
	_, quote, ok := strings.Cut(pair, "-")
	if !ok {
		return ""
	}
	return quote
}

func timeFromUnixSeconds(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// allTradeUpdates queries every fill recorded against the order's venue
// id. An order the venue does not know yields an empty result, not an
// error: fills simply do not exist yet.
func (p *fillProcessor) allTradeUpdates(ctx context.Context, rest *restClient, rec *reconciler, order schema.TrackedOrder) ([]schema.TradeUpdate, error) {
	exchangeID, err := rec.resolveExchangeID(ctx, order)
	if err != nil {
		if errs.Is(err, errs.CodeOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}

	data := url.Values{}
	data.Set("txid", exchangeID)
	result, err := rest.executeWithRetry(ctx, rest.opts.metadata.queryTradesPath, data)
	if err != nil {
		if errs.Is(err, errs.CodeOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var fills map[string]fillRecord
	if err := json.Unmarshal(result, &fills); err != nil {
		return nil, errs.New(p.venue, errs.CodeExchange,
			errs.WithPath(rest.opts.metadata.queryTradesPath),
			errs.WithCause(err),
			errs.WithMessage("decode trade fills"))
	}

	updates := make([]schema.TradeUpdate, 0, len(fills))
	for tradeID, fill := range fills {
		updates = append(updates, p.tradeUpdate(tradeID, fill, order))
	}
	return updates, nil
}
