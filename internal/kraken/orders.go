package kraken

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/errs"
	"github.com/coachpo/krakenlink/internal/schema"
)

var venueOrderTypes = map[schema.OrderType]string{
	schema.OrderTypeMarket:            "market",
	schema.OrderTypeLimit:             "limit",
	schema.OrderTypeLimitMaker:        "limit",
	schema.OrderTypeStopLoss:          "stop-loss",
	schema.OrderTypeStopLossLimit:     "stop-loss-limit",
	schema.OrderTypeTakeProfit:        "take-profit",
	schema.OrderTypeTakeProfitLimit:   "take-profit-limit",
	schema.OrderTypeTrailingStop:      "trailing-stop",
	schema.OrderTypeTrailingStopLimit: "trailing-stop-limit",
}

// translateOrder turns an order intent into the venue's AddOrder wire
// parameters. Pure translation: validation failures surface before any
// network call.
func translateOrder(venue string, intent schema.OrderIntent, venueSymbol string, ref int32) (url.Values, error) {
	ordertype, ok := venueOrderTypes[intent.Type]
	if !ok {
		return nil, errs.New(venue, errs.CodeValidation,
			errs.WithMessage("unsupported order type "+string(intent.Type)))
	}

	if intent.Type.Triggered() && intent.PercentPrice == nil {
		return nil, errs.New(venue, errs.CodeValidation,
			errs.WithMessage(string(intent.Type)+" order requires the percent-price option to state whether the price is percent-relative or absolute"))
	}

	data := url.Values{}
	data.Set("pair", venueSymbol)
	data.Set("type", strings.ToLower(string(intent.Side)))
	data.Set("volume", intent.Amount.String())
	data.Set("userref", strconv.FormatInt(int64(ref), 10))
	data.Set("ordertype", ordertype)

	price := intent.Price.String()
	if intent.PercentPrice != nil && *intent.PercentPrice {
		price = "#" + intent.Price.String() + "%"
	}
	if intent.Type.Trailing() {
		// Trailing offsets use a directional sign where other relative
		// prices use the either-direction marker.
		price = strings.ReplaceAll(price, "#", "+")
	}
	if intent.Type == schema.OrderTypeMarket {
		// Market orders execute at whatever the book offers.
	} else {
		data.Set("price", price)
	}

	if intent.Type == schema.OrderTypeLimitMaker {
		data.Set("oflags", "post")
	}

	if intent.Type.TwoPriced() {
		if intent.SecondaryPrice == nil && intent.LimitPrice == nil {
			return nil, errs.New(venue, errs.CodeValidation,
				errs.WithMessage(string(intent.Type)+" order requires a secondary limit price"))
		}
		if intent.SecondaryPrice != nil && intent.LimitPrice != nil {
			return nil, errs.New(venue, errs.CodeValidation,
				errs.WithMessage(string(intent.Type)+" order cannot carry both secondary-price options"))
		}
		price2 := intent.SecondaryPrice
		if price2 == nil {
			price2 = intent.LimitPrice
		}
		data.Set("price2", formatSignedPercent(*price2))
	}

	return data, nil
}

// formatSignedPercent renders a percent-relative secondary price with an
// explicit sign, matching the venue's relative-price convention.
func formatSignedPercent(d decimal.Decimal) string {
	if d.Sign() >= 0 {
		return "+" + d.String() + "%"
	}
	return d.String() + "%"
}
