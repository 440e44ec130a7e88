package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/internal/schema"
)

func testTrackedOrder() schema.TrackedOrder {
	return schema.TrackedOrder{
		ClientOrderID:   "c1",
		ExchangeOrderID: "OX-1",
		Pair:            "BTC-USD",
		Side:            schema.TradeSideBuy,
		Type:            schema.OrderTypeLimit,
		Amount:          decimal.NewFromInt(2),
		Price:           decimal.RequireFromString("37500"),
		State:           schema.OrderStateOpen,
	}
}

func TestTradeUpdateFromFill(t *testing.T) {
	p := &fillProcessor{venue: "KRAKEN", book: testBook()}
	var fill fillRecord
	if err := json.Unmarshal([]byte(`{
		"ordertxid": "OX-1",
		"pair": "XXBTZUSD",
		"time": 1688667796.8802,
		"price": "30000.5",
		"vol": "0.5",
		"fee": "0.26"
	}`), &fill); err != nil {
		t.Fatalf("decode fill: %v", err)
	}

	update := p.tradeUpdate("TAAA-1", fill, testTrackedOrder())
	if update.TradeID != "TAAA-1" {
		t.Fatalf("trade id = %q", update.TradeID)
	}
	if update.ClientOrderID != "c1" || update.ExchangeOrderID != "OX-1" {
		t.Fatalf("identity fields: %+v", update)
	}
	if !update.FillBaseAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("base = %s", update.FillBaseAmount)
	}
	if !update.FillQuoteAmount.Equal(decimal.RequireFromString("15000.25")) {
		t.Fatalf("quote = %s", update.FillQuoteAmount)
	}
	if update.Fee.Asset != "USD" {
		t.Fatalf("fee asset = %q, want quote asset USD", update.Fee.Asset)
	}
	if !update.Fee.Amount.Equal(decimal.RequireFromString("0.26")) {
		t.Fatalf("fee = %s", update.Fee.Amount)
	}
	if update.Timestamp.Year() != 2023 {
		t.Fatalf("timestamp = %s", update.Timestamp)
	}
}

func TestTradeIDNeverAliasesOrderID(t *testing.T) {
	p := &fillProcessor{venue: "KRAKEN", book: testBook()}
	update := p.tradeUpdate("OX-1", fillRecord{OrderTxid: "OX-1"}, testTrackedOrder())
	if update.TradeID == update.ExchangeOrderID {
		t.Fatalf("trade id %q must not alias the order id", update.TradeID)
	}
}

func TestUnixTimeDecodesNumberAndString(t *testing.T) {
	var fromNumber, fromString unixTime
	if err := json.Unmarshal([]byte(`1560516023.070651`), &fromNumber); err != nil {
		t.Fatalf("number: %v", err)
	}
	if err := json.Unmarshal([]byte(`"1560516023.070651"`), &fromString); err != nil {
		t.Fatalf("string: %v", err)
	}
	a, b := time.Time(fromNumber), time.Time(fromString)
	if !a.Equal(b) {
		t.Fatalf("decodes differ: %s vs %s", a, b)
	}
	if a.Unix() != 1560516023 {
		t.Fatalf("seconds = %d", a.Unix())
	}
}

func TestAllTradeUpdatesUnknownOrderIsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, []string{"EOrder:Unknown order"}, nil)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 1)
	rec := &reconciler{venue: "KRAKEN", rest: client, now: time.Now}
	p := &fillProcessor{venue: "KRAKEN", book: testBook()}

	updates, err := p.allTradeUpdates(context.Background(), client, rec, testTrackedOrder())
	if err != nil {
		t.Fatalf("unknown order must not be an error, got %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("updates = %v, want none", updates)
	}
}

func TestAllTradeUpdatesCollectsFills(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/private/QueryTrades" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, nil, map[string]any{
			"T1": map[string]any{"ordertxid": "OX-1", "price": "30000", "vol": "0.5", "fee": "0.1", "time": 1688667796.0},
			"T2": map[string]any{"ordertxid": "OX-1", "price": "30010", "vol": "0.25", "fee": "0.05", "time": 1688667800.0},
		})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 1)
	rec := &reconciler{venue: "KRAKEN", rest: client, now: time.Now}
	p := &fillProcessor{venue: "KRAKEN", book: testBook()}

	updates, err := p.allTradeUpdates(context.Background(), client, rec, testTrackedOrder())
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	ids := map[string]bool{}
	for _, u := range updates {
		ids[u.TradeID] = true
	}
	if !ids["T1"] || !ids["T2"] {
		t.Fatalf("trade ids = %v", ids)
	}
}
