package kraken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/errs"
	"github.com/coachpo/krakenlink/internal/ratelimit"
	"github.com/coachpo/krakenlink/internal/schema"
	"github.com/coachpo/krakenlink/internal/tracker"
)

func newTestConnector(t *testing.T, serverURL string) (*Connector, *tracker.Tracker) {
	t.Helper()
	reg := tracker.New()
	conn, err := New(reg, Config{
		APIKey:    "key",
		APISecret: testSecret(),
		Tier:      ratelimit.TierPro,
	})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}

	client, _ := newTestClient(t, serverURL, 1)
	conn.rest = client
	conn.reconciler.rest = client
	conn.book = testBook()
	conn.fills.book = conn.book
	conn.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	conn.reconciler.now = conn.now
	conn.dispatcher.now = conn.now
	return conn, reg
}

func drainEvents(conn *Connector) []*schema.Event {
	var events []*schema.Event
	for {
		select {
		case e := <-conn.Updates():
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestPlaceOrderTracksAndEmits(t *testing.T) {
	var gotUserref string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/private/AddOrder" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = r.ParseForm()
		if r.PostFormValue("pair") != "XBTUSD" {
			t.Errorf("pair = %q", r.PostFormValue("pair"))
		}
		gotUserref = r.PostFormValue("userref")
		writeEnvelope(w, nil, map[string]any{"txid": []string{"ONEW-1"}})
	}))
	defer srv.Close()

	conn, reg := newTestConnector(t, srv.URL)
	order, err := conn.PlaceOrder(context.Background(), schema.OrderIntent{
		Pair:   "BTC-USD",
		Side:   schema.TradeSideBuy,
		Type:   schema.OrderTypeLimit,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.RequireFromString("30000"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if order.ExchangeOrderID != "ONEW-1" {
		t.Fatalf("exchange id = %q", order.ExchangeOrderID)
	}
	if gotUserref == "" || gotUserref != order.ClientOrderID {
		t.Fatalf("userref %q must equal the numeric client order id %q", gotUserref, order.ClientOrderID)
	}
	if order.State != schema.OrderStatePendingCreate {
		t.Fatalf("state = %s", order.State)
	}
	if _, ok := reg.Lookup(order.ClientOrderID); !ok {
		t.Fatal("order must be registered")
	}
	events := drainEvents(conn)
	if len(events) != 1 || events[0].Type != schema.EventTypeOrderUpdate {
		t.Fatalf("events = %+v", events)
	}
	if events[0].EventID == "" {
		t.Fatal("event must carry an id")
	}
}

func TestPlaceOrderValidationFailsBeforeNetwork(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		writeEnvelope(w, nil, map[string]any{"txid": []string{"ONEW-1"}})
	}))
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL)
	_, err := conn.PlaceOrder(context.Background(), schema.OrderIntent{
		Pair:   "BTC-USD",
		Side:   schema.TradeSideSell,
		Type:   schema.OrderTypeStopLoss,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.RequireFromString("30000"),
	})
	if !errs.Is(err, errs.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("validation failure made %d network calls", calls)
	}
}

func TestCancelOrderEmitsCanceledUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/private/CancelOrder" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, nil, map[string]any{"count": 1})
	}))
	defer srv.Close()

	conn, reg := newTestConnector(t, srv.URL)
	if err := reg.Track(schema.TrackedOrder{
		ClientOrderID:   "c1",
		ExchangeOrderID: "OX-1",
		Pair:            "BTC-USD",
		Side:            schema.TradeSideBuy,
		Type:            schema.OrderTypeLimit,
		Amount:          decimal.NewFromInt(1),
		Price:           decimal.RequireFromString("30000"),
		State:           schema.OrderStateOpen,
	}); err != nil {
		t.Fatalf("track: %v", err)
	}

	if err := conn.CancelOrder(context.Background(), "c1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := reg.Lookup("c1")
	if got.State != schema.OrderStateCanceled {
		t.Fatalf("state = %s", got.State)
	}
	events := drainEvents(conn)
	if len(events) != 1 || events[0].Type != schema.EventTypeOrderUpdate {
		t.Fatalf("events = %+v", events)
	}
}

func TestRefreshBalancesPublishesSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/private/Balance":
			writeEnvelope(w, nil, map[string]any{"XXBT": "10", "ZUSD": "1000"})
		case "/0/private/OpenOrders":
			writeEnvelope(w, nil, map[string]any{
				"open": map[string]any{
					"O1": map[string]any{
						"status":   "open",
						"vol":      "3",
						"vol_exec": "0",
						"descr": map[string]any{
							"pair":      "XBTUSD",
							"type":      "sell",
							"ordertype": "limit",
							"price":     "30000",
						},
					},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL)
	if err := conn.RefreshBalances(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	balances := conn.Balances()
	btc := balances["BTC"]
	if !btc.Total.Equal(decimal.NewFromInt(10)) || !btc.Available.Equal(decimal.NewFromInt(7)) || !btc.Locked.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("BTC balance = %+v", btc)
	}
	usd := balances["USD"]
	if !usd.Available.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("USD balance = %+v", usd)
	}

	events := drainEvents(conn)
	if len(events) != 2 {
		t.Fatalf("events = %d, want one per asset", len(events))
	}
	for _, e := range events {
		if e.Type != schema.EventTypeBalanceUpdate {
			t.Fatalf("event type = %s", e.Type)
		}
	}
}

func TestSuccessiveClientOrderIDsIncrease(t *testing.T) {
	next := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		next++
		writeEnvelope(w, nil, map[string]any{"txid": []string{fmt.Sprintf("ONEW-%d", next)}})
	}))
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL)
	intent := schema.OrderIntent{
		Pair:   "BTC-USD",
		Side:   schema.TradeSideBuy,
		Type:   schema.OrderTypeLimit,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.RequireFromString("30000"),
	}
	first, err := conn.PlaceOrder(context.Background(), intent)
	if err != nil {
		t.Fatalf("first place: %v", err)
	}
	second, err := conn.PlaceOrder(context.Background(), intent)
	if err != nil {
		t.Fatalf("second place: %v", err)
	}
	a, _ := strconv.ParseInt(first.ClientOrderID, 10, 64)
	b, _ := strconv.ParseInt(second.ClientOrderID, 10, 64)
	if b <= a {
		t.Fatalf("client order ids must increase: %d then %d", a, b)
	}
}

func TestHandlePushMessageSurfacesCancelSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, nil, map[string]any{})
	}))
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL)
	conn.dispatcher.done = func() bool { return true }
	err := conn.handlePushMessage([]byte(`{"event":"heartbeat"}`))
	if !errors.Is(err, errStreamCanceled) {
		t.Fatalf("cancellation must propagate to the read loop, got %v", err)
	}
}

func TestMalformedPushMessagePausesOnRunContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, nil, map[string]any{})
	}))
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL)
	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	conn.runCtx = runCtx

	var pauses []time.Duration
	var pauseCtx context.Context
	conn.sleep = func(ctx context.Context, d time.Duration) error {
		pauseCtx = ctx
		pauses = append(pauses, d)
		return ctx.Err()
	}

	if err := conn.handlePushMessage([]byte(`[not json`)); err != nil {
		t.Fatalf("malformed message must not kill the stream, got %v", err)
	}
	if len(pauses) != 1 || pauses[0] != dispatchPause {
		t.Fatalf("pauses = %v, want one of %s", pauses, dispatchPause)
	}
	if pauseCtx == nil || pauseCtx.Err() == nil {
		t.Fatal("pause must run on the interruptible run context")
	}
}

func TestServerTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Time" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, nil, map[string]any{"unixtime": 1688669448, "rfc1123": "Thu, 06 Jul 23 18:50:48 +0000"})
	}))
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL)
	ts, err := conn.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("server time: %v", err)
	}
	if ts.Unix() != 1688669448 {
		t.Fatalf("ts = %s", ts)
	}
}

func TestLastTradedPriceUsesClosingTrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/Ticker" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, nil, map[string]any{
			"XXBTZUSD": map[string]any{"c": []string{"30303.3", "0.001"}},
		})
	}))
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL)
	price, err := conn.LastTradedPrice(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("30303.3")) {
		t.Fatalf("price = %s", price)
	}
}
