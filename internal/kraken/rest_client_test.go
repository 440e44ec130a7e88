package kraken

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenlink/errs"
	"github.com/coachpo/krakenlink/internal/ratelimit"
)

func testSecret() string {
	return base64.StdEncoding.EncodeToString([]byte("test-secret"))
}

// newTestClient builds a REST client pointed at a test server with an
// instantaneous sleep that records requested waits.
func newTestClient(t *testing.T, serverURL string, attempts int) (*restClient, *[]time.Duration) {
	t.Helper()
	opts := withDefaults(Options{Config: Config{
		APIKey:        "key",
		APISecret:     testSecret(),
		Tier:          ratelimit.TierPro,
		RetryAttempts: attempts,
		RetryBase:     2 * time.Second,
	}})
	opts.metadata.apiBaseURL = serverURL

	sign, err := newSigner(opts.Config.APIKey, opts.Config.APISecret)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client := newRESTClient(opts, sign, ratelimit.NewGate(opts.Config.Tier), nil, time.Now)

	waits := &[]time.Duration{}
	client.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return client, waits
}

func writeEnvelope(w http.ResponseWriter, errorList []string, result any) {
	payload := map[string]any{"error": errorList}
	if result != nil {
		payload["result"] = result
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func TestGatewayFailureRetriesUntilExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, waits := newTestClient(t, srv.URL, 5)
	_, err := client.executeWithRetry(context.Background(), client.opts.metadata.balancePath, nil)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
	if len(*waits) != 5 {
		t.Fatalf("waits = %d, want 5", len(*waits))
	}
	for i := 1; i < len(*waits); i++ {
		if (*waits)[i] < (*waits)[i-1] {
			t.Fatalf("waits must not decrease: %v", *waits)
		}
	}
	if errs.CodeOf(err) != errs.CodeNetwork {
		t.Fatalf("exhaustion code = %s, want %s", errs.CodeOf(err), errs.CodeNetwork)
	}
}

func TestInvalidNonceFailsOnFirstAttempt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		writeEnvelope(w, []string{"EAPI:Invalid nonce"}, nil)
	}))
	defer srv.Close()

	client, waits := newTestClient(t, srv.URL, 5)
	_, err := client.executeWithRetry(context.Background(), client.opts.metadata.balancePath, nil)
	if err == nil {
		t.Fatal("expected nonce error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
	if len(*waits) != 0 {
		t.Fatalf("nonce failure must not wait, got %v", *waits)
	}
	if !errs.Is(err, errs.CodeAuthNonce) {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeAuthNonce)
	}
}

func TestUnclassifiedErrorPropagatesImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		writeEnvelope(w, []string{"EGeneral:Internal error"}, nil)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 5)
	_, err := client.executeWithRetry(context.Background(), client.opts.metadata.balancePath, nil)
	if err == nil {
		t.Fatal("expected venue error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errs.Is(err, errs.CodeExchange) {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeExchange)
	}
}

func TestEnvelopeErrorOnHTTPSuccessIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, []string{"EOrder:Insufficient funds"}, map[string]any{"ignored": true})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 5)
	_, err := client.privatePOST(context.Background(), client.opts.metadata.addOrderPath, nil)
	if err == nil {
		t.Fatal("populated error list must fail even on HTTP 200")
	}
}

func TestEmptyResultIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, nil, nil)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 5)
	_, err := client.privatePOST(context.Background(), client.opts.metadata.balancePath, nil)
	if err == nil {
		t.Fatal("empty result must fail even on HTTP 200")
	}
}

func TestAddOrderRecoversFromOpenOrdersAfterGatewayFailure(t *testing.T) {
	var addOrderCalls, openOrderCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.URL.Path {
		case "/0/private/AddOrder":
			addOrderCalls++
			w.WriteHeader(http.StatusBadGateway)
		case "/0/private/OpenOrders":
			openOrderCalls++
			if r.PostFormValue("userref") == "" {
				t.Error("open orders recovery query must filter by userref")
			}
			writeEnvelope(w, nil, map[string]any{
				"open": map[string]any{
					"OABC12-XYZ": map[string]any{"status": "open"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client, waits := newTestClient(t, srv.URL, 5)
	data := url.Values{}
	data.Set("userref", "12345")
	result, err := client.executeWithRetry(context.Background(), client.opts.metadata.addOrderPath, data)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if addOrderCalls != 1 || openOrderCalls != 1 {
		t.Fatalf("addOrder=%d openOrders=%d, want 1 each", addOrderCalls, openOrderCalls)
	}
	if len(*waits) != 0 {
		t.Fatalf("recovery should return before any backoff wait, got %v", *waits)
	}
	var placed struct {
		Txid []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &placed); err != nil || len(placed.Txid) != 1 || placed.Txid[0] != "OABC12-XYZ" {
		t.Fatalf("recovered result = %s", string(result))
	}
}

func TestPublicGatewayFailureRetriesUntilExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodGet {
			t.Errorf("public endpoint called with %s", r.Method)
		}
		if r.URL.Path != "/0/public/Ticker" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, waits := newTestClient(t, srv.URL, 3)
	params := url.Values{}
	params.Set("pair", "XBTUSD")
	_, err := client.executeWithRetry(context.Background(), client.opts.metadata.tickerPath, params)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(*waits) != 3 {
		t.Fatalf("waits = %d, want 3", len(*waits))
	}
	if errs.CodeOf(err) != errs.CodeNetwork {
		t.Fatalf("exhaustion code = %s, want %s", errs.CodeOf(err), errs.CodeNetwork)
	}
}

func TestCancelOnlyWaitsLongerThanGatewayWait(t *testing.T) {
	client, _ := newTestClient(t, "http://127.0.0.1:0", 5)
	if client.cancelOnlyWait(1) <= client.transientWait(1) {
		t.Fatal("cancel-only backoff must dominate the gateway backoff")
	}
}

func TestEachAttemptCarriesFreshNonce(t *testing.T) {
	var nonces []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		nonces = append(nonces, r.PostFormValue("nonce"))
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 3)
	_, _ = client.executeWithRetry(context.Background(), client.opts.metadata.balancePath, nil)
	if len(nonces) != 3 {
		t.Fatalf("attempts = %d, want 3", len(nonces))
	}
	seen := map[string]struct{}{}
	for _, n := range nonces {
		if n == "" {
			t.Fatal("missing nonce in signed request")
		}
		if _, dup := seen[n]; dup {
			t.Fatalf("nonce %s reused", n)
		}
		seen[n] = struct{}{}
	}
}
