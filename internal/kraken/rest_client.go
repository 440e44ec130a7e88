package kraken

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenlink/errs"
	"github.com/coachpo/krakenlink/internal/ratelimit"
)

// envelope is the venue's uniform response wrapper. A populated error
// list, or an empty result, marks the call failed regardless of the
// HTTP status.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// restClient executes venue REST calls with the retry policy the venue
// requires: gateway failures and cancel-only windows back off and retry,
// nonce rejections and unclassified application errors propagate at once.
type restClient struct {
	opts    Options
	client  *http.Client
	sign    *signer
	nonces  *nonceSource
	gate    *ratelimit.Gate
	metrics *connectorMetrics

	// sleep is injectable so retry behavior is testable without waiting.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func newRESTClient(opts Options, sign *signer, gate *ratelimit.Gate, metrics *connectorMetrics, now func() time.Time) *restClient {
	if now == nil {
		now = time.Now
	}
	return &restClient{
		opts:    opts,
		client:  &http.Client{Timeout: opts.httpTimeoutDuration()},
		sign:    sign,
		nonces:  newNonceSource(now),
		gate:    gate,
		metrics: metrics,
		sleep:   sleepContext,
		now:     now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// publicGET performs a single unauthenticated call. Public endpoints
// count against the same capacity gate as signed ones.
func (c *restClient) publicGET(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.gate.Acquire(ctx, path); err != nil {
		return nil, err
	}
	endpoint := c.opts.restEndpoint(path)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	c.metrics.recordRequest(ctx, path)
	return c.do(req, path)
}

// privatePOST performs a single signed call. The nonce is injected here
// so every attempt carries a fresh value.
func (c *restClient) privatePOST(ctx context.Context, path string, data url.Values) (json.RawMessage, error) {
	if c.sign == nil {
		return nil, errs.New(c.opts.metadata.venue, errs.CodeValidation,
			errs.WithPath(path),
			errs.WithMessage("private endpoint requires API credentials"))
	}
	if err := c.gate.Acquire(ctx, path); err != nil {
		return nil, err
	}
	if data == nil {
		data = url.Values{}
	}
	nonce := c.nonces.next()
	data.Set("nonce", nonce)
	body := data.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.restEndpoint(path), strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.sign.apiKey)
	req.Header.Set("API-Sign", c.sign.sign(path, nonce, body))
	c.metrics.recordRequest(ctx, path)
	return c.do(req, path)
}

func (c *restClient) do(req *http.Request, path string) (json.RawMessage, error) {
	venue := c.opts.metadata.venue
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New(venue, errs.CodeNetwork,
			errs.WithPath(path),
			errs.WithCause(err),
			errs.WithMessage("request transport failure"))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, classifyHTTPStatus(venue, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, errs.New(venue, errs.CodeExchange,
			errs.WithPath(path),
			errs.WithCause(err),
			errs.WithMessage("decode response envelope"))
	}
	if len(env.Error) > 0 {
		return nil, classifyVenueError(venue, path, strings.Join(env.Error, ", "))
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil, errs.New(venue, errs.CodeExchange,
			errs.WithPath(path),
			errs.WithMessage("response envelope carried no result"))
	}
	return env.Result, nil
}

// executeWithRetry drives up to RetryAttempts calls against an
// endpoint, public or signed. Gateway failures wait base^attempt
// seconds between attempts; cancel-only windows wait (10*base)^attempt.
// Order placement first checks open orders by userref before retrying,
// so a request that reached the venue is never duplicated.
func (c *restClient) executeWithRetry(ctx context.Context, path string, data url.Values) (json.RawMessage, error) {
	venue := c.opts.metadata.venue
	attempts := c.opts.Config.RetryAttempts
	isAddOrder := path == c.opts.metadata.addOrderPath
	isPublic := strings.HasPrefix(path, "/0/public/")

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var result json.RawMessage
		var err error
		if isPublic {
			result, err = c.publicGET(ctx, path, data)
		} else {
			result, err = c.privatePOST(ctx, path, cloneValues(data))
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
		if c.metrics != nil {
			c.metrics.recordRetry(ctx, path)
		}

		switch errs.CodeOf(err) {
		case errs.CodeGatewayTransient:
			if isAddOrder {
				if recovered, ok := c.recoverPlacedOrder(ctx, data.Get("userref")); ok {
					return recovered, nil
				}
			}
			if serr := c.sleep(ctx, c.transientWait(attempt)); serr != nil {
				return nil, serr
			}
		case errs.CodeCancelOnly:
			if serr := c.sleep(ctx, c.cancelOnlyWait(attempt)); serr != nil {
				return nil, serr
			}
		default:
			// Nonce rejections and unclassified application errors are
			// not retryable; hand them straight back.
			return nil, err
		}
	}

	return nil, errs.New(venue, errs.CodeNetwork,
		errs.WithPath(path),
		errs.WithCause(lastErr),
		errs.WithMessage(fmt.Sprintf("retries exhausted after %d attempts calling %s; last response: %v",
			attempts, path, lastErr)))
}

// recoverPlacedOrder checks whether an interrupted AddOrder actually
// reached the book. When an open order with the request's userref
// exists, its transaction id is returned in AddOrder result shape so
// callers see a uniform contract.
func (c *restClient) recoverPlacedOrder(ctx context.Context, ref string) (json.RawMessage, bool) {
	if strings.TrimSpace(ref) == "" {
		return nil, false
	}
	data := url.Values{}
	data.Set("userref", ref)
	result, err := c.privatePOST(ctx, c.opts.metadata.openOrdersPath, data)
	if err != nil {
		return nil, false
	}
	var parsed struct {
		Open map[string]json.RawMessage `json:"open"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || len(parsed.Open) == 0 {
		return nil, false
	}
	for txid := range parsed.Open {
		synthesized, err := json.Marshal(map[string]any{"txid": []string{txid}})
		if err != nil {
			return nil, false
		}
		return synthesized, true
	}
	return nil, false
}

func (c *restClient) transientWait(attempt int) time.Duration {
	base := c.opts.Config.RetryBase.Seconds()
	return time.Duration(math.Pow(base, float64(attempt)) * float64(time.Second))
}

func (c *restClient) cancelOnlyWait(attempt int) time.Duration {
	base := 10 * c.opts.Config.RetryBase.Seconds()
	return time.Duration(math.Pow(base, float64(attempt)) * float64(time.Second))
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in))
	for k, vs := range in {
		copied := make([]string, len(vs))
		copy(copied, vs)
		out[k] = copied
	}
	return out
}
