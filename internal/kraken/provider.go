// Package kraken implements the Kraken spot connector: signed REST
// access with venue-specific retry classification, order placement and
// reconciliation, balance accounting, and the authenticated user stream.
package kraken

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/krakenlink/errs"
	"github.com/coachpo/krakenlink/internal/connector"
	"github.com/coachpo/krakenlink/internal/ratelimit"
	"github.com/coachpo/krakenlink/internal/schema"
)

// Connector drives the Kraken venue. It owns the REST client, the
// authenticated stream, and the reconciliation loops; order and trade
// state lives in the external registry.
type Connector struct {
	name string
	opts Options

	rest       *restClient
	orderIDs   *clientOrderIDSource
	registry   connector.Registry
	book       *pairBook
	reconciler *reconciler
	fills      *fillProcessor
	accountant *balanceAccountant
	dispatcher *userStreamDispatcher
	metrics    *connectorMetrics

	stream *streamManager

	updates chan *schema.Event
	errorCh chan error

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// New builds a connector from configuration. Credentials are optional;
// without them only public endpoints work and Start skips the user stream.
func New(registry connector.Registry, cfg Config) (*Connector, error) {
	if registry == nil {
		return nil, errors.New("kraken: order registry required")
	}
	opts := withDefaults(Options{Config: cfg})

	var sign *signer
	if cfg.APIKey != "" || cfg.APISecret != "" {
		var err error
		sign, err = newSigner(cfg.APIKey, cfg.APISecret)
		if err != nil {
			return nil, fmt.Errorf("kraken: %w", err)
		}
	}

	metrics := newConnectorMetrics(opts.Config.Name)
	gate := ratelimit.NewGate(opts.Config.Tier)
	rest := newRESTClient(opts, sign, gate, metrics, time.Now)
	book := newPairBook()

	c := &Connector{
		name:       opts.Config.Name,
		opts:       opts,
		rest:       rest,
		orderIDs:   newClientOrderIDSource(time.Now),
		registry:   registry,
		runCtx:     context.Background(),
		book:       book,
		accountant: newBalanceAccountant(),
		metrics:    metrics,
		updates:    make(chan *schema.Event, 256),
		errorCh:    make(chan error, 32),
		now:        time.Now,
		sleep:      sleepContext,
	}
	c.reconciler = &reconciler{venue: opts.metadata.venue, rest: rest, now: c.now}
	c.fills = &fillProcessor{venue: opts.metadata.venue, book: book}
	c.dispatcher = &userStreamDispatcher{
		venue:    opts.metadata.venue,
		registry: registry,
		fills:    c.fills,
		now:      c.now,
		onTrade:  func(u schema.TradeUpdate) { c.publish(schema.EventTypeTradeUpdate, u) },
		onOrder:  func(u schema.OrderUpdate) { c.publish(schema.EventTypeOrderUpdate, u) },
	}
	return c, nil
}

// Name returns the configured connector name.
func (c *Connector) Name() string { return c.name }

// Updates exposes the canonical event stream.
func (c *Connector) Updates() <-chan *schema.Event { return c.updates }

// Errors exposes non-fatal runtime errors.
func (c *Connector) Errors() <-chan error { return c.errorCh }

// TradingRule returns the venue trading rule for a canonical pair.
func (c *Connector) TradingRule(pair string) (connector.TradingRule, bool) {
	return c.book.rule(pair)
}

// Start loads pair metadata and launches the poll loops and, when
// credentials are present, the authenticated user stream.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("kraken: connector already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	// An intentionally terminated stream must surface the cancellation
	// sentinel instead of absorbing it as a dispatch failure.
	c.dispatcher.done = func() bool { return runCtx.Err() != nil }

	if err := c.book.refresh(runCtx, c.rest); err != nil {
		return fmt.Errorf("kraken: %w", err)
	}

	if c.rest.sign != nil {
		stream := newStreamManager(runCtx, c.opts.websocketURL(),
			[]string{channelOwnTrades, channelOpenOrders},
			c.websocketToken, c.handlePushMessage, c.errorCh, c.metrics, c.name)
		if err := stream.start(); err != nil {
			return fmt.Errorf("kraken: user stream: %w", err)
		}
		c.stream = stream
	}

	c.wg.Go(func() { c.statusPollLoop(runCtx) })
	c.wg.Go(func() { c.balancePollLoop(runCtx) })
	c.wg.Go(func() { c.pairRefreshLoop(runCtx) })
	return nil
}

// Close stops the loops and the stream and releases the channels.
func (c *Connector) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.stream != nil {
		c.stream.stop()
	}
	c.wg.Wait()
	return nil
}

// PlaceOrder validates, translates, and submits an order intent, then
// registers the tracked order with its venue identifier.
func (c *Connector) PlaceOrder(ctx context.Context, intent schema.OrderIntent) (schema.TrackedOrder, error) {
	venueSymbol, ok := c.book.venueSymbol(intent.Pair)
	if !ok {
		return schema.TrackedOrder{}, errs.New(c.opts.metadata.venue, errs.CodeValidation,
			errs.WithMessage("unknown trading pair "+intent.Pair))
	}

	clientOrderID := c.orderIDs.next()
	data, err := translateOrder(c.opts.metadata.venue, intent, venueSymbol, userref(clientOrderID))
	if err != nil {
		return schema.TrackedOrder{}, err
	}

	result, err := c.rest.executeWithRetry(ctx, c.opts.metadata.addOrderPath, data)
	if err != nil {
		c.metrics.recordVenueError(ctx, string(errs.CodeOf(err)))
		return schema.TrackedOrder{}, err
	}

	var placed struct {
		Txid []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &placed); err != nil || len(placed.Txid) == 0 {
		return schema.TrackedOrder{}, errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.addOrderPath),
			errs.WithMessage("order acknowledgment carried no transaction id"))
	}

	order := schema.TrackedOrder{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: placed.Txid[0],
		Pair:            intent.Pair,
		Side:            intent.Side,
		Type:            intent.Type,
		Amount:          intent.Amount,
		Price:           intent.Price,
		State:           schema.OrderStatePendingCreate,
	}
	if err := c.registry.Track(order); err != nil {
		return schema.TrackedOrder{}, fmt.Errorf("kraken: track order: %w", err)
	}
	c.publish(schema.EventTypeOrderUpdate, schema.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Pair:            order.Pair,
		NewState:        order.State,
		Timestamp:       c.now(),
	})
	return order, nil
}

// CancelOrder withdraws a tracked order by its client id. A venue-side
// "unknown order" is a no-op success.
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) error {
	order, ok := c.registry.Lookup(clientOrderID)
	if !ok {
		return errs.New(c.opts.metadata.venue, errs.CodeOrderNotFound,
			errs.WithMessage("order "+clientOrderID+" is not tracked"))
	}
	if err := c.reconciler.cancelOrder(ctx, order); err != nil {
		c.metrics.recordVenueError(ctx, string(errs.CodeOf(err)))
		return err
	}
	update := schema.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Pair:            order.Pair,
		NewState:        schema.OrderStateCanceled,
		Timestamp:       c.now(),
	}
	if c.registry.ApplyOrderUpdate(update) {
		c.publish(schema.EventTypeOrderUpdate, update)
	}
	return nil
}

// RefreshOrderStatus polls the venue for every tracked open order and
// applies the resulting transition proposals.
func (c *Connector) RefreshOrderStatus(ctx context.Context) error {
	var firstErr error
	for _, order := range c.registry.OpenOrders() {
		update, err := c.reconciler.refreshOrderStatus(ctx, order)
		if err != nil {
			if errs.Is(err, errs.CodeOrderNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			c.reportError(err)
			continue
		}
		if c.registry.ApplyOrderUpdate(update) {
			c.publish(schema.EventTypeOrderUpdate, update)
		}

		fills, err := c.fills.allTradeUpdates(ctx, c.rest, c.reconciler, order)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.reportError(err)
			continue
		}
		for _, fill := range fills {
			if c.registry.ApplyTradeUpdate(fill) {
				c.publish(schema.EventTypeTradeUpdate, fill)
			}
		}
	}
	return firstErr
}

// Fills returns every fill the venue has recorded for a tracked order.
func (c *Connector) Fills(ctx context.Context, clientOrderID string) ([]schema.TradeUpdate, error) {
	order, ok := c.registry.Lookup(clientOrderID)
	if !ok {
		return nil, errs.New(c.opts.metadata.venue, errs.CodeOrderNotFound,
			errs.WithMessage("order "+clientOrderID+" is not tracked"))
	}
	return c.fills.allTradeUpdates(ctx, c.rest, c.reconciler, order)
}

// RefreshBalances recomputes the per-asset balance view from a fresh
// balance snapshot and the current open orders.
func (c *Connector) RefreshBalances(ctx context.Context) error {
	rawResult, err := c.rest.executeWithRetry(ctx, c.opts.metadata.balancePath, nil)
	if err != nil {
		return err
	}
	openResult, err := c.rest.executeWithRetry(ctx, c.opts.metadata.openOrdersPath, nil)
	if err != nil {
		return err
	}

	var raw map[string]decimal.Decimal
	if err := json.Unmarshal(rawResult, &raw); err != nil {
		return errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.balancePath),
			errs.WithCause(err),
			errs.WithMessage("decode balances"))
	}
	var open struct {
		Open map[string]openOrderRecord `json:"open"`
	}
	if err := json.Unmarshal(openResult, &open); err != nil {
		return errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.openOrdersPath),
			errs.WithCause(err),
			errs.WithMessage("decode open orders"))
	}

	locked := lockedFromOpenOrders(c.book, open.Open)
	next := c.accountant.recompute(schema.DecimalMap(raw), locked)
	ts := c.now()
	for asset, balance := range next {
		c.metrics.recordBalanceUpdate(ctx, asset)
		c.publish(schema.EventTypeBalanceUpdate, schema.BalanceUpdate{
			Asset:     asset,
			Balance:   balance,
			Timestamp: ts,
		})
	}
	return nil
}

// Balances returns the last computed balance view.
func (c *Connector) Balances() map[string]schema.Balance {
	return c.accountant.snapshot()
}

// DispatchPushEvent routes one raw push message through the user stream
// dispatcher. Exposed for poll-free integrations feeding their own
// transport.
func (c *Connector) DispatchPushEvent(raw []byte) error {
	return c.dispatcher.dispatch(raw)
}

// ServerTime reads the venue clock.
func (c *Connector) ServerTime(ctx context.Context) (time.Time, error) {
	result, err := c.rest.executeWithRetry(ctx, c.opts.metadata.timePath, nil)
	if err != nil {
		return time.Time{}, err
	}
	var parsed struct {
		Unixtime int64 `json:"unixtime"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return time.Time{}, errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.timePath),
			errs.WithCause(err),
			errs.WithMessage("decode server time"))
	}
	return time.Unix(parsed.Unixtime, 0).UTC(), nil
}

// SystemStatus reads the venue's operational status string.
func (c *Connector) SystemStatus(ctx context.Context) (string, error) {
	result, err := c.rest.executeWithRetry(ctx, c.opts.metadata.systemStatusPath, nil)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.systemStatusPath),
			errs.WithCause(err),
			errs.WithMessage("decode system status"))
	}
	return parsed.Status, nil
}

// LastTradedPrice reads the most recent trade price for a pair.
func (c *Connector) LastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	venueSymbol, ok := c.book.venueSymbol(pair)
	if !ok {
		return decimal.Zero, errs.New(c.opts.metadata.venue, errs.CodeValidation,
			errs.WithMessage("unknown trading pair "+pair))
	}
	params := url.Values{}
	params.Set("pair", venueSymbol)
	result, err := c.rest.executeWithRetry(ctx, c.opts.metadata.tickerPath, params)
	if err != nil {
		return decimal.Zero, err
	}
	var parsed map[string]struct {
		C []decimal.Decimal `json:"c"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return decimal.Zero, errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.tickerPath),
			errs.WithCause(err),
			errs.WithMessage("decode ticker"))
	}
	for _, record := range parsed {
		if len(record.C) == 0 {
			break
		}
		return record.C[0], nil
	}
	return decimal.Zero, errs.New(c.opts.metadata.venue, errs.CodeExchange,
		errs.WithPath(c.opts.metadata.tickerPath),
		errs.WithMessage("ticker response carried no last trade for "+pair))
}

// websocketToken fetches a session token for the authenticated stream.
func (c *Connector) websocketToken(ctx context.Context) (string, error) {
	result, err := c.rest.executeWithRetry(ctx, c.opts.metadata.wsTokenPath, nil)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.wsTokenPath),
			errs.WithCause(err),
			errs.WithMessage("decode websocket token"))
	}
	if parsed.Token == "" {
		return "", errs.New(c.opts.metadata.venue, errs.CodeExchange,
			errs.WithPath(c.opts.metadata.wsTokenPath),
			errs.WithMessage("websocket token response was empty"))
	}
	return parsed.Token, nil
}

// handlePushMessage feeds the dispatcher. A malformed message logs and
// pauses briefly instead of killing the stream; only the cancellation
// sentinel propagates.
func (c *Connector) handlePushMessage(raw []byte) error {
	err := c.dispatcher.dispatch(raw)
	if err == nil {
		return nil
	}
	if errors.Is(err, errStreamCanceled) {
		return err
	}
	log.Printf("kraken connector [%s]: user stream: %v", c.name, err)
	c.mu.Lock()
	runCtx := c.runCtx
	c.mu.Unlock()
	_ = c.sleep(runCtx, dispatchPause)
	return nil
}

func (c *Connector) statusPollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Config.StatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshOrderStatus(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.reportError(fmt.Errorf("status poll: %w", err))
			}
		}
	}
}

func (c *Connector) balancePollLoop(ctx context.Context) {
	if c.rest.sign == nil {
		return
	}
	ticker := time.NewTicker(c.opts.Config.BalancePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshBalances(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.reportError(fmt.Errorf("balance poll: %w", err))
			}
		}
	}
}

func (c *Connector) pairRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Config.PairRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.book.refresh(ctx, c.rest); err != nil && !errors.Is(err, context.Canceled) {
				c.reportError(fmt.Errorf("pair refresh: %w", err))
			}
		}
	}
}

func (c *Connector) publish(eventType schema.EventType, payload any) {
	event := &schema.Event{
		EventID:   uuid.NewString(),
		Venue:     c.opts.metadata.venue,
		Type:      eventType,
		Payload:   payload,
		Timestamp: c.now(),
	}
	c.metrics.recordEvent(context.Background(), string(eventType))
	select {
	case c.updates <- event:
	default:
		log.Printf("kraken connector [%s]: dropping %s event, updates channel full", c.name, eventType)
	}
}

func (c *Connector) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case c.errorCh <- err:
	default:
	}
}
