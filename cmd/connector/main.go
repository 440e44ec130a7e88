// Command connector launches the Kraken connector runtime: it loads
// configuration, wires the order registry and connector factory, and
// streams canonical events to the log until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/krakenlink/config"
	"github.com/coachpo/krakenlink/internal/connector"
	"github.com/coachpo/krakenlink/internal/kraken"
	"github.com/coachpo/krakenlink/internal/tracker"
)

const (
	defaultConfigPath   = "config/connector.yaml"
	connectorLogPrefix  = "connector "
	shutdownGracePeriod = 10 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to connector configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, connectorLogPrefix, log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: venue=%s, pairs=%d",
		cfg.Connector.Venue, len(cfg.Connector.TradingPairs))

	registry := tracker.New()
	kraken.RegisterFactory(connector.Default)

	conn, err := connector.Default.Create(ctx, cfg.Connector.Venue, registry, manifestConfig(cfg))
	if err != nil {
		logger.Fatalf("create connector: %v", err)
	}
	logger.Printf("connector %s started", conn.Name())

	var wg conc.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-conn.Updates():
				if !ok {
					return
				}
				logger.Printf("event %s %s: %+v", event.Type, event.EventID, event.Payload)
			}
		}
	})
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-conn.Errors():
				if !ok {
					return
				}
				logger.Printf("connector error: %v", err)
			}
		}
	})

	<-ctx.Done()
	logger.Printf("shutdown requested")

	done := make(chan struct{})
	go func() {
		if err := conn.Close(); err != nil {
			logger.Printf("close connector: %v", err)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Printf("shutdown complete")
	case <-time.After(shutdownGracePeriod):
		logger.Printf("shutdown grace period elapsed, exiting")
	}
}

func manifestConfig(cfg config.File) map[string]any {
	c := cfg.Connector
	out := map[string]any{
		"name": c.Name,
		"config": map[string]any{
			"api_key":    c.APIKey,
			"api_secret": c.APISecret,
			"tier":       c.Tier,
		},
	}
	nested := out["config"].(map[string]any)
	if c.HTTPTimeout > 0 {
		nested["http_timeout"] = c.HTTPTimeout.Std().String()
	}
	if c.RetryAttempts > 0 {
		nested["retry_attempts"] = c.RetryAttempts
	}
	if c.RetryBaseInterval > 0 {
		nested["retry_base_interval"] = c.RetryBaseInterval.Std().String()
	}
	if c.StatusPollInterval > 0 {
		nested["status_poll_interval"] = c.StatusPollInterval.Std().String()
	}
	if c.BalancePollInterval > 0 {
		nested["balance_poll_interval"] = c.BalancePollInterval.Std().String()
	}
	if c.PairRefreshInterval > 0 {
		nested["pair_refresh_interval"] = c.PairRefreshInterval.Std().String()
	}
	if len(c.TradingPairs) > 0 {
		nested["trading_pairs"] = c.TradingPairs
	}
	return out
}
