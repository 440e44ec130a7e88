package kraken

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/krakenlink/internal/connector"
	"github.com/coachpo/krakenlink/internal/ratelimit"
)

// RegisterFactory installs the Kraken connector factory into the registry.
func RegisterFactory(reg *connector.FactoryRegistry) {
	reg.Register(krakenMetadata.identifier, func(ctx context.Context, registry connector.Registry, cfg map[string]any) (connector.Connector, error) {
		var conf Config

		if alias, ok := stringFromConfig(cfg, "connector_name"); ok {
			conf.Name = alias
		} else if raw, ok := stringFromConfig(cfg, "name"); ok {
			conf.Name = raw
		}

		userCfg := cfg
		if nested, ok := mapFromConfig(cfg, "config"); ok {
			userCfg = nested
		}

		if raw, ok := stringFromConfig(userCfg, "api_key"); ok {
			conf.APIKey = raw
		}
		if raw, ok := stringFromConfig(userCfg, "api_secret"); ok {
			conf.APISecret = raw
		}
		if raw, ok := stringFromConfig(userCfg, "tier"); ok {
			conf.Tier = ratelimit.Tier(raw)
		}
		if timeout, ok := durationFromConfig(userCfg, "http_timeout"); ok {
			conf.HTTPTimeout = timeout
		}
		if attempts, ok := intFromConfig(userCfg, "retry_attempts"); ok {
			conf.RetryAttempts = attempts
		}
		if base, ok := durationFromConfig(userCfg, "retry_base_interval"); ok {
			conf.RetryBase = base
		}
		if interval, ok := durationFromConfig(userCfg, "status_poll_interval"); ok {
			conf.StatusPollInterval = interval
		}
		if interval, ok := durationFromConfig(userCfg, "balance_poll_interval"); ok {
			conf.BalancePollInterval = interval
		}
		if refresh, ok := durationFromConfig(userCfg, "pair_refresh_interval"); ok {
			conf.PairRefresh = refresh
		}
		if pairs, ok := stringSliceFromConfig(userCfg, "trading_pairs"); ok {
			conf.TradingPairs = pairs
		}

		conn, err := New(registry, conf)
		if err != nil {
			return nil, err
		}
		if err := conn.Start(ctx); err != nil {
			return nil, fmt.Errorf("start kraken connector: %w", err)
		}
		return conn, nil
	})
}

func stringFromConfig(cfg map[string]any, key string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	raw, ok := cfg[key]
	if !ok {
		return "", false
	}
	if value, ok := raw.(string); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	}
	return "", false
}

func stringSliceFromConfig(cfg map[string]any, key string) ([]string, bool) {
	raw, ok := cfg[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, len(v) > 0
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out, len(out) > 0
	}
	return nil, false
}

func intFromConfig(cfg map[string]any, key string) (int, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		var parsed int
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func durationFromConfig(cfg map[string]any, key string) (time.Duration, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}

func mapFromConfig(cfg map[string]any, key string) (map[string]any, bool) {
	raw, ok := cfg[key]
	if !ok {
		return nil, false
	}
	out, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	return out, true
}
