package kraken

import (
	"strings"
	"time"

	"github.com/coachpo/krakenlink/internal/ratelimit"
)

type metadata struct {
	apiBaseURL       string
	websocketAuthURL string
	identifier       string
	venue            string

	assetPairsPath   string
	tickerPath       string
	timePath         string
	systemStatusPath string

	balancePath     string
	openOrdersPath  string
	addOrderPath    string
	cancelOrderPath string
	queryOrdersPath string
	queryTradesPath string
	wsTokenPath     string
}

var krakenMetadata = metadata{
	apiBaseURL:       "https://api.kraken.com",
	websocketAuthURL: "wss://ws-auth.kraken.com",
	identifier:       "kraken",
	venue:            "KRAKEN",

	assetPairsPath:   "/0/public/AssetPairs",
	tickerPath:       "/0/public/Ticker",
	timePath:         "/0/public/Time",
	systemStatusPath: "/0/public/SystemStatus",

	balancePath:     "/0/private/Balance",
	openOrdersPath:  "/0/private/OpenOrders",
	addOrderPath:    "/0/private/AddOrder",
	cancelOrderPath: "/0/private/CancelOrder",
	queryOrdersPath: "/0/private/QueryOrders",
	queryTradesPath: "/0/private/QueryTrades",
	wsTokenPath:     "/0/private/GetWebSocketsToken",
}

const (
	defaultHTTPTimeout         = 10 * time.Second
	defaultRetryAttempts       = 5
	defaultRetryBase           = 2 * time.Second
	defaultStatusPollInterval  = 10 * time.Second
	defaultBalancePollInterval = 30 * time.Second
	defaultPairRefresh         = 30 * time.Minute
)

// Config captures user-overridable Kraken settings.
type Config struct {
	Name                string
	APIKey              string
	APISecret           string
	Tier                ratelimit.Tier
	HTTPTimeout         time.Duration
	RetryAttempts       int
	RetryBase           time.Duration
	StatusPollInterval  time.Duration
	BalancePollInterval time.Duration
	PairRefresh         time.Duration
	TradingPairs        []string
}

// Options configure the Kraken connector.
type Options struct {
	Config Config

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = krakenMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if strings.TrimSpace(string(in.Config.Tier)) == "" {
		in.Config.Tier = ratelimit.TierStarter
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.RetryAttempts <= 0 {
		in.Config.RetryAttempts = defaultRetryAttempts
	}
	if in.Config.RetryBase <= 0 {
		in.Config.RetryBase = defaultRetryBase
	}
	if in.Config.StatusPollInterval <= 0 {
		in.Config.StatusPollInterval = defaultStatusPollInterval
	}
	if in.Config.BalancePollInterval <= 0 {
		in.Config.BalancePollInterval = defaultBalancePollInterval
	}
	if in.Config.PairRefresh <= 0 {
		in.Config.PairRefresh = defaultPairRefresh
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.metadata.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func (o Options) websocketURL() string {
	return o.metadata.websocketAuthURL
}

func (o Options) httpTimeoutDuration() time.Duration {
	return o.Config.HTTPTimeout
}
