package kraken

import (
	"context"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenlink/internal/connector"
)

// Venue asset codes use a legacy prefix scheme: 4-character codes carry
// an X (crypto) or Z (fiat) prefix, and a few assets have historical names.
var (
	legacyAssetNames = map[string]string{
		"XBT": "BTC",
		"XDG": "DOGE",
	}
	canonicalAssetNames = map[string]string{
		"BTC":  "XBT",
		"DOGE": "XDG",
	}
)

// canonicalAsset converts a venue asset code to the canonical form.
func canonicalAsset(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		code = code[1:]
	}
	if mapped, ok := legacyAssetNames[code]; ok {
		return mapped
	}
	return code
}

// venueAsset converts a canonical asset code to the venue's form.
func venueAsset(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if mapped, ok := canonicalAssetNames[code]; ok {
		return mapped
	}
	return code
}

// canonicalPairFromWSName turns the venue's websocket pair name
// ("XBT/USD") into the canonical dash form ("BTC-USD").
func canonicalPairFromWSName(wsname string) (string, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(wsname), "/")
	if !ok {
		return "", fmt.Errorf("malformed websocket pair name %q", wsname)
	}
	return canonicalAsset(base) + "-" + canonicalAsset(quote), nil
}

type assetPairInfo struct {
	Altname      string          `json:"altname"`
	WSName       string          `json:"wsname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	PairDecimals int32           `json:"pair_decimals"`
	LotDecimals  int32           `json:"lot_decimals"`
	OrderMin     decimal.Decimal `json:"ordermin"`
	CostMin      decimal.Decimal `json:"costmin"`
	Status       string          `json:"status"`
}

// pairBook resolves between canonical pair names and the venue's three
// spellings (internal pair key, altname, websocket name), and carries
// the trading rules published with each pair.
type pairBook struct {
	mu        sync.RWMutex
	rules     map[string]connector.TradingRule
	byAltname map[string]string
	byWSName  map[string]string
}

func newPairBook() *pairBook {
	return &pairBook{
		rules:     make(map[string]connector.TradingRule),
		byAltname: make(map[string]string),
		byWSName:  make(map[string]string),
	}
}

// refresh pulls AssetPairs and rebuilds the book. Pairs not marked
// online, and dark-pool entries (altname with a ".d" suffix), are skipped.
func (b *pairBook) refresh(ctx context.Context, rest *restClient) error {
	raw, err := rest.executeWithRetry(ctx, rest.opts.metadata.assetPairsPath, nil)
	if err != nil {
		return fmt.Errorf("fetch asset pairs: %w", err)
	}
	var pairs map[string]assetPairInfo
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return fmt.Errorf("decode asset pairs: %w", err)
	}

	rules := make(map[string]connector.TradingRule, len(pairs))
	byAltname := make(map[string]string, len(pairs))
	byWSName := make(map[string]string, len(pairs))
	for key, info := range pairs {
		if strings.HasSuffix(info.Altname, ".d") {
			continue
		}
		if info.Status != "" && info.Status != "online" {
			continue
		}
		canonical, err := canonicalPairFromWSName(info.WSName)
		if err != nil {
			continue
		}
		rule := connector.TradingRule{
			Pair:           canonical,
			MinOrderSize:   info.OrderMin,
			AmountStep:     stepFromDecimals(info.LotDecimals),
			PriceStep:      stepFromDecimals(info.PairDecimals),
			MinNotional:    info.CostMin,
			BaseAsset:      canonicalAsset(info.Base),
			QuoteAsset:     canonicalAsset(info.Quote),
			VenueSymbol:    info.Altname,
			WebsocketName:  info.WSName,
			PricePrecision: info.PairDecimals,
			SizePrecision:  info.LotDecimals,
		}
		rules[canonical] = rule
		byAltname[info.Altname] = canonical
		byAltname[key] = canonical
		byWSName[info.WSName] = canonical
	}

	b.mu.Lock()
	b.rules = rules
	b.byAltname = byAltname
	b.byWSName = byWSName
	b.mu.Unlock()
	return nil
}

func stepFromDecimals(decimals int32) decimal.Decimal {
	return decimal.New(1, -decimals)
}

// rule returns the trading rule for a canonical pair.
func (b *pairBook) rule(pair string) (connector.TradingRule, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rules[pair]
	return r, ok
}

// canonicalFromVenue resolves any venue spelling (altname, internal pair
// key, or websocket name) to the canonical pair.
func (b *pairBook) canonicalFromVenue(symbol string) (string, bool) {
	symbol = strings.TrimSpace(symbol)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pair, ok := b.byWSName[symbol]; ok {
		return pair, true
	}
	pair, ok := b.byAltname[symbol]
	return pair, ok
}

// venueSymbol resolves a canonical pair to the altname used on REST calls.
func (b *pairBook) venueSymbol(pair string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rules[pair]
	if !ok {
		return "", false
	}
	return r.VenueSymbol, true
}

// wsName resolves a canonical pair to the websocket subscription name.
func (b *pairBook) wsName(pair string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rules[pair]
	if !ok {
		return "", false
	}
	return r.WebsocketName, true
}

// pairs lists the canonical pairs currently in the book.
func (b *pairBook) pairs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rules))
	for pair := range b.rules {
		out = append(out, pair)
	}
	return out
}
