// Package ratelimit gates private REST calls using the venue's
// tier-based counter model: each call adds a cost to a counter that
// decays at a fixed per-second rate, with a hard ceiling per tier.
package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// Tier identifies the account verification level, which determines both
// the counter ceiling and its decay rate.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierIntermediate Tier = "intermediate"
	TierPro          Tier = "pro"
)

type tierLimits struct {
	ceiling int
	decay   rate.Limit
}

var limitsByTier = map[Tier]tierLimits{
	TierStarter:      {ceiling: 15, decay: rate.Limit(0.33)},
	TierIntermediate: {ceiling: 20, decay: rate.Limit(0.5)},
	TierPro:          {ceiling: 20, decay: rate.Limit(1.0)},
}

// Gate blocks callers until the tier counter has decayed enough to
// absorb the next call's cost.
type Gate struct {
	tier    Tier
	limiter *rate.Limiter
	costs   map[string]int
}

// NewGate builds a gate for the account tier. Unknown tiers fall back
// to the most conservative limits.
func NewGate(tier Tier) *Gate {
	normalized := Tier(strings.ToLower(strings.TrimSpace(string(tier))))
	limits, ok := limitsByTier[normalized]
	if !ok {
		normalized = TierStarter
		limits = limitsByTier[TierStarter]
	}
	return &Gate{
		tier:    normalized,
		limiter: rate.NewLimiter(limits.decay, limits.ceiling),
		costs:   defaultCosts(),
	}
}

// Historical lookups cost double on the venue counter.
func defaultCosts() map[string]int {
	return map[string]int{
		"/0/private/QueryOrders": 2,
		"/0/private/QueryTrades": 2,
	}
}

// Tier returns the normalized tier the gate was built for.
func (g *Gate) Tier() Tier { return g.tier }

// Acquire blocks until the counter can absorb the cost of a call to
// path, or the context is done.
func (g *Gate) Acquire(ctx context.Context, path string) error {
	cost := 1
	if c, ok := g.costs[path]; ok {
		cost = c
	}
	if err := g.limiter.WaitN(ctx, cost); err != nil {
		return fmt.Errorf("rate gate %s: %w", path, err)
	}
	return nil
}
