package services

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	contextutils "lessongen/internal/utils"
)

// Strategy selects how the load balancer picks among available providers
type Strategy int

// Selection strategies. StrategyDefault defers to the configured strategy.
const (
	StrategyDefault Strategy = iota
	StrategyRoundRobin
	StrategyLeastLoaded
	StrategyWeighted
	StrategyFailover
	StrategyReliabilityWeighted
)

var strategyNames = map[Strategy]string{
	StrategyDefault:             "default",
	StrategyRoundRobin:          "round_robin",
	StrategyLeastLoaded:         "least_loaded",
	StrategyWeighted:            "weighted",
	StrategyFailover:            "failover",
	StrategyReliabilityWeighted: "reliability_weighted",
}

// String returns the configuration name of s
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name to a Strategy. The empty string is StrategyDefault.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return StrategyDefault, nil
	}
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return StrategyDefault, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown load balancing strategy '%s'", name)
}

// SelectionStrategy picks one provider from a non-empty candidate list
type SelectionStrategy interface {
	Select(candidates []*providerState) *providerState
}

// newSelectionStrategy returns the implementation of s
func newSelectionStrategy(s Strategy, rnd *rand.Rand) SelectionStrategy {
	switch s {
	case StrategyRoundRobin:
		return roundRobinStrategy{}
	case StrategyLeastLoaded:
		return leastLoadedStrategy{}
	case StrategyWeighted:
		return &weightedStrategy{rnd: rnd}
	case StrategyFailover:
		return failoverStrategy{}
	default:
		return reliabilityWeightedStrategy{}
	}
}

// roundRobinStrategy picks the provider used longest ago
type roundRobinStrategy struct{}

func (roundRobinStrategy) Select(candidates []*providerState) *providerState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.lastUsed.Before(best.lastUsed) {
			best = c
		}
	}
	return best
}

// leastLoadedStrategy picks the provider with the fewest calls in flight
type leastLoadedStrategy struct{}

func (leastLoadedStrategy) Select(candidates []*providerState) *providerState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.load < best.load {
			best = c
		}
	}
	return best
}

// weightedStrategy draws a provider with probability proportional to its weight
type weightedStrategy struct {
	rnd *rand.Rand
}

func (w *weightedStrategy) Select(candidates []*providerState) *providerState {
	total := 0.0
	for _, c := range candidates {
		total += math.Max(c.desc.Weight, 0)
	}
	if total <= 0 {
		return candidates[0]
	}
	draw := w.rnd.Float64() * total
	for _, c := range candidates {
		draw -= math.Max(c.desc.Weight, 0)
		if draw < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// failoverStrategy picks the lowest priority number
type failoverStrategy struct{}

func (failoverStrategy) Select(candidates []*providerState) *providerState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.desc.Priority < best.desc.Priority {
			best = c
		}
	}
	return best
}

// reliabilityWeightedStrategy picks the highest reliability score
type reliabilityWeightedStrategy struct{}

func (reliabilityWeightedStrategy) Select(candidates []*providerState) *providerState {
	best := candidates[0]
	bestScore := reliabilityScore(best)
	for _, c := range candidates[1:] {
		if score := reliabilityScore(c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// reliabilityScore is reliability * max(0.1, 1 - failures*0.1)
func reliabilityScore(p *providerState) float64 {
	return p.desc.Reliability * math.Max(0.1, 1-float64(p.failures)*0.1)
}
