package router

import (
	"sort"

	"github.com/vnmchuo/inference-router/internal/backend"
)

// Strategy names the backend selection algorithm. The set is closed: adding
// one means adding a constant and a selector entry below.
type Strategy string

const (
	StrategyWeighted  Strategy = "weighted"
	StrategyLatency   Strategy = "latency-based"
	StrategyLeastBusy Strategy = "least-busy"
	StrategyUsage     Strategy = "usage-based"
)

func (s Strategy) Valid() bool {
	_, ok := selectors[s]
	return ok
}

type selectionEnv struct {
	stats *Stats
	usage *backend.UsageTracker
	rnd   func() float64 // [0, 1)
}

type selectorFunc func(cands []*backend.Descriptor, env *selectionEnv) *backend.Descriptor

var selectors = map[Strategy]selectorFunc{
	StrategyWeighted:  selectWeighted,
	StrategyLatency:   selectByLatency,
	StrategyLeastBusy: selectLeastBusy,
	StrategyUsage:     selectByUsage,
}

// byID returns a copy sorted by backend id. Scoring over a stable order
// keeps ties deterministic.
func byID(cands []*backend.Descriptor) []*backend.Descriptor {
	sorted := make([]*backend.Descriptor, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

// selectWeighted draws a backend with probability proportional to its static
// weight, excluding backends that have saturated their RPM/TPM capacity.
func selectWeighted(cands []*backend.Descriptor, env *selectionEnv) *backend.Descriptor {
	var open []*backend.Descriptor
	var total float64
	for _, d := range byID(cands) {
		if env.usage.Saturated(d) {
			continue
		}
		open = append(open, d)
		if d.Weight > 0 {
			total += d.Weight
		}
	}
	if len(open) == 0 {
		return nil
	}
	if total == 0 {
		return open[0]
	}

	target := env.rnd() * total
	for _, d := range open {
		if d.Weight <= 0 {
			continue
		}
		target -= d.Weight
		if target < 0 {
			return d
		}
	}
	return open[len(open)-1]
}

func selectByLatency(cands []*backend.Descriptor, env *selectionEnv) *backend.Descriptor {
	return lowestScore(cands, func(d *backend.Descriptor) float64 {
		return env.stats.LatencyP95(d.ID)
	})
}

func selectLeastBusy(cands []*backend.Descriptor, env *selectionEnv) *backend.Descriptor {
	return lowestScore(cands, func(d *backend.Descriptor) float64 {
		return float64(env.stats.Inflight(d.ID))
	})
}

// selectByUsage prefers the backend with the least recent token consumption.
func selectByUsage(cands []*backend.Descriptor, env *selectionEnv) *backend.Descriptor {
	return lowestScore(cands, func(d *backend.Descriptor) float64 {
		_, tokens := env.usage.Usage(d.ID)
		return float64(tokens)
	})
}

// lowestScore picks the candidate with the smallest score; equal scores
// resolve to the lexicographically smallest backend id.
func lowestScore(cands []*backend.Descriptor, score func(*backend.Descriptor) float64) *backend.Descriptor {
	var best *backend.Descriptor
	var bestScore float64
	for _, d := range byID(cands) {
		s := score(d)
		if best == nil || s < bestScore {
			best = d
			bestScore = s
		}
	}
	return best
}
