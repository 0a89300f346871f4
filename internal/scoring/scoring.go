// Package scoring attaches a machine-learned probability to raw strategy
// signals, filters them against configured thresholds, and ranks survivors
// with a composite score. Scoring is pure: no I/O, no mutation of shared
// state, same inputs always produce the same ranked output.
package scoring

import (
	"sort"

	"indiaoptions-bot/pkg/types"
)

// Model is the pluggable probability estimator. Predict consumes a feature
// vector (see Features) and returns a win probability in [0,1].
type Model interface {
	Version() string
	Predict(features []float64) (float64, error)
}

// FeatureVersion tags the engineered feature layout. Stored alongside chain
// snapshots so training data stays interpretable across layout changes.
const FeatureVersion = "v1"

// Features engineers the v1 feature vector from a signal. The order is
// fixed; append-only changes require a new version tag.
func Features(sig types.Signal) []float64 {
	spotNorm := 0.0
	if sig.Strike > 0 {
		spotNorm = sig.Context.Spot / sig.Strike
	}
	return []float64{
		sig.Greeks.Delta,
		sig.Greeks.Gamma,
		sig.Greeks.Theta,
		sig.Greeks.Vega,
		sig.Context.IV,
		sig.Strength / 100,
		spotNorm,
		sig.Context.VIX / 100,
		sig.Context.PCR,
		sig.RiskReward(),
		float64(sig.GeneratedAt.Hour()) / 24,
		float64(sig.GeneratedAt.Minute()) / 60,
	}
}

// Thresholds are the two admission gates applied after probability scoring.
type Thresholds struct {
	MinMLScore          float64 // ignored when running pass-through
	MinStrategyStrength float64
}

// Scorer scores and ranks one cycle's signals. A nil model runs in
// pass-through mode: probability = strength/100 and only the strength
// threshold applies.
type Scorer struct {
	model Model
	th    Thresholds
}

func New(model Model, th Thresholds) *Scorer {
	return &Scorer{model: model, th: th}
}

// Passthrough reports whether the scorer is running without a model.
func (s *Scorer) Passthrough() bool { return s.model == nil }

// Composite is the tie-break score used to rank accepted signals:
//
//	0.4·ml + 0.3·strength/100 + 0.2·min(support/10, 1) + 0.1·min(RR/3, 1)
//
// where support counts same-symbol, same-direction signals in the cycle.
func Composite(sig types.Signal, support int) float64 {
	supportTerm := float64(support) / 10
	if supportTerm > 1 {
		supportTerm = 1
	}
	rrTerm := sig.RiskReward() / 3
	if rrTerm > 1 {
		rrTerm = 1
	}
	return 0.4*sig.MLProbability + 0.3*sig.Strength/100 + 0.2*supportTerm + 0.1*rrTerm
}

// contractKey identifies one tradable leg within a cycle.
type contractKey struct {
	symbol    string
	strike    float64
	direction types.Side
}

// Score fills ml-probability on each signal, drops those under threshold,
// collapses signals on the same (symbol, strike, direction) down to the one
// with the highest composite, and returns the survivors ranked best-first.
// Signals whose model prediction errors are dropped (counted by the caller
// via the shrunken result).
func (s *Scorer) Score(signals []types.Signal) []types.Signal {
	// Support counts come from the full pre-filter cycle, so a weak signal
	// still vouches for its direction.
	support := make(map[string]int)
	for _, sig := range signals {
		support[sig.Symbol+"/"+string(sig.Direction)]++
	}

	accepted := make([]types.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Strength < s.th.MinStrategyStrength {
			continue
		}
		if s.model == nil {
			sig.MLProbability = sig.Strength / 100
		} else {
			p, err := s.model.Predict(Features(sig))
			if err != nil {
				continue
			}
			if p < 0 {
				p = 0
			} else if p > 1 {
				p = 1
			}
			sig.MLProbability = p
			if sig.MLProbability < s.th.MinMLScore {
				continue
			}
		}
		accepted = append(accepted, sig)
	}

	comp := func(sig types.Signal) float64 {
		return Composite(sig, support[sig.Symbol+"/"+string(sig.Direction)])
	}

	// One entry per contract per cycle: several strategies flagging the same
	// leg reinforce each other through the support term, they do not stack
	// exposure on it.
	best := make(map[contractKey]types.Signal, len(accepted))
	order := make([]contractKey, 0, len(accepted))
	for _, sig := range accepted {
		k := contractKey{sig.Symbol, sig.Strike, sig.Direction}
		cur, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = sig
			continue
		}
		if comp(sig) > comp(cur) {
			best[k] = sig
		}
	}

	survivors := make([]types.Signal, 0, len(order))
	for _, k := range order {
		survivors = append(survivors, best[k])
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		return comp(survivors[i]) > comp(survivors[j])
	})
	return survivors
}
