// Package gate decides phase transitions. A failed gate is data, not an
// error: the decision carries one blocker per unmet condition so callers
// can see exactly which condition failed.
package gate

import (
	"fmt"
	"sort"

	"crewline/internal/artifact"
	"crewline/internal/config"
	"crewline/internal/contract"
	"crewline/internal/domain"
)

// CriticalMetric is the metric name carrying the critical issue count.
// It is excluded from the weighted quality average.
const CriticalMetric = "critical_issues"

// Threshold returns the ratcheted quality threshold for an iteration:
// min(base + step*(iteration-1), max). Monotonically non-decreasing.
func Threshold(p config.GateParams, iteration int) float64 {
	if iteration < 1 {
		iteration = 1
	}
	t := p.BaseThreshold + p.RatchetStep*float64(iteration-1)
	if t > p.MaxThreshold {
		return p.MaxThreshold
	}
	return t
}

// Quality computes the weighted average of quality metrics. Metrics
// without a configured weight default to weight 1; the critical issue
// count is never averaged in. No metrics yields 0.
func Quality(metrics map[string]float64, weights map[string]float64) float64 {
	var sum, totalWeight float64
	for name, value := range metrics {
		if name == CriticalMetric {
			continue
		}
		w := 1.0
		if weights != nil {
			if cw, ok := weights[name]; ok {
				w = cw
			}
		}
		sum += value * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

// Input carries everything one gate evaluation needs.
type Input struct {
	Node      domain.Node
	Iteration int
	Result    domain.ExecutionResult
	Mapping   artifact.Mapping
	Stale     []contract.StaleError
}

// Evaluate applies the phase gate: completeness against the floor,
// weighted quality against the ratcheted threshold, zero critical
// issues, and no stale contract bindings. Identifiers and timestamps
// are left for the caller to fill before persisting.
func Evaluate(cfg *config.Config, in Input) domain.GateDecision {
	params := cfg.Gate(in.Node.Phase)
	d := domain.GateDecision{
		NodeID:       in.Node.ID,
		PhaseFrom:    in.Node.Phase,
		PhaseTo:      NextPhase(in.Node.Phase),
		Iteration:    in.Iteration,
		Threshold:    Threshold(params, in.Iteration),
		Completeness: in.Mapping.Completeness(),
		Quality:      Quality(in.Result.Metrics, params.Weights),
	}

	if d.Completeness < cfg.Gates.CompletenessFloor {
		missing := append([]string(nil), in.Mapping.Missing...)
		sort.Strings(missing)
		for _, name := range missing {
			d.Blockers = append(d.Blockers, fmt.Sprintf("missing deliverable %s", name))
		}
		d.Blockers = append(d.Blockers, fmt.Sprintf("completeness %.2f below floor %.2f", d.Completeness, cfg.Gates.CompletenessFloor))
	}
	if d.Quality < d.Threshold {
		d.Blockers = append(d.Blockers, fmt.Sprintf("quality %.1f below threshold %.1f at iteration %d", d.Quality, d.Threshold, in.Iteration))
	}
	if critical := in.Result.Metrics[CriticalMetric]; critical > 0 {
		d.Blockers = append(d.Blockers, fmt.Sprintf("%d critical issue(s) open", int(critical)))
	}
	for _, stale := range in.Stale {
		d.Blockers = append(d.Blockers, fmt.Sprintf("stale contract %s v%d for %s", stale.ContractID, stale.Version, stale.NodeID))
	}

	d.Passed = len(d.Blockers) == 0
	return d
}

// NextPhase returns the phase after p, or p itself for the last phase.
func NextPhase(p string) string {
	for i, phase := range domain.Phases {
		if phase == p && i+1 < len(domain.Phases) {
			return domain.Phases[i+1]
		}
	}
	return p
}
