// Package score computes the per-round quality score, optionally weighted by
// a scorecard file.
package score

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights maps agent id to its scorecard weight. Agents absent from the map
// weigh 1.
type Weights map[string]float64

// LoadWeights reads a YAML scorecard mapping agent ids to weights. An empty
// path yields nil weights (every agent weighs 1).
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scorecard: %w", err)
	}
	var w Weights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse scorecard: %w", err)
	}
	for id, weight := range w {
		if weight < 0 {
			return nil, fmt.Errorf("scorecard weight for %q must be >= 0", id)
		}
	}
	return w, nil
}

// Round scores one round on a 0..100 scale: the weighted fraction of agents
// that produced a valid decision.
func Round(agents []string, valid map[string]bool, w Weights) float64 {
	if len(agents) == 0 {
		return 0
	}
	var total, passed float64
	for _, id := range agents {
		weight := 1.0
		if v, ok := w[id]; ok {
			weight = v
		}
		total += weight
		if valid[id] {
			passed += weight
		}
	}
	if total == 0 {
		return 0
	}
	return passed / total * 100
}
