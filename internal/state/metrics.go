package state

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
)

// encodeMetrics drops non-finite entries; JSON cannot hold them.
func encodeMetrics(v metrics.Vector) (string, error) {
	m := v.Map()
	for k, x := range m {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			delete(m, k)
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metrics: %w", err)
	}
	return string(b), nil
}

// Vector decodes the metric vector stored with the snapshot. ok is false when
// the snapshot carries none. Entries that were not finite come back as NaN.
func (s Snapshot) Vector() (metrics.Vector, bool, error) {
	var v metrics.Vector
	if s.MetricsJSON == "" {
		return v, false, nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(s.MetricsJSON), &m); err != nil {
		return v, false, fmt.Errorf("unmarshal metrics: %w", err)
	}
	for i, d := range metrics.Descriptors {
		x, ok := m[d.Name]
		if !ok {
			x = math.NaN()
		}
		v[i] = x
	}
	return v, true, nil
}
