// Package best tracks, per metric, the best evaluation value seen so far and
// decides which metrics a new evaluation improves. Decisions are pure; writing
// and evicting checkpoint files is left to the caller.
package best

import (
	"fmt"

	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
)

// #region decide
// Decide compares every metric of v against its stored best independently and
// returns the improvements in vector order. It does not modify r.
func Decide(r Records, v metrics.Vector, step int64) []Improvement {
	var out []Improvement
	for i, d := range metrics.Descriptors {
		if !d.Improves(v[i], r[i].Value) {
			continue
		}
		out = append(out, Improvement{
			Index:        i,
			Metric:       d.Name,
			Previous:     r[i].Value,
			PreviousStep: r[i].Step,
			Current:      v[i],
			Step:         step,
		})
	}
	return out
}

// Apply returns r with every improvement recorded.
func (r Records) Apply(ims []Improvement) Records {
	for _, im := range ims {
		r[im.Index] = Record{Value: im.Current, Step: im.Step}
	}
	return r
}

// #endregion decide

// #region split
// Lower returns the values of the lower-is-better metrics in vector order.
func (r Records) Lower() []float64 {
	return r.values(metrics.LowerIsBetter)
}

// Higher returns the values of the higher-is-better metrics in vector order.
func (r Records) Higher() []float64 {
	return r.values(metrics.HigherIsBetter)
}

func (r Records) values(dir metrics.Direction) []float64 {
	var out []float64
	for i, d := range metrics.Descriptors {
		if d.Direction == dir {
			out = append(out, r[i].Value)
		}
	}
	return out
}

// Steps returns every best step in vector order.
func (r Records) Steps() []int64 {
	out := make([]int64, metrics.Count)
	for i := range r {
		out[i] = r[i].Step
	}
	return out
}

// FromSplit rebuilds Records from the Lower, Higher and Steps views.
func FromSplit(lower, higher []float64, steps []int64) (Records, error) {
	var r Records
	if len(steps) != metrics.Count {
		return r, fmt.Errorf("best steps: want %d, got %d", metrics.Count, len(steps))
	}
	li, hi := 0, 0
	for i, d := range metrics.Descriptors {
		switch d.Direction {
		case metrics.LowerIsBetter:
			if li >= len(lower) {
				return r, fmt.Errorf("best lower-is-better values: got %d", len(lower))
			}
			r[i].Value = lower[li]
			li++
		case metrics.HigherIsBetter:
			if hi >= len(higher) {
				return r, fmt.Errorf("best higher-is-better values: got %d", len(higher))
			}
			r[i].Value = higher[hi]
			hi++
		}
		r[i].Step = steps[i]
	}
	if li != len(lower) || hi != len(higher) {
		return r, fmt.Errorf("best values: %d lower and %d higher, want %d and %d", len(lower), len(higher), li, hi)
	}
	return r, nil
}

// #endregion split
