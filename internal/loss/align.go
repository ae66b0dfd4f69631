package loss

import (
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"github.com/yufeng1707/Depth-Estimation/internal/masked"
)

// DefaultEps floors the alignment scale.
const DefaultEps = 1e-4

// alignment carries the per-sample statistics used to normalise a field, so the
// gradient pass can reuse them.
type alignment struct {
	out    *field.Field
	center []float64
	scale  []float64
}

// Align rescales every sample of f to zero masked median and unit masked mean
// absolute deviation. Samples whose mask is empty are rejected.
func Align(f *field.Field, m *field.Mask, eps float64) (*field.Field, error) {
	a, err := align(f, m, eps)
	if err != nil {
		return nil, err
	}
	return a.out, nil
}

func align(f *field.Field, m *field.Mask, eps float64) (alignment, error) {
	center, err := masked.Median(f, m)
	if err != nil {
		return alignment{}, fmt.Errorf("align center: %w", err)
	}
	scale, err := masked.MeanAbsDeviation(f, m, center, eps)
	if err != nil {
		return alignment{}, fmt.Errorf("align scale: %w", err)
	}

	out := f.Clone()
	for i := 0; i < f.N; i++ {
		vals := out.Sample(i)
		sel := m.Sample(i)
		for j := range vals {
			vals[j] = (vals[j] - center[i]) / scale[i]
			// unmasked pixels may hold 1/0 disparities; only selected ones must be finite
			if sel[j] && (math.IsNaN(vals[j]) || math.IsInf(vals[j], 0)) {
				return alignment{}, fmt.Errorf("align sample %d: %w: non-finite output", i, ErrNumericalInstability)
			}
		}
	}
	return alignment{out: out, center: center, scale: scale}, nil
}
