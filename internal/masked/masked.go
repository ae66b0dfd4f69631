// Package masked computes per-sample statistics over the pixels a validity
// mask selects.
package masked

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrEmptyMask means a sample selects no pixels, so its statistics are undefined.
	ErrEmptyMask = errors.New("mask selects no pixels")
	// ErrInvalidEps means the deviation floor is not strictly positive.
	ErrInvalidEps = errors.New("eps must be positive")
	// ErrDegenerateScale means a deviation came out as zero and cannot be used as a divisor.
	ErrDegenerateScale = errors.New("degenerate alignment scale")
)

// #region values
// Values returns a sorted copy of the masked values of sample i.
func Values(f *field.Field, m *field.Mask, i int) ([]float64, error) {
	vals := field.Select(f.Sample(i), m.Sample(i))
	if len(vals) == 0 {
		return nil, fmt.Errorf("sample %d: %w", i, ErrEmptyMask)
	}
	sort.Float64s(vals)
	return vals, nil
}

// #endregion values

// #region median
// Median returns the per-sample median of masked values. For an even count the
// lower of the two middle values is used.
func Median(f *field.Field, m *field.Mask) ([]float64, error) {
	if err := field.SameShape(f.Shape, m.Shape); err != nil {
		return nil, err
	}
	out := make([]float64, f.N)
	for i := 0; i < f.N; i++ {
		vals, err := Values(f, m, i)
		if err != nil {
			return nil, err
		}
		out[i] = stat.Quantile(0.5, stat.Empirical, vals, nil)
	}
	return out, nil
}

// MidpointMedian returns the median of unsorted values, averaging the two middle
// values for an even count. It returns NaN for an empty slice.
func MidpointMedian(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// #endregion median

// #region mean-abs-deviation
// MeanAbsDeviation returns, per sample, the mean absolute deviation of masked
// values from center[i], plus eps.
func MeanAbsDeviation(f *field.Field, m *field.Mask, center []float64, eps float64) ([]float64, error) {
	if !(eps > 0) {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidEps, eps)
	}
	if err := field.SameShape(f.Shape, m.Shape); err != nil {
		return nil, err
	}
	if len(center) != f.N {
		return nil, fmt.Errorf("%w: %d centers for %d samples", field.ErrShapeMismatch, len(center), f.N)
	}

	out := make([]float64, f.N)
	for i := 0; i < f.N; i++ {
		vals := field.Select(f.Sample(i), m.Sample(i))
		if len(vals) == 0 {
			return nil, fmt.Errorf("sample %d: %w", i, ErrEmptyMask)
		}
		for j, v := range vals {
			vals[j] = math.Abs(v - center[i])
		}
		s := stat.Mean(vals, nil) + eps
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("sample %d: scale %g: %w", i, s, ErrDegenerateScale)
		}
		out[i] = s
	}
	return out, nil
}

// #endregion mean-abs-deviation
