package loss

import (
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
)

const (
	// MinPrediction is the smallest masked prediction accepted before a logarithm.
	MinPrediction = 1e-6
	// DefaultTolerance bounds how far below zero a variance radicand may fall
	// and still be read as rounding error.
	DefaultTolerance = 1e-9
)

// #region silog
// SILog is the scale-invariant logarithmic loss averaged over dyadic scales.
// VarianceFocus in [0, 1] moves the loss from penalising absolute log error
// (0) to penalising only its variance (1).
type SILog struct {
	VarianceFocus float64
	NumScales     int
	Tolerance     float64
}

// NewSILog returns a SILog loss with the default tolerance.
func NewSILog(varianceFocus float64, numScales int) *SILog {
	return &SILog{
		VarianceFocus: varianceFocus,
		NumScales:     numScales,
		Tolerance:     DefaultTolerance,
	}
}

// scaleTerm holds the per-scale quantities shared by Forward and Gradient.
type scaleTerm struct {
	idx  []int
	d    []float64
	mean float64
	loss float64
}

func (l *SILog) terms(pred, target *field.Field, m *field.Mask) ([]scaleTerm, error) {
	if err := checkShapes(pred, target, m); err != nil {
		return nil, err
	}
	if l.NumScales < 1 {
		return nil, fmt.Errorf("silog: num scales %d < 1", l.NumScales)
	}
	if err := checkPositive(pred, m); err != nil {
		return nil, err
	}

	terms := make([]scaleTerm, 0, l.NumScales)
	stride := 1
	for s := 0; s < l.NumScales; s++ {
		idx := m.StridedIndices(stride)
		if len(idx) == 0 {
			return nil, fmt.Errorf("silog scale %d: %w", s, ErrEmptyMask)
		}
		d := make([]float64, len(idx))
		var sum, sumSq float64
		for j, i := range idx {
			d[j] = math.Log(pred.Data[i]) - math.Log(target.Data[i])
			sum += d[j]
			sumSq += d[j] * d[j]
		}
		n := float64(len(idx))
		mean := sum / n
		radicand := sumSq/n - l.VarianceFocus*mean*mean
		if math.IsNaN(radicand) || math.IsInf(radicand, 0) {
			return nil, fmt.Errorf("silog scale %d: %w: radicand %g", s, ErrNumericalInstability, radicand)
		}
		if radicand < 0 {
			if radicand < -l.Tolerance {
				return nil, fmt.Errorf("silog scale %d: %w: radicand %g", s, ErrNumericalInstability, radicand)
			}
			radicand = 0
		}
		terms = append(terms, scaleTerm{idx: idx, d: d, mean: mean, loss: math.Sqrt(radicand)})
		stride *= 2
	}
	return terms, nil
}

// Forward returns the loss for a batch of predicted and ground-truth disparities.
func (l *SILog) Forward(pred, target *field.Field, m *field.Mask) (float64, error) {
	terms, err := l.terms(pred, target, m)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, t := range terms {
		total += t.loss
	}
	return total / float64(len(terms)), nil
}

// Gradient returns dLoss/dPred with the shape of pred. A scale whose loss is
// exactly zero contributes nothing.
func (l *SILog) Gradient(pred, target *field.Field, m *field.Mask) (*field.Field, error) {
	terms, err := l.terms(pred, target, m)
	if err != nil {
		return nil, err
	}
	grad := field.New(pred.Shape)
	scales := float64(len(terms))
	for _, t := range terms {
		if t.loss == 0 {
			continue
		}
		n := float64(len(t.idx))
		for j, i := range t.idx {
			dd := (t.d[j] - l.VarianceFocus*t.mean) / (n * t.loss)
			grad.Data[i] += dd / pred.Data[i] / scales
		}
	}
	return grad, nil
}

// #endregion silog

func checkPositive(pred *field.Field, m *field.Mask) error {
	for i, ok := range m.Data {
		if !ok {
			continue
		}
		if v := pred.Data[i]; !(v > MinPrediction) {
			return fmt.Errorf("%w: %g at index %d", ErrNonPositivePrediction, v, i)
		}
	}
	return nil
}
