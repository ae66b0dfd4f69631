package loss

import (
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
)

// ShiftScale aligns prediction and target to zero median and unit mean
// absolute deviation, then weights their multi-scale RMS difference by Alpha.
type ShiftScale struct {
	Alpha     float64
	Eps       float64
	NumScales int
}

// NewShiftScale returns a ShiftScale loss.
func NewShiftScale(alpha, eps float64, numScales int) *ShiftScale {
	return &ShiftScale{Alpha: alpha, Eps: eps, NumScales: numScales}
}

func (l *ShiftScale) prepare(pred, target *field.Field, m *field.Mask) (alignment, alignment, error) {
	if err := checkShapes(pred, target, m); err != nil {
		return alignment{}, alignment{}, err
	}
	var energy float64
	for _, v := range pred.Data {
		energy += v * v
	}
	if !(energy > l.Eps) {
		return alignment{}, alignment{}, fmt.Errorf("%w: prediction energy %g not above eps", ErrNonPositivePrediction, energy)
	}
	ap, err := align(pred, m, l.Eps)
	if err != nil {
		return alignment{}, alignment{}, fmt.Errorf("prediction: %w", err)
	}
	at, err := align(target, m, l.Eps)
	if err != nil {
		return alignment{}, alignment{}, fmt.Errorf("target: %w", err)
	}
	return ap, at, nil
}

// Forward returns Alpha times the multi-scale loss of the aligned fields.
func (l *ShiftScale) Forward(pred, target *field.Field, m *field.Mask) (float64, error) {
	if l.Alpha <= 0 {
		return 0, nil
	}
	ap, at, err := l.prepare(pred, target, m)
	if err != nil {
		return 0, err
	}
	reg, err := MultiScale(ap.out, at.out, m, l.NumScales)
	if err != nil {
		return 0, err
	}
	return l.Alpha * reg, nil
}

// Gradient returns dLoss/dPred, differentiating through the per-sample median
// and mean absolute deviation used by the alignment.
func (l *ShiftScale) Gradient(pred, target *field.Field, m *field.Mask) (*field.Field, error) {
	grad := field.New(pred.Shape)
	if l.Alpha <= 0 {
		return grad, nil
	}
	ap, at, err := l.prepare(pred, target, m)
	if err != nil {
		return nil, err
	}
	if l.NumScales < 1 {
		return nil, fmt.Errorf("shift-scale: num scales %d < 1", l.NumScales)
	}

	// g holds dLoss/dAligned.
	g := field.New(pred.Shape)
	stride := 1
	for s := 0; s < l.NumScales; s++ {
		idx := m.StridedIndices(stride)
		if len(idx) == 0 {
			return nil, fmt.Errorf("shift-scale scale %d: %w", s, ErrEmptyMask)
		}
		var sq float64
		for _, i := range idx {
			d := ap.out.Data[i] - at.out.Data[i]
			sq += d * d
		}
		n := float64(len(idx))
		rms := math.Sqrt(sq / n)
		if rms > 0 {
			for _, i := range idx {
				g.Data[i] += l.Alpha * (ap.out.Data[i] - at.out.Data[i]) / (n * rms)
			}
		}
		stride *= 2
	}

	for k := 0; k < pred.N; k++ {
		p := pred.Sample(k)
		a := ap.out.Sample(k)
		gs := g.Sample(k)
		sel := m.Sample(k)
		out := grad.Sample(k)
		center, scale := ap.center[k], ap.scale[k]

		var sumG, sumGA, signSum float64
		var count int
		medianAt := -1
		for i := range p {
			if !sel[i] {
				continue
			}
			count++
			sumG += gs[i]
			sumGA += gs[i] * a[i]
			signSum += sign(p[i] - center)
			if medianAt < 0 && p[i] == center {
				medianAt = i
			}
		}
		n := float64(count)
		dScaleDCenter := -signSum / n

		for i := range p {
			if !sel[i] {
				continue
			}
			v := gs[i]/scale - sumGA/scale*sign(p[i]-center)/n
			if i == medianAt {
				v += -sumG/scale - sumGA/scale*dScaleDCenter
			}
			out[i] = v
		}
	}
	return grad, nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
