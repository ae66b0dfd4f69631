package loss

import (
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
)

// MultiScale sums, over numScales dyadic decimations, the root-mean-squared
// difference between pred and target on the masked pixels of the whole batch.
func MultiScale(pred, target *field.Field, m *field.Mask, numScales int) (float64, error) {
	if err := checkShapes(pred, target, m); err != nil {
		return 0, err
	}
	if numScales < 1 {
		return 0, fmt.Errorf("multiscale: num scales %d < 1", numScales)
	}

	total := 0.0
	stride := 1
	for s := 0; s < numScales; s++ {
		p := field.Select(pred.Decimate(stride).Data, m.Decimate(stride).Data)
		t := field.Select(target.Decimate(stride).Data, m.Decimate(stride).Data)
		if len(p) == 0 {
			return 0, fmt.Errorf("multiscale scale %d: %w", s, ErrEmptyMask)
		}
		var sq float64
		for i := range p {
			d := p[i] - t[i]
			sq += d * d
		}
		total += math.Sqrt(sq / float64(len(p)))
		stride *= 2
	}
	return total, nil
}

func checkShapes(pred, target *field.Field, m *field.Mask) error {
	if err := field.SameShape(pred.Shape, target.Shape); err != nil {
		return fmt.Errorf("pred vs target: %w", err)
	}
	if err := field.SameShape(pred.Shape, m.Shape); err != nil {
		return fmt.Errorf("pred vs mask: %w", err)
	}
	return nil
}
