package loss

import (
	"fmt"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
)

// Criterion is a differentiable training objective on disparity fields.
type Criterion interface {
	Forward(pred, target *field.Field, m *field.Mask) (float64, error)
	Gradient(pred, target *field.Field, m *field.Mask) (*field.Field, error)
}

// Kind names a Criterion in configuration.
type Kind string

const (
	KindSILog      Kind = "silog"
	KindShiftScale Kind = "ssi"
)

// Params collects the knobs of every Criterion.
type Params struct {
	VarianceFocus float64
	NumScales     int
	Alpha         float64
	Eps           float64
}

// New builds the Criterion named by kind.
func New(kind Kind, p Params) (Criterion, error) {
	switch kind {
	case KindSILog, "":
		return NewSILog(p.VarianceFocus, p.NumScales), nil
	case KindShiftScale:
		eps := p.Eps
		if eps <= 0 {
			eps = DefaultEps
		}
		return NewShiftScale(p.Alpha, eps, p.NumScales), nil
	default:
		return nil, fmt.Errorf("unknown loss %q", kind)
	}
}
