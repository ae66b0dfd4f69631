// Package loss implements the training objectives: scale-invariant log loss on
// disparity, and the alignment plus multi-scale regression loss it can be swapped
// for.
package loss

import (
	"errors"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"github.com/yufeng1707/Depth-Estimation/internal/masked"
)

var (
	// ErrNonPositivePrediction is a precondition failure: a masked prediction is
	// not strictly positive, so its logarithm is undefined.
	ErrNonPositivePrediction = errors.New("non-positive prediction under mask")
	// ErrNumericalInstability means a variance estimate went negative beyond
	// rounding error, or a result came out non-finite.
	ErrNumericalInstability = errors.New("numerical instability")
	// ErrEmptyMask is re-exported so callers only need this package.
	ErrEmptyMask = masked.ErrEmptyMask
	// ErrShapeMismatch is re-exported so callers only need this package.
	ErrShapeMismatch = field.ErrShapeMismatch
)
