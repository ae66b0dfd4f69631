package metrics

import (
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
)

// #region standardize
// Standardize returns a copy of depth clipped into [minDepth, maxDepth]. NaN
// maps to minDepth and +Inf to maxDepth.
func Standardize(depth *field.Field, minDepth, maxDepth float64) *field.Field {
	out := depth.Clone()
	for i, v := range out.Data {
		switch {
		case math.IsNaN(v), v < minDepth:
			out.Data[i] = minDepth
		case v > maxDepth:
			out.Data[i] = maxDepth
		}
	}
	return out
}

// ValidMask selects ground-truth pixels strictly inside (minDepth, maxDepth).
func ValidMask(gt *field.Field, minDepth, maxDepth float64) *field.Mask {
	m := field.NewMask(gt.Shape)
	for i, v := range gt.Data {
		m.Data[i] = v > minDepth && v < maxDepth
	}
	return m
}

// #endregion standardize

// #region crop
// Crop names an evaluation crop.
type Crop string

const (
	CropNone  Crop = "none"
	CropEigen Crop = "eigen"
	CropGarg  Crop = "garg"
)

// ParseCrop accepts the crop names and the empty string for none.
func ParseCrop(s string) (Crop, error) {
	switch Crop(s) {
	case "", CropNone:
		return CropNone, nil
	case CropEigen, CropGarg:
		return Crop(s), nil
	}
	return "", fmt.Errorf("unknown eval crop %q", s)
}

// Rect returns the half-open row and column ranges the crop keeps for an
// h x w image. Eigen is a fixed window clipped to the image; Garg is a
// fraction of each side.
func (c Crop) Rect(h, w int) (y0, y1, x0, x1 int) {
	switch c {
	case CropEigen:
		return min(45, h), min(471, h), min(41, w), min(601, w)
	case CropGarg:
		return int(0.40810811 * float64(h)), int(0.99189189 * float64(h)),
			int(0.03594771 * float64(w)), int(0.96405229 * float64(w))
	}
	return 0, h, 0, w
}

// Mask returns the crop window as a mask over s.
func (c Crop) Mask(s field.Shape) *field.Mask {
	if c == CropNone || c == "" {
		return field.FullMask(s)
	}
	m := field.NewMask(s)
	y0, y1, x0, x1 := c.Rect(s.H, s.W)
	for n := 0; n < s.N; n++ {
		for ch := 0; ch < s.C; ch++ {
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					m.Set(n, ch, y, x, true)
				}
			}
		}
	}
	return m
}

// #endregion crop

// #region eval-mask
// EvalMask combines the depth-range validity of gt with the crop window.
func EvalMask(gt *field.Field, minDepth, maxDepth float64, crop Crop) (*field.Mask, error) {
	valid := ValidMask(gt, minDepth, maxDepth)
	if crop == CropNone || crop == "" {
		return valid, nil
	}
	return valid.And(crop.Mask(gt.Shape))
}

// #endregion eval-mask
