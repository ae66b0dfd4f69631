package loss

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"github.com/yufeng1707/Depth-Estimation/internal/masked"
)

// #region helpers
func randomField(r *rand.Rand, s field.Shape, lo, hi float64) *field.Field {
	f := field.New(s)
	for i := range f.Data {
		f.Data[i] = lo + (hi-lo)*r.Float64()
	}
	return f
}

func randomMask(r *rand.Rand, s field.Shape, keep float64) *field.Mask {
	m := field.NewMask(s)
	for i := range m.Data {
		m.Data[i] = r.Float64() < keep
	}
	// keep the origin of every sample so every scale has a pixel
	for n := 0; n < s.N; n++ {
		m.Set(n, 0, 0, 0, true)
	}
	return m
}

func fixture(seed uint64) (*field.Field, *field.Field, *field.Mask) {
	r := rand.New(rand.NewPCG(seed, 7))
	s := field.Shape{N: 2, C: 1, H: 6, W: 6}
	return randomField(r, s, 0.5, 2), randomField(r, s, 0.5, 2), randomMask(r, s, 0.8)
}

func numericGrad(t *testing.T, c Criterion, pred, target *field.Field, m *field.Mask, h float64) *field.Field {
	t.Helper()
	g := field.New(pred.Shape)
	for i := range pred.Data {
		orig := pred.Data[i]
		pred.Data[i] = orig + h
		up, err := c.Forward(pred, target, m)
		require.NoError(t, err)
		pred.Data[i] = orig - h
		down, err := c.Forward(pred, target, m)
		require.NoError(t, err)
		pred.Data[i] = orig
		g.Data[i] = (up - down) / (2 * h)
	}
	return g
}

// #endregion helpers

// #region align
func TestAlignNormalisesMaskedStatistics(t *testing.T) {
	pred, _, m := fixture(1)

	a, err := Align(pred, m, DefaultEps)
	require.NoError(t, err)

	med, err := masked.Median(a, m)
	require.NoError(t, err)
	mad, err := masked.MeanAbsDeviation(a, m, med, 1e-12)
	require.NoError(t, err)
	for i := range med {
		assert.InDelta(t, 0, med[i], 1e-12)
		assert.InDelta(t, 1, mad[i], 1e-3)
	}
}

func TestAlignRejectsEmptySample(t *testing.T) {
	pred, _, m := fixture(2)
	for i := range m.Sample(1) {
		m.Sample(1)[i] = false
	}

	_, err := Align(pred, m, DefaultEps)
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestAlignIgnoresUnmaskedInfinity(t *testing.T) {
	pred, _, m := fixture(3)
	pred.Data[1] = math.Inf(1)
	m.Data[1] = false

	_, err := Align(pred, m, DefaultEps)
	assert.NoError(t, err)
}

// #endregion align

// #region multiscale
func TestMultiScaleSingleScaleIsRMS(t *testing.T) {
	pred, target, m := fixture(4)

	got, err := MultiScale(pred, target, m, 1)
	require.NoError(t, err)

	var sq float64
	var n int
	for i, ok := range m.Data {
		if ok {
			d := pred.Data[i] - target.Data[i]
			sq += d * d
			n++
		}
	}
	assert.InDelta(t, math.Sqrt(sq/float64(n)), got, 1e-12)
}

func TestMultiScaleSumsScales(t *testing.T) {
	pred, target, m := fixture(5)

	one, err := MultiScale(pred, target, m, 1)
	require.NoError(t, err)
	coarse, err := MultiScale(pred.Decimate(2), target.Decimate(2), m.Decimate(2), 1)
	require.NoError(t, err)
	two, err := MultiScale(pred, target, m, 2)
	require.NoError(t, err)

	assert.InDelta(t, one+coarse, two, 1e-12)
}

func TestMultiScaleShapeMismatch(t *testing.T) {
	pred, _, m := fixture(6)
	other := field.New(field.Shape{N: 1, C: 1, H: 6, W: 6})

	_, err := MultiScale(pred, other, m, 1)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

// #endregion multiscale

// #region silog
func TestSILogPerfectPredictionIsZero(t *testing.T) {
	_, target, m := fixture(7)
	l := NewSILog(0.85, 4)

	got, err := l.Forward(target, target, m)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestSILogScaleInvariantAtFullVarianceFocus(t *testing.T) {
	pred, target, m := fixture(8)
	l := NewSILog(1, 3)

	base, err := l.Forward(pred, target, m)
	require.NoError(t, err)
	for _, k := range []float64{0.01, 0.5, 3, 250} {
		scaled, err := l.Forward(pred.Scale(k), target, m)
		require.NoError(t, err)
		assert.InDelta(t, base, scaled, 1e-9, "k=%g", k)
	}
}

func TestSILogPenalisesScaleBelowFullFocus(t *testing.T) {
	pred, target, m := fixture(9)
	l := NewSILog(0.5, 1)

	base, err := l.Forward(pred, target, m)
	require.NoError(t, err)
	scaled, err := l.Forward(pred.Scale(4), target, m)
	require.NoError(t, err)
	assert.Greater(t, scaled, base)
}

func TestSILogRejectsNonPositivePrediction(t *testing.T) {
	for _, bad := range []float64{0, -0.3, math.NaN()} {
		pred, target, m := fixture(10)
		pred.Data[0] = bad
		m.Data[0] = true

		_, err := NewSILog(0.85, 2).Forward(pred, target, m)
		assert.ErrorIs(t, err, ErrNonPositivePrediction, "value %g", bad)

		_, err = NewSILog(0.85, 2).Gradient(pred, target, m)
		assert.ErrorIs(t, err, ErrNonPositivePrediction)
	}
}

func TestSILogIgnoresUnmaskedNonPositive(t *testing.T) {
	pred, target, m := fixture(11)
	pred.Data[5] = -1
	m.Data[5] = false

	_, err := NewSILog(0.85, 2).Forward(pred, target, m)
	assert.NoError(t, err)
}

func TestSILogNegativeRadicandIsInstability(t *testing.T) {
	_, target, m := fixture(12)
	// constant log ratio with focus 2 gives mean(d^2) - 2 mean(d)^2 = -log(2)^2
	_, err := NewSILog(2, 1).Forward(target.Scale(2), target, m)
	assert.ErrorIs(t, err, ErrNumericalInstability)
}

func TestSILogRoundingRadicandClampsToZero(t *testing.T) {
	_, target, m := fixture(13)

	got, err := NewSILog(1, 2).Forward(target.Scale(3), target, m)
	require.NoError(t, err)
	assert.InDelta(t, 0, got, 1e-6)
}

func TestSILogEmptyMask(t *testing.T) {
	pred, target, _ := fixture(14)
	_, err := NewSILog(0.85, 1).Forward(pred, target, field.NewMask(pred.Shape))
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestSILogGradientMatchesFiniteDifference(t *testing.T) {
	pred, target, m := fixture(15)
	l := NewSILog(0.85, 3)

	analytic, err := l.Gradient(pred, target, m)
	require.NoError(t, err)
	numeric := numericGrad(t, l, pred, target, m, 1e-6)

	for i := range analytic.Data {
		assert.InDelta(t, numeric.Data[i], analytic.Data[i], 1e-6, "index %d", i)
	}
}

// #endregion silog

// #region shift-scale
func TestShiftScaleMatchesAlignedMultiScale(t *testing.T) {
	pred, target, m := fixture(16)
	l := NewShiftScale(0.5, DefaultEps, 2)

	got, err := l.Forward(pred, target, m)
	require.NoError(t, err)

	ap, err := Align(pred, m, DefaultEps)
	require.NoError(t, err)
	at, err := Align(target, m, DefaultEps)
	require.NoError(t, err)
	want, err := MultiScale(ap, at, m, 2)
	require.NoError(t, err)

	assert.InDelta(t, 0.5*want, got, 1e-12)
}

func TestShiftScaleIgnoresAffineChanges(t *testing.T) {
	pred, target, m := fixture(17)
	l := NewShiftScale(1, 1e-9, 2)

	base, err := l.Forward(pred, target, m)
	require.NoError(t, err)

	moved := pred.Scale(3)
	for i := range moved.Data {
		moved.Data[i] += 5
	}
	got, err := l.Forward(moved, target, m)
	require.NoError(t, err)
	assert.InDelta(t, base, got, 1e-6)
}

func TestShiftScaleZeroAlpha(t *testing.T) {
	pred, target, m := fixture(18)
	l := NewShiftScale(0, DefaultEps, 2)

	got, err := l.Forward(pred, target, m)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)

	g, err := l.Gradient(pred, target, m)
	require.NoError(t, err)
	for _, v := range g.Data {
		assert.Equal(t, 0.0, v)
	}
}

func TestShiftScaleRejectsZeroPrediction(t *testing.T) {
	_, target, m := fixture(19)
	_, err := NewShiftScale(1, DefaultEps, 1).Forward(field.New(target.Shape), target, m)
	assert.ErrorIs(t, err, ErrNonPositivePrediction)
}

func TestShiftScaleGradientMatchesFiniteDifference(t *testing.T) {
	pred, target, m := fixture(20)
	l := NewShiftScale(0.5, DefaultEps, 2)

	analytic, err := l.Gradient(pred, target, m)
	require.NoError(t, err)
	numeric := numericGrad(t, l, pred, target, m, 1e-7)

	for i := range analytic.Data {
		assert.InDelta(t, numeric.Data[i], analytic.Data[i], 1e-5, "index %d", i)
	}
}

// #endregion shift-scale

func TestNewCriterion(t *testing.T) {
	c, err := New(KindSILog, Params{VarianceFocus: 0.85, NumScales: 4})
	require.NoError(t, err)
	assert.IsType(t, &SILog{}, c)

	c, err = New(KindShiftScale, Params{Alpha: 0.5, NumScales: 4})
	require.NoError(t, err)
	assert.Equal(t, DefaultEps, c.(*ShiftScale).Eps)

	_, err = New("l1", Params{})
	assert.Error(t, err)
}
