package metrics

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"github.com/yufeng1707/Depth-Estimation/internal/masked"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// #region sample
// ComputeSample returns the accuracy metrics of one sample. The prediction is
// first rescaled by median(gt)/median(pred) over the valid pixels. ok is false
// when the mask selects nothing or the prediction median is not positive, and
// the sample must then be left out of any average.
func ComputeSample(gt, pred []float64, mask []bool) (Errors, bool) {
	g := field.Select(gt, mask)
	p := field.Select(pred, mask)
	if len(g) == 0 {
		return Errors{}, false
	}
	pm := masked.MidpointMedian(p)
	if !(pm > 0) {
		return Errors{}, false
	}
	floats.Scale(masked.MidpointMedian(g)/pm, p)

	n := float64(len(g))
	var d1, d2, d3 float64
	var sq, absRel, sqRel, logErr, logErrSq, log10 float64
	for i := range g {
		thresh := math.Max(g[i]/p[i], p[i]/g[i])
		if thresh < 1.25 {
			d1++
		}
		if thresh < 1.25*1.25 {
			d2++
		}
		if thresh < 1.25*1.25*1.25 {
			d3++
		}

		diff := g[i] - p[i]
		sq += diff * diff
		absRel += math.Abs(diff) / g[i]
		sqRel += diff * diff / g[i]

		e := math.Log(p[i]) - math.Log(g[i])
		logErr += e
		logErrSq += e * e
		log10 += math.Abs(math.Log10(p[i]) - math.Log10(g[i]))
	}

	meanErr := logErr / n
	// rounding can push the variance of a constant error just below zero
	variance := math.Max(0, logErrSq/n-meanErr*meanErr)

	var e Errors
	e[SILog-1] = math.Sqrt(variance) * 100
	e[AbsRel-1] = absRel / n
	e[Log10-1] = log10 / n
	e[RMS-1] = math.Sqrt(sq / n)
	e[SqRel-1] = sqRel / n
	e[LogRMS-1] = math.Sqrt(logErrSq / n)
	e[D1-1] = d1 / n
	e[D2-1] = d2 / n
	e[D3-1] = d3 / n
	return e, true
}

// #endregion sample

// #region batch
// ComputeErrors averages ComputeSample over the samples of a batch of depths.
// Samples are computed concurrently, at most workers at a time (GOMAXPROCS
// when workers < 1), and accumulated in sample order. It returns the number of
// samples that contributed; when that is zero the returned Errors are zero.
func ComputeErrors(ctx context.Context, depths, preds *field.Field, masks *field.Mask, workers int) (Errors, int, error) {
	if err := field.SameShape(depths.Shape, preds.Shape); err != nil {
		return Errors{}, 0, fmt.Errorf("compute errors: %w", err)
	}
	if err := field.SameShape(depths.Shape, masks.Shape); err != nil {
		return Errors{}, 0, fmt.Errorf("compute errors: %w", err)
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}

	per := make([]Errors, depths.N)
	ok := make([]bool, depths.N)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < depths.N; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			per[i], ok[i] = ComputeSample(depths.Sample(i), preds.Sample(i), masks.Sample(i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Errors{}, 0, fmt.Errorf("compute errors: %w", err)
	}

	var sum Errors
	count := 0
	for i := range per {
		if !ok[i] {
			continue
		}
		floats.Add(sum[:], per[i][:])
		count++
	}
	if count == 0 {
		return Errors{}, 0, nil
	}
	floats.Scale(1/float64(count), sum[:])
	return sum, count, nil
}

// #endregion batch

// #region pass
// Pass accumulates the per-batch vectors of one evaluation pass.
type Pass struct {
	sum     Vector
	batches int
	samples int
}

// Add records one batch vector computed from samples contributing samples.
// Batches without a contributing sample are ignored.
func (p *Pass) Add(v Vector, samples int) {
	if samples <= 0 {
		return
	}
	floats.Add(p.sum[:], v[:])
	p.batches++
	p.samples += samples
}

// Batches returns the number of batches averaged.
func (p *Pass) Batches() int { return p.batches }

// Samples returns the number of samples behind the averaged batches.
func (p *Pass) Samples() int { return p.samples }

// Mean returns the average vector; ok is false when nothing was added.
func (p *Pass) Mean() (Vector, bool) {
	if p.batches == 0 {
		return Vector{}, false
	}
	out := p.sum
	floats.Scale(1/float64(p.batches), out[:])
	return out, true
}

// Summary returns per-metric mean and standard deviation of a set of vectors,
// used when reporting over many recorded passes.
func Summary(vs []Vector) (mean, std Vector) {
	if len(vs) == 0 {
		return
	}
	col := make([]float64, len(vs))
	for i := 0; i < Count; i++ {
		for j, v := range vs {
			col[j] = v[i]
		}
		mean[i], std[i] = stat.MeanStdDev(col, nil)
		if len(vs) == 1 {
			std[i] = 0
		}
	}
	return
}

// #endregion pass
