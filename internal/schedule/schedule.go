// Package schedule computes the learning rate pushed to the model service on
// every training step.
package schedule

import (
	"fmt"
	"math"
)

// #region interface
// Schedule returns the learning rate for a global step. Implementations are
// pure in the step; only Plateau carries state, advanced through Observe.
type Schedule interface {
	LR(step int64) float64
	Name() string
}

// MetricObserver is implemented by schedules that react to evaluation results.
type MetricObserver interface {
	// Observe feeds one evaluation loss and reports whether the rate dropped.
	Observe(loss float64) bool
}

// #endregion interface

// #region config
// Kind selects a schedule.
type Kind string

const (
	KindConstant Kind = "constant"
	KindPoly     Kind = "poly"
	KindCycle    Kind = "cycle"
	KindPlateau  Kind = "plateau"
)

// Config holds the schedule parameters.
type Config struct {
	Kind       Kind
	BaseLR     float64
	EndLR      float64 // poly target; <= 0 means 0.1 * BaseLR
	TotalSteps int64
	Patience   int
	Threshold  float64
}

// DefaultConfig returns a constant schedule at 1e-4.
func DefaultConfig() Config {
	return Config{
		Kind:      KindConstant,
		BaseLR:    1e-4,
		Patience:  10,
		Threshold: 1e-4,
	}
}

// New builds the schedule named by cfg.Kind.
func New(cfg Config) (Schedule, error) {
	if cfg.BaseLR <= 0 || math.IsNaN(cfg.BaseLR) || math.IsInf(cfg.BaseLR, 0) {
		return nil, fmt.Errorf("schedule: base learning rate must be positive, got %g", cfg.BaseLR)
	}
	switch cfg.Kind {
	case KindConstant, "":
		return Constant{Rate: cfg.BaseLR}, nil
	case KindPoly:
		if cfg.TotalSteps <= 0 {
			return nil, fmt.Errorf("schedule: poly needs total steps, got %d", cfg.TotalSteps)
		}
		end := cfg.EndLR
		if end <= 0 {
			end = 0.1 * cfg.BaseLR
		}
		return Poly{Base: cfg.BaseLR, End: end, Total: cfg.TotalSteps, Power: 0.9}, nil
	case KindCycle:
		if cfg.TotalSteps <= 0 {
			return nil, fmt.Errorf("schedule: cycle needs total steps, got %d", cfg.TotalSteps)
		}
		return NewOneCycle(cfg.BaseLR, cfg.TotalSteps), nil
	case KindPlateau:
		return NewPlateau(cfg.BaseLR, cfg.Patience, cfg.Threshold), nil
	default:
		return nil, fmt.Errorf("schedule: unknown kind %q", cfg.Kind)
	}
}

// #endregion config

// #region constant
// Constant keeps the rate fixed.
type Constant struct {
	Rate float64
}

func (c Constant) LR(int64) float64 { return c.Rate }
func (c Constant) Name() string     { return string(KindConstant) }

// #endregion constant

// #region poly
// Poly decays from Base to End as (1 - step/Total)^Power.
type Poly struct {
	Base, End float64
	Total     int64
	Power     float64
}

func (p Poly) LR(step int64) float64 {
	if step >= p.Total {
		return p.End
	}
	frac := 1 - float64(step)/float64(p.Total)
	return (p.Base-p.End)*math.Pow(frac, p.Power) + p.End
}

func (p Poly) Name() string { return string(KindPoly) }

// #endregion poly

// #region one-cycle
// OneCycle warms up from Max/DivFactor to Max over the first PctStart of the
// run, then cosine-anneals to Max/DivFactor/FinalDivFactor at the last step.
type OneCycle struct {
	Max            float64
	Total          int64
	PctStart       float64
	DivFactor      float64
	FinalDivFactor float64
}

// NewOneCycle returns a one-cycle schedule with the usual 30% warm-up.
func NewOneCycle(maxLR float64, total int64) OneCycle {
	return OneCycle{Max: maxLR, Total: total, PctStart: 0.3, DivFactor: 25, FinalDivFactor: 1e4}
}

func (c OneCycle) LR(step int64) float64 {
	initial := c.Max / c.DivFactor
	final := initial / c.FinalDivFactor
	warmEnd := c.PctStart*float64(c.Total) - 1
	last := float64(c.Total - 1)
	s := math.Min(float64(step), last)

	if s <= warmEnd {
		if warmEnd <= 0 {
			return c.Max
		}
		return cosineAnneal(initial, c.Max, s/warmEnd)
	}
	if last <= warmEnd {
		return final
	}
	return cosineAnneal(c.Max, final, (s-warmEnd)/(last-warmEnd))
}

func (c OneCycle) Name() string { return string(KindCycle) }

func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(1+math.Cos(math.Pi*pct))
}

// #endregion one-cycle

// #region plateau
// Plateau multiplies the rate by Factor once the evaluation loss has failed
// to improve by a relative Threshold for more than Patience evaluations.
type Plateau struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	rate float64
	best float64
	bad  int
}

// NewPlateau returns a plateau schedule starting at base.
func NewPlateau(base float64, patience int, threshold float64) *Plateau {
	if patience < 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &Plateau{
		Factor:    0.1,
		Patience:  patience,
		Threshold: threshold,
		rate:      base,
		best:      math.Inf(1),
	}
}

func (p *Plateau) LR(int64) float64 { return p.rate }
func (p *Plateau) Name() string     { return string(KindPlateau) }

// Observe implements MetricObserver. NaN losses count as bad evaluations.
func (p *Plateau) Observe(loss float64) bool {
	if loss < p.best*(1-p.Threshold) {
		p.best = loss
		p.bad = 0
		return false
	}
	p.bad++
	if p.bad <= p.Patience {
		return false
	}
	p.bad = 0
	next := math.Max(p.rate*p.Factor, p.MinLR)
	if next >= p.rate {
		return false
	}
	p.rate = next
	return true
}

// #endregion plateau
