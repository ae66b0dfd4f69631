// Package metrics computes depth accuracy metrics and names the ten-entry
// metric vector reported once per evaluation pass.
package metrics

import (
	"fmt"
	"math"
	"strings"
)

// #region direction
// Direction says which way a metric improves.
type Direction int

const (
	LowerIsBetter Direction = iota
	HigherIsBetter
)

func (d Direction) String() string {
	if d == HigherIsBetter {
		return "higher"
	}
	return "lower"
}

// #endregion direction

// #region descriptor
// Descriptor names one entry of the metric vector.
type Descriptor struct {
	Name      string
	Direction Direction
}

// Improves reports whether candidate is strictly better than best. A NaN
// candidate never improves.
func (d Descriptor) Improves(candidate, best float64) bool {
	if math.IsNaN(candidate) {
		return false
	}
	if d.Direction == HigherIsBetter {
		return candidate > best
	}
	return candidate < best
}

// Count is the length of a metric vector.
const Count = 10

// ErrorCount is the number of accuracy metrics; the vector prepends the loss.
const ErrorCount = Count - 1

// Vector positions.
const (
	Loss = iota
	SILog
	AbsRel
	Log10
	RMS
	SqRel
	LogRMS
	D1
	D2
	D3
)

// Descriptors lists the metric vector in order.
var Descriptors = [Count]Descriptor{
	{"loss", LowerIsBetter},
	{"silog", LowerIsBetter},
	{"abs_rel", LowerIsBetter},
	{"log10", LowerIsBetter},
	{"rms", LowerIsBetter},
	{"sq_rel", LowerIsBetter},
	{"log_rms", LowerIsBetter},
	{"d1", HigherIsBetter},
	{"d2", HigherIsBetter},
	{"d3", HigherIsBetter},
}

// Index returns the vector position of the named metric.
func Index(name string) (int, bool) {
	for i, d := range Descriptors {
		if d.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Names returns the metric names in vector order.
func Names() []string {
	out := make([]string, Count)
	for i, d := range Descriptors {
		out[i] = d.Name
	}
	return out
}

// #endregion descriptor

// #region vector
// Vector is one evaluation result: the loss followed by the nine accuracy metrics.
type Vector [Count]float64

// Get returns the value of the named metric.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := Index(name)
	if !ok {
		return 0, false
	}
	return v[i], true
}

// Map returns the vector keyed by metric name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, Count)
	for i, d := range Descriptors {
		out[d.Name] = v[i]
	}
	return out
}

// Finite reports whether every entry is a finite number.
func (v Vector) Finite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// String renders a header row of names over a row of values.
func (v Vector) String() string {
	var head, vals strings.Builder
	for i, d := range Descriptors {
		if i > 0 {
			head.WriteString(", ")
			vals.WriteString(", ")
		}
		fmt.Fprintf(&head, "%7s", d.Name)
		fmt.Fprintf(&vals, "%7.3f", v[i])
	}
	return head.String() + "\n" + vals.String()
}

// #endregion vector

// #region errors
// Errors holds the nine accuracy metrics of one sample or batch, in vector
// order without the loss.
type Errors [ErrorCount]float64

// WithLoss prepends loss to form a Vector.
func (e Errors) WithLoss(loss float64) Vector {
	var v Vector
	v[Loss] = loss
	copy(v[1:], e[:])
	return v
}

// #endregion errors
