package best

import (
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
)

// #region record
// Record is the best value seen for one metric and the step it was seen at.
type Record struct {
	Value float64 `json:"value"`
	Step  int64   `json:"step"`
}

// LowerSentinel seeds lower-is-better records so that any finite value improves.
const LowerSentinel = math.MaxFloat64

// Records holds one Record per metric, in metric vector order.
type Records [metrics.Count]Record

// NewRecords returns fresh records: lower-is-better metrics at LowerSentinel,
// higher-is-better metrics at 0, all steps 0.
func NewRecords() Records {
	var r Records
	for i, d := range metrics.Descriptors {
		if d.Direction == metrics.LowerIsBetter {
			r[i].Value = LowerSentinel
		}
	}
	return r
}

// Seen reports whether metric i has ever improved on its fresh value.
func (r Records) Seen(i int) bool {
	fresh := NewRecords()
	return r[i] != fresh[i]
}

// #endregion record

// #region improvement
// Improvement is one metric that beat its stored best.
type Improvement struct {
	Index        int     `json:"index"`
	Metric       string  `json:"metric"`
	Previous     float64 `json:"previous"`
	PreviousStep int64   `json:"previous_step"`
	Current      float64 `json:"current"`
	Step         int64   `json:"step"`
}

// HadPrevious reports whether the superseded best came from a real evaluation,
// and so may have a checkpoint file on disk.
func (im Improvement) HadPrevious() bool {
	fresh := NewRecords()
	return im.Previous != fresh[im.Index].Value || im.PreviousStep != 0
}

// #endregion improvement
