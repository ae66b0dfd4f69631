// Package replay re-runs best-metric decisions offline over a recorded
// sequence of evaluation passes. It touches no model, no checkpoint file
// and no database; callers load the rounds from a fixture or the journal.
package replay

import (
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
)

// #region types

// Round is one recorded evaluation pass.
type Round struct {
	Step   int64
	Vector metrics.Vector
}

// Result is the decision replayed for one round.
type Result struct {
	Step         int64
	Action       string // "improved" | "unchanged" | "skipped"
	Reason       string
	Improvements []best.Improvement
	Records      best.Records // records after the round
}

// Improved returns the names of the improved metrics in vector order.
func (r Result) Improved() []string {
	names := make([]string, len(r.Improvements))
	for i, im := range r.Improvements {
		names[i] = im.Metric
	}
	return names
}

// Summary aggregates a replay run.
type Summary struct {
	TotalRounds  int
	Improved     int
	Unchanged    int
	Skipped      int
	PerMetric    map[string]int
	FinalRecords best.Records
}

// #endregion types

// #region replay

// Replay feeds every round through best.Decide starting from start. Rounds
// whose step does not advance past the previous decided round, or whose
// vector has no finite entry, are skipped and leave the records untouched.
func Replay(start best.Records, rounds []Round) []Result {
	results := make([]Result, 0, len(rounds))
	records := start
	lastStep := int64(math.MinInt64)

	for _, round := range rounds {
		r := Result{Step: round.Step}

		if round.Step <= lastStep {
			r.Action = "skipped"
			r.Reason = fmt.Sprintf("step %d does not advance past %d", round.Step, lastStep)
			r.Records = records
			results = append(results, r)
			continue
		}
		if !anyFinite(round.Vector) {
			r.Action = "skipped"
			r.Reason = "no finite metric"
			r.Records = records
			results = append(results, r)
			continue
		}

		r.Improvements = best.Decide(records, round.Vector, round.Step)
		records = records.Apply(r.Improvements)
		lastStep = round.Step
		r.Records = records

		if len(r.Improvements) == 0 {
			r.Action = "unchanged"
			r.Reason = "no metric improved"
		} else {
			r.Action = "improved"
			r.Reason = fmt.Sprintf("%d of %d metrics improved", len(r.Improvements), metrics.Count)
		}
		results = append(results, r)
	}
	return results
}

func anyFinite(v metrics.Vector) bool {
	for _, x := range v {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			return true
		}
	}
	return false
}

// Final returns the records after the last result, or start when there is none.
func Final(start best.Records, results []Result) best.Records {
	if len(results) == 0 {
		return start
	}
	return results[len(results)-1].Records
}

// #endregion replay

// #region summary

// Summarize aggregates results into a Summary.
func Summarize(results []Result, final best.Records) Summary {
	s := Summary{
		TotalRounds:  len(results),
		PerMetric:    make(map[string]int),
		FinalRecords: final,
	}
	for _, r := range results {
		switch r.Action {
		case "improved":
			s.Improved++
		case "unchanged":
			s.Unchanged++
		case "skipped":
			s.Skipped++
		}
		for _, im := range r.Improvements {
			s.PerMetric[im.Metric]++
		}
	}
	return s
}

// #endregion summary
