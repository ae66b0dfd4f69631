package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
)

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO provenance_log (snapshot_id, global_step, trigger_type, decision, improved, record_json, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SnapshotID,
		entry.GlobalStep,
		entry.TriggerType,
		entry.Decision,
		nullIfEmpty(entry.Improved),
		nullIfEmpty(entry.RecordJSON),
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region decision-record
// NewDecisionRecord describes the comparison of v against prev at step.
func NewDecisionRecord(step int64, prev best.Records, v metrics.Vector, ims []best.Improvement) DecisionRecord {
	improved := make(map[int]bool, len(ims))
	for _, im := range ims {
		improved[im.Index] = true
	}
	rec := DecisionRecord{Step: step, Vector: jsonSafe(v.Map())}
	for i, d := range metrics.Descriptors {
		rec.Metrics = append(rec.Metrics, MetricDecision{
			Name:         d.Name,
			Direction:    d.Direction.String(),
			Value:        finiteOr(v[i], 0),
			PreviousBest: finiteOr(prev[i].Value, 0),
			PreviousStep: prev[i].Step,
			Improved:     improved[i],
		})
	}
	return rec
}

// Entry builds the provenance row for rec.
func (rec DecisionRecord) Entry(snapshotID string, ims []best.Improvement) (ProvenanceEntry, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return ProvenanceEntry{}, fmt.Errorf("marshal decision record: %w", err)
	}
	names := make([]string, len(ims))
	for i, im := range ims {
		names[i] = im.Metric
	}
	decision, reason := "unchanged", "no metric improved"
	if len(ims) > 0 {
		decision = "improved"
		reason = fmt.Sprintf("%d of %d metrics improved", len(ims), metrics.Count)
	}
	return ProvenanceEntry{
		SnapshotID:  snapshotID,
		GlobalStep:  rec.Step,
		TriggerType: "eval",
		Decision:    decision,
		Improved:    strings.Join(names, ","),
		RecordJSON:  string(b),
		Reason:      reason,
	}, nil
}

// #endregion decision-record

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encoding/json rejects NaN and Inf.
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// jsonSafe drops non-finite entries; readers treat a missing name as NaN.
func jsonSafe(m map[string]float64) map[string]float64 {
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(m, k)
		}
	}
	return m
}

// #endregion helpers
