package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table.
type ProvenanceEntry struct {
	SnapshotID  string
	GlobalStep  int64
	TriggerType string // "init" | "resume" | "eval"
	Decision    string // "improved" | "unchanged" | "fresh" | "restored"
	Improved    string
	RecordJSON  string
	Reason      string
	CreatedAt   time.Time
}

// #endregion provenance-entry

// #region decision-record
// DecisionRecord captures the complete best-tracking inputs of one evaluation
// pass. Serialized as JSON into provenance_log.record_json for replay.
type DecisionRecord struct {
	Step    int64              `json:"step"`
	Batches int                `json:"batches"`
	Samples int                `json:"samples"`
	Metrics []MetricDecision   `json:"metrics"`
	Vector  map[string]float64 `json:"vector"`
}

// MetricDecision is the comparison made for one metric.
type MetricDecision struct {
	Name         string  `json:"name"`
	Direction    string  `json:"direction"`
	Value        float64 `json:"value"`
	PreviousBest float64 `json:"previous_best"`
	PreviousStep int64   `json:"previous_step"`
	Improved     bool    `json:"improved"`
}

// #endregion decision-record
