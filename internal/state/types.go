package state

import (
	"time"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
)

// #region snapshot
// Snapshot is a journaled copy of the training state taken after an
// evaluation pass, or at start-up.
type Snapshot struct {
	SnapshotID  string
	ParentID    string
	RunID       string
	GlobalStep  int64
	Best        best.Records
	MetricsJSON string // metric vector of the pass, keyed by name
	CreatedAt   time.Time
}

// #endregion snapshot

// #region provenance-tag
// ProvenanceTag links a snapshot to the decision that produced it.
type ProvenanceTag struct {
	SnapshotID  string
	GlobalStep  int64
	TriggerType string // "init" | "resume" | "eval"
	Decision    string // "improved" | "unchanged" | "fresh" | "restored"
	Improved    string // comma-separated metric names
	RecordJSON  string
	Reason      string
	CreatedAt   time.Time
}

// #endregion provenance-tag

// #region snapshot-with-provenance
// SnapshotWithProvenance pairs a snapshot with its latest provenance row.
type SnapshotWithProvenance struct {
	Snapshot
	TriggerType string
	Decision    string
	Improved    string
	RecordJSON  string
	Reason      string
}

// #endregion snapshot-with-provenance
