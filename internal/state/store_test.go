package state

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertProvenance(t *testing.T, s *Store, id string, step int64, decision, improved string) {
	t.Helper()
	_, err := s.DB().Exec(
		`INSERT INTO provenance_log (snapshot_id, global_step, trigger_type, decision, improved, record_json, reason, created_at)
		 VALUES (?, ?, 'eval', ?, ?, '{}', 'test', ?)`,
		id, step, decision, improved, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		t.Fatalf("insert provenance: %v", err)
	}
}

func TestCreateInitialAndGetCurrent(t *testing.T) {
	s := tempDB(t)

	snap, err := s.CreateInitialState("", 0, best.NewRecords())
	if err != nil {
		t.Fatalf("CreateInitialState: %v", err)
	}
	if snap.SnapshotID == "" || snap.RunID == "" {
		t.Fatal("expected generated snapshot and run IDs")
	}
	if snap.ParentID != "" {
		t.Fatalf("expected empty parent, got %s", snap.ParentID)
	}

	cur, err := s.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.SnapshotID != snap.SnapshotID {
		t.Fatalf("expected %s, got %s", snap.SnapshotID, cur.SnapshotID)
	}
	if cur.Best != best.NewRecords() {
		t.Fatalf("expected fresh records, got %+v", cur.Best)
	}
	if cur.Best[metrics.Loss].Value != math.MaxFloat64 {
		t.Fatalf("sentinel lost in storage: %g", cur.Best[metrics.Loss].Value)
	}
}

func TestCommitAndRollback(t *testing.T) {
	s := tempDB(t)

	root, err := s.CreateInitialState("run-a", 0, best.NewRecords())
	if err != nil {
		t.Fatalf("CreateInitialState: %v", err)
	}

	v := metrics.Vector{0.4, 11, 0.12, 0.05, 2.9, 0.6, 0.17, 0.85, 0.95, 0.98}
	r := best.NewRecords().Apply(best.Decide(best.NewRecords(), v, 500))
	child, err := NewSnapshot(root, 500, r, &v)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if err := s.CommitState(child); err != nil {
		t.Fatalf("CommitState: %v", err)
	}

	cur, _ := s.GetCurrent()
	if cur.SnapshotID != child.SnapshotID || cur.ParentID != root.SnapshotID || cur.RunID != "run-a" {
		t.Fatalf("unexpected current %+v", cur)
	}
	if cur.GlobalStep != 500 || cur.Best != r {
		t.Fatalf("records not round-tripped: %+v", cur.Best)
	}
	got, ok, err := cur.Vector()
	if err != nil || !ok {
		t.Fatalf("Vector: ok=%v err=%v", ok, err)
	}
	if got != v {
		t.Fatalf("expected %v, got %v", v, got)
	}

	if err := s.Rollback(root.SnapshotID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	cur, _ = s.GetCurrent()
	if cur.SnapshotID != root.SnapshotID {
		t.Fatalf("expected %s after rollback, got %s", root.SnapshotID, cur.SnapshotID)
	}
	if _, ok, _ := cur.Vector(); ok {
		t.Fatal("root snapshot should carry no metric vector")
	}
}

func TestNonFiniteMetricsRoundTripAsNaN(t *testing.T) {
	v := metrics.Vector{math.NaN(), 11, 0.12, 0.05, math.Inf(1), 0.6, 0.17, 0.85, 0.95, 0.98}
	snap, err := NewSnapshot(Snapshot{SnapshotID: "p", RunID: "r"}, 10, best.NewRecords(), &v)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	got, ok, err := snap.Vector()
	if err != nil || !ok {
		t.Fatalf("Vector: ok=%v err=%v", ok, err)
	}
	if !math.IsNaN(got[metrics.Loss]) || !math.IsNaN(got[metrics.RMS]) {
		t.Fatalf("expected NaN for non-finite entries, got %v", got)
	}
	if got[metrics.D1] != 0.85 {
		t.Fatalf("finite entries must survive, got %v", got)
	}
}

func TestCommitWithoutInitialSetsActive(t *testing.T) {
	s := tempDB(t)
	snap, err := NewSnapshot(Snapshot{RunID: "r"}, 10, best.NewRecords(), nil)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if err := s.CommitState(snap); err != nil {
		t.Fatalf("CommitState: %v", err)
	}
	cur, err := s.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.SnapshotID != snap.SnapshotID {
		t.Fatalf("expected %s, got %s", snap.SnapshotID, cur.SnapshotID)
	}
}

func TestCommitUnknownParentFails(t *testing.T) {
	s := tempDB(t)
	s.CreateInitialState("r", 0, best.NewRecords())

	snap, _ := NewSnapshot(Snapshot{SnapshotID: "missing", RunID: "r"}, 10, best.NewRecords(), nil)
	if err := s.CommitState(snap); err == nil {
		t.Fatal("expected foreign key failure")
	}
}

func TestRollbackNonExistent(t *testing.T) {
	s := tempDB(t)
	s.CreateInitialState("", 0, best.NewRecords())

	if err := s.Rollback("nonexistent-id"); err == nil {
		t.Fatal("expected error for non-existent version")
	}
}

func TestListVersions(t *testing.T) {
	s := tempDB(t)
	root, _ := s.CreateInitialState("r", 0, best.NewRecords())

	parent := root
	for step := int64(100); step <= 300; step += 100 {
		snap, _ := NewSnapshot(parent, step, best.NewRecords(), nil)
		if err := s.CommitState(snap); err != nil {
			t.Fatalf("CommitState: %v", err)
		}
		parent = snap
	}

	list, err := s.ListVersions(2)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2, got %d", len(list))
	}
	if list[0].GlobalStep != 300 || list[1].GlobalStep != 200 {
		t.Fatalf("expected newest first, got steps %d, %d", list[0].GlobalStep, list[1].GlobalStep)
	}
}

func TestVersionsWithProvenance(t *testing.T) {
	s := tempDB(t)
	root, _ := s.CreateInitialState("r", 0, best.NewRecords())
	child, _ := NewSnapshot(root, 100, best.NewRecords(), nil)
	if err := s.CommitState(child); err != nil {
		t.Fatalf("CommitState: %v", err)
	}
	insertProvenance(t, s, child.SnapshotID, 100, "unchanged", "")
	insertProvenance(t, s, child.SnapshotID, 100, "improved", "loss,d1")

	list, err := s.ListVersionsWithProvenance(10)
	if err != nil {
		t.Fatalf("ListVersionsWithProvenance: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2, got %d", len(list))
	}
	if list[0].Decision != "improved" || list[0].Improved != "loss,d1" {
		t.Fatalf("expected latest provenance row, got %+v", list[0])
	}
	if list[1].Decision != "" {
		t.Fatalf("root has no provenance, got %q", list[1].Decision)
	}

	one, err := s.GetVersionWithProvenance(child.SnapshotID)
	if err != nil {
		t.Fatalf("GetVersionWithProvenance: %v", err)
	}
	if one.TriggerType != "eval" || one.Reason != "test" {
		t.Fatalf("unexpected provenance %+v", one)
	}

	tags, err := s.ListProvenance("r")
	if err != nil {
		t.Fatalf("ListProvenance: %v", err)
	}
	if len(tags) != 2 || tags[0].Decision != "unchanged" {
		t.Fatalf("unexpected tags %+v", tags)
	}
	if tags, _ := s.ListProvenance("other"); len(tags) != 0 {
		t.Fatalf("expected no rows for another run, got %d", len(tags))
	}
}

func TestRecordEncodingRoundTrip(t *testing.T) {
	r := best.NewRecords()
	r[metrics.D3] = best.Record{Value: 0.991, Step: 1 << 40}
	values, steps := encodeRecords(r)
	got, err := decodeRecords(values, steps)
	if err != nil {
		t.Fatalf("decodeRecords: %v", err)
	}
	if got != r {
		t.Fatalf("expected %+v, got %+v", r, got)
	}
	if _, err := decodeRecords(values[:8], steps); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}
