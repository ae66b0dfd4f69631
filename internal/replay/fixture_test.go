package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/logging"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"github.com/yufeng1707/Depth-Estimation/internal/state"
)

// #region fixture-tests

// TestFixture_OnlineEval loads the online_eval fixture, runs Replay(), and
// compares each round's decision against the expected one.
func TestFixture_OnlineEval(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "online_eval.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	start, err := f.StartRecords()
	if err != nil {
		t.Fatalf("StartRecords: %v", err)
	}
	rounds, err := f.ToRounds()
	if err != nil {
		t.Fatalf("ToRounds: %v", err)
	}

	results := Replay(start, rounds)

	for _, m := range Mismatches(results, f.ExpectedResults) {
		t.Error(m)
	}
	final := Final(start, results)
	if final[metrics.Loss] != (best.Record{Value: 0.45, Step: 1000}) {
		t.Errorf("unexpected final loss record %+v", final[metrics.Loss])
	}
}

// TestLoadFixture_NotFound verifies error on missing file.
func TestLoadFixture_NotFound(t *testing.T) {
	_, err := LoadFixture("testdata/nonexistent.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// TestLoadFixture_Malformed verifies error on invalid JSON.
func TestLoadFixture_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json}"), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := LoadFixture(path)
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestFixture_UnknownMetric(t *testing.T) {
	x := 1.0
	f := &Fixture{Rounds: []FixtureRound{{Step: 1, Vector: map[string]*float64{"mae": &x}}}}
	if _, err := f.ToRounds(); err == nil {
		t.Error("expected error for unknown round metric")
	}
	f = &Fixture{Start: map[string]best.Record{"mae": {}}}
	if _, err := f.StartRecords(); err == nil {
		t.Error("expected error for unknown start metric")
	}
}

func TestMismatches(t *testing.T) {
	results := Replay(best.NewRecords(), []Round{{Step: 5, Vector: metrics.Vector{1, 1, 1, 1, 1, 1, 1, 0.5, 0.5, 0.5}}})
	expected := []FixtureExpectedResult{{Step: 5, Action: "unchanged"}}
	got := Mismatches(results, expected)
	// action and improved list both differ
	if len(got) != 2 {
		t.Fatalf("expected 2 mismatches, got %v", got)
	}
	if len(Mismatches(results, nil)) != 1 {
		t.Error("expected a length mismatch")
	}
}

// #endregion fixture-tests

// #region export-tests

// journalRun writes the rows a training run leaves behind: one initial
// snapshot and one snapshot plus decision row per evaluation.
func journalRun(t *testing.T, s *state.Store, vs []metrics.Vector) string {
	t.Helper()
	snap, err := s.CreateInitialState("", 0, best.NewRecords())
	if err != nil {
		t.Fatalf("CreateInitialState: %v", err)
	}
	if err := logging.LogDecision(s.DB(), logging.ProvenanceEntry{
		SnapshotID: snap.SnapshotID, TriggerType: "init", Decision: "fresh", Reason: "new run",
	}); err != nil {
		t.Fatalf("LogDecision: %v", err)
	}

	records := best.NewRecords()
	for i, v := range vs {
		step := int64(i+1) * 100
		ims := best.Decide(records, v, step)
		prev := records
		records = records.Apply(ims)

		next, err := state.NewSnapshot(snap, step, records, &v)
		if err != nil {
			t.Fatalf("NewSnapshot: %v", err)
		}
		if err := s.CommitState(next); err != nil {
			t.Fatalf("CommitState: %v", err)
		}
		snap = next

		entry, err := logging.NewDecisionRecord(step, prev, v, ims).Entry(snap.SnapshotID, ims)
		if err != nil {
			t.Fatalf("Entry: %v", err)
		}
		if err := logging.LogDecision(s.DB(), entry); err != nil {
			t.Fatalf("LogDecision: %v", err)
		}
	}
	return snap.RunID
}

func tempStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func journalVectors() []metrics.Vector {
	return []metrics.Vector{
		{0.5, 12, 0.15, 0.06, 3.0, 0.7, 0.2, 0.80, 0.94, 0.98},
		{0.6, 13, 0.2, 0.07, 3.5, 0.9, 0.25, 0.7, 0.9, 0.97},
		{0.45, 12.5, 0.14, 0.06, 3.1, 0.65, 0.2, 0.82, 0.94, 0.99},
	}
}

// TestFromJournal_ReplayMatches exports a journaled run and checks the
// replay reproduces every journaled decision.
func TestFromJournal_ReplayMatches(t *testing.T) {
	s := tempStore(t)
	runID := journalRun(t, s, journalVectors())

	f, err := FromJournal(s, "", 0)
	if err != nil {
		t.Fatalf("FromJournal: %v", err)
	}
	if f.RunID != runID {
		t.Errorf("expected run %s, got %s", runID, f.RunID)
	}
	if len(f.Rounds) != 3 || len(f.ExpectedResults) != 3 {
		t.Fatalf("expected 3 rounds, got %d rounds and %d expected", len(f.Rounds), len(f.ExpectedResults))
	}

	// write and reload to go through the file format
	path := filepath.Join(t.TempDir(), "exported.json")
	if err := f.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err = LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	start, err := f.StartRecords()
	if err != nil {
		t.Fatalf("StartRecords: %v", err)
	}
	if start != best.NewRecords() {
		t.Error("expected fresh start records")
	}
	rounds, err := f.ToRounds()
	if err != nil {
		t.Fatalf("ToRounds: %v", err)
	}
	results := Replay(start, rounds)
	for _, m := range Mismatches(results, f.ExpectedResults) {
		t.Error(m)
	}
	if results[1].Action != "unchanged" {
		t.Errorf("expected the second evaluation unchanged, got %s", results[1].Action)
	}
}

// TestFromJournal_Last keeps the last evaluations and starts from the
// records in force before them.
func TestFromJournal_Last(t *testing.T) {
	s := tempStore(t)
	runID := journalRun(t, s, journalVectors())

	f, err := FromJournal(s, runID, 1)
	if err != nil {
		t.Fatalf("FromJournal: %v", err)
	}
	if len(f.Rounds) != 1 || f.Rounds[0].Step != 300 {
		t.Fatalf("expected only the step 300 round, got %+v", f.Rounds)
	}
	start, err := f.StartRecords()
	if err != nil {
		t.Fatalf("StartRecords: %v", err)
	}
	if start[metrics.Loss] != (best.Record{Value: 0.5, Step: 100}) {
		t.Errorf("unexpected start loss record %+v", start[metrics.Loss])
	}
	rounds, _ := f.ToRounds()
	for _, m := range Mismatches(Replay(start, rounds), f.ExpectedResults) {
		t.Error(m)
	}
}

func TestFromJournal_Empty(t *testing.T) {
	s := tempStore(t)
	if _, err := FromJournal(s, "", 0); err == nil {
		t.Error("expected error for an empty journal")
	}
	journalRun(t, s, nil)
	if _, err := FromJournal(s, "", 0); err == nil {
		t.Error("expected error for a run without evaluations")
	}
}

// #endregion export-tests
