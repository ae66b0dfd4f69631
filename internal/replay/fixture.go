package replay

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/logging"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"github.com/yufeng1707/Depth-Estimation/internal/state"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	RunID           string                  `json:"run_id,omitempty"`
	Start           map[string]best.Record  `json:"start"`
	Rounds          []FixtureRound          `json:"rounds"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureRound is one evaluation pass keyed by metric name. A missing or
// null metric stands for a non-finite value.
type FixtureRound struct {
	Step   int64               `json:"step"`
	Vector map[string]*float64 `json:"vector"`
}

// FixtureExpectedResult captures the expected decision per round.
type FixtureExpectedResult struct {
	Step     int64    `json:"step"`
	Action   string   `json:"action"`
	Improved []string `json:"improved,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// Write stores f as indented JSON at path.
func (f *Fixture) Write(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// StartRecords converts the start block to Records. Metrics it does not
// name start fresh.
func (f *Fixture) StartRecords() (best.Records, error) {
	r := best.NewRecords()
	for name, rec := range f.Start {
		i, ok := metrics.Index(name)
		if !ok {
			return r, fmt.Errorf("start: unknown metric %q", name)
		}
		r[i] = rec
	}
	return r, nil
}

// ToRounds converts the fixture rounds to domain Rounds.
func (f *Fixture) ToRounds() ([]Round, error) {
	rounds := make([]Round, len(f.Rounds))
	for i, fr := range f.Rounds {
		v, err := vectorFromNames(fr.Vector)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", i, err)
		}
		rounds[i] = Round{Step: fr.Step, Vector: v}
	}
	return rounds, nil
}

func vectorFromNames(m map[string]*float64) (metrics.Vector, error) {
	var v metrics.Vector
	for i := range v {
		v[i] = math.NaN()
	}
	for name, x := range m {
		i, ok := metrics.Index(name)
		if !ok {
			return v, fmt.Errorf("unknown metric %q", name)
		}
		if x != nil {
			v[i] = *x
		}
	}
	return v, nil
}

func namesFromVector(v metrics.Vector) map[string]*float64 {
	m := make(map[string]*float64, metrics.Count)
	for i, d := range metrics.Descriptors {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			continue
		}
		x := v[i]
		m[d.Name] = &x
	}
	return m
}

// #endregion fixture-loader

// #region fixture-check

// Mismatches compares results against the expected decisions and describes
// every difference. An empty slice means the replay matches.
func Mismatches(results []Result, expected []FixtureExpectedResult) []string {
	var out []string
	if len(results) != len(expected) {
		out = append(out, fmt.Sprintf("expected %d results, got %d", len(expected), len(results)))
	}
	for i := 0; i < len(results) && i < len(expected); i++ {
		got, want := results[i], expected[i]
		if got.Step != want.Step {
			out = append(out, fmt.Sprintf("round %d: expected step=%d, got %d", i, want.Step, got.Step))
		}
		if got.Action != want.Action {
			out = append(out, fmt.Sprintf("round %d (step %d): expected action=%s, got action=%s (reason: %s)",
				i, want.Step, want.Action, got.Action, got.Reason))
		}
		if g, w := strings.Join(got.Improved(), ","), strings.Join(want.Improved, ","); g != w {
			out = append(out, fmt.Sprintf("round %d (step %d): expected improved=[%s], got [%s]", i, want.Step, w, g))
		}
	}
	return out
}

// #endregion fixture-check

// #region fixture-export

// FromJournal builds a fixture from the journaled evaluations of a run. An
// empty runID selects the run of the active snapshot. When last is positive
// only the last evaluations are kept and the start records are the ones in
// force just before them. Expected results are the decisions that were
// journaled at training time.
func FromJournal(store *state.Store, runID string, last int) (*Fixture, error) {
	if runID == "" {
		cur, err := store.GetCurrent()
		if err != nil {
			return nil, fmt.Errorf("find active run: %w", err)
		}
		runID = cur.RunID
	}
	tags, err := store.ListProvenance(runID)
	if err != nil {
		return nil, err
	}

	var origin string
	var evals []state.ProvenanceTag
	for _, tag := range tags {
		switch tag.TriggerType {
		case "init", "resume":
			if origin == "" {
				origin = tag.SnapshotID
			}
		case "eval":
			evals = append(evals, tag)
		}
	}
	if origin == "" {
		return nil, fmt.Errorf("run %s has no initial snapshot", runID)
	}
	if len(evals) == 0 {
		return nil, fmt.Errorf("run %s has no evaluations", runID)
	}
	if last > 0 && last < len(evals) {
		origin = evals[len(evals)-last-1].SnapshotID
		evals = evals[len(evals)-last:]
	}

	startSnap, err := store.GetVersion(origin)
	if err != nil {
		return nil, err
	}

	f := &Fixture{
		Description: fmt.Sprintf("exported from run %s: %d evaluations from step %d", runID, len(evals), evals[0].GlobalStep),
		RunID:       runID,
		Start:       make(map[string]best.Record, metrics.Count),
	}
	for i, d := range metrics.Descriptors {
		f.Start[d.Name] = startSnap.Best[i]
	}

	for _, tag := range evals {
		var rec logging.DecisionRecord
		if err := json.Unmarshal([]byte(tag.RecordJSON), &rec); err != nil {
			return nil, fmt.Errorf("parse decision record for snapshot %s: %w", tag.SnapshotID, err)
		}
		var v metrics.Vector
		for i, d := range metrics.Descriptors {
			x, ok := rec.Vector[d.Name]
			if !ok {
				x = math.NaN()
			}
			v[i] = x
		}
		f.Rounds = append(f.Rounds, FixtureRound{Step: rec.Step, Vector: namesFromVector(v)})

		exp := FixtureExpectedResult{Step: tag.GlobalStep, Action: tag.Decision}
		if tag.Improved != "" {
			exp.Improved = strings.Split(tag.Improved, ",")
		}
		f.ExpectedResults = append(f.ExpectedResults, exp)
	}
	return f, nil
}

// #endregion fixture-export
