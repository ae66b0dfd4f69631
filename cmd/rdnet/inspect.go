package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/logging"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"github.com/yufeng1707/Depth-Estimation/internal/state"
)

// #region inspect

func runInspect(cmd *cobra.Command, _ []string) error {
	path, err := journalPath()
	if err != nil {
		return err
	}
	store, err := state.NewStore(path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	if id, _ := cmd.Flags().GetString("snapshot"); id != "" {
		return runDetailMode(store, id)
	}
	last, _ := cmd.Flags().GetInt("last")
	return runListMode(store, last)
}

// #endregion inspect

// #region list-mode

type listRow struct {
	SnapshotID string  `json:"snapshot_id"`
	RunID      string  `json:"run_id"`
	Step       int64   `json:"step"`
	Trigger    string  `json:"trigger"`
	Decision   string  `json:"decision"`
	Improved   string  `json:"improved,omitempty"`
	BestAbsRel float64 `json:"best_abs_rel"`
	BestRMS    float64 `json:"best_rms"`
	BestD1     float64 `json:"best_d1"`
	CreatedAt  string  `json:"created_at"`
}

func runListMode(store *state.Store, last int) error {
	versions, err := store.ListVersionsWithProvenance(last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(os.Stderr, "no snapshots found")
		return nil
	}

	// store returns DESC, reverse for chronological
	rows := make([]listRow, len(versions))
	for i, sp := range versions {
		rows[len(versions)-1-i] = listRow{
			SnapshotID: sp.SnapshotID,
			RunID:      sp.RunID,
			Step:       sp.GlobalStep,
			Trigger:    sp.TriggerType,
			Decision:   sp.Decision,
			Improved:   sp.Improved,
			BestAbsRel: bestValue(sp.Best, metrics.AbsRel),
			BestRMS:    bestValue(sp.Best, metrics.RMS),
			BestD1:     bestValue(sp.Best, metrics.D1),
			CreatedAt:  sp.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-10s  %-8s  %8s  %-7s  %-10s  %8s  %8s  %6s  %-20s  %s\n",
		"Snapshot", "Run", "Step", "Trigger", "Decision", "abs_rel", "rms", "d1", "Time", "Improved")
	fmt.Printf("%-10s+-%-8s+-%8s+-%-7s+-%-10s+-%8s+-%8s+-%6s+-%-20s+-%s\n",
		"----------", "--------", "--------", "-------", "----------", "--------", "--------", "------", "--------------------", "--------")
	for _, r := range rows {
		fmt.Printf("%-10s  %-8s  %8d  %-7s  %-10s  %8s  %8s  %6s  %-20s  %s\n",
			shortID(r.SnapshotID), shortID(r.RunID), r.Step, r.Trigger, r.Decision,
			formatBest(r.BestAbsRel), formatBest(r.BestRMS), formatBest(r.BestD1), r.CreatedAt, r.Improved)
	}
	return nil
}

// bestValue returns the best value of metric i, 0 when it was never set.
func bestValue(r best.Records, i int) float64 {
	if !r.Seen(i) {
		return 0
	}
	return r[i].Value
}

func formatBest(v float64) string {
	if v == 0 {
		return "—"
	}
	return fmt.Sprintf("%.4f", v)
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	SnapshotID string                  `json:"snapshot_id"`
	ParentID   string                  `json:"parent_id"`
	RunID      string                  `json:"run_id"`
	Step       int64                   `json:"step"`
	CreatedAt  string                  `json:"created_at"`
	Trigger    string                  `json:"trigger"`
	Decision   string                  `json:"decision"`
	Reason     string                  `json:"reason"`
	Best       map[string]*best.Record `json:"best"`
	Pass       map[string]float64      `json:"pass,omitempty"`
	Record     *logging.DecisionRecord `json:"decision_record,omitempty"`
}

func runDetailMode(store *state.Store, id string) error {
	sp, err := store.GetVersionWithProvenance(id)
	if err != nil {
		return err
	}

	out := detailOutput{
		SnapshotID: sp.SnapshotID,
		ParentID:   sp.ParentID,
		RunID:      sp.RunID,
		Step:       sp.GlobalStep,
		CreatedAt:  sp.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Trigger:    sp.TriggerType,
		Decision:   sp.Decision,
		Reason:     sp.Reason,
		Best:       make(map[string]*best.Record, metrics.Count),
	}
	for i, d := range metrics.Descriptors {
		if sp.Best.Seen(i) {
			rec := sp.Best[i]
			out.Best[d.Name] = &rec
		} else {
			out.Best[d.Name] = nil
		}
	}
	if v, ok, err := sp.Vector(); err == nil && ok {
		out.Pass = finiteMeasures(v)
	}
	if sp.RecordJSON != "" {
		var rec logging.DecisionRecord
		if err := json.Unmarshal([]byte(sp.RecordJSON), &rec); err == nil {
			out.Record = &rec
		}
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Snapshot:  %s\n", out.SnapshotID)
	fmt.Printf("Parent:    %s\n", out.ParentID)
	fmt.Printf("Run:       %s\n", out.RunID)
	fmt.Printf("Step:      %d\n", out.Step)
	fmt.Printf("Created:   %s\n", out.CreatedAt)
	fmt.Printf("Decision:  %s (%s)\n", out.Decision, out.Trigger)
	fmt.Printf("Reason:    %s\n", out.Reason)

	improved := make(map[string]bool)
	if out.Record != nil {
		for _, md := range out.Record.Metrics {
			improved[md.Name] = md.Improved
		}
	}

	fmt.Printf("\n%-10s  %-6s  %10s  %10s  %8s  %s\n", "Metric", "Better", "Pass", "Best", "At step", "")
	for _, d := range metrics.Descriptors {
		pass := "—"
		if x, ok := out.Pass[d.Name]; ok {
			pass = fmt.Sprintf("%.4f", x)
		}
		bestVal, at := "—", "—"
		if rec := out.Best[d.Name]; rec != nil {
			bestVal = fmt.Sprintf("%.4f", rec.Value)
			at = fmt.Sprintf("%d", rec.Step)
		}
		mark := ""
		if improved[d.Name] {
			mark = "*"
		}
		fmt.Printf("%-10s  %-6s  %10s  %10s  %8s  %s\n", d.Name, d.Direction, pass, bestVal, at, mark)
	}
	if out.Record != nil {
		fmt.Printf("\n%d batches, %d samples; * marks improved metrics\n", out.Record.Batches, out.Record.Samples)
	}
	return nil
}

// #endregion detail-mode
