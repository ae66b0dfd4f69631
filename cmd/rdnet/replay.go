package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yufeng1707/Depth-Estimation/internal/replay"
	"github.com/yufeng1707/Depth-Estimation/internal/state"
)

// #region replay

func runReplay(cmd *cobra.Command, _ []string) error {
	fixturePath, _ := cmd.Flags().GetString("fixture")
	if (dbPath == "" && fixturePath == "") || (dbPath != "" && fixturePath != "") {
		return fmt.Errorf("pass exactly one of --db or --fixture")
	}

	var f *replay.Fixture
	if fixturePath != "" {
		var err error
		if f, err = replay.LoadFixture(fixturePath); err != nil {
			return err
		}
	} else {
		runID, _ := cmd.Flags().GetString("run")
		last, _ := cmd.Flags().GetInt("last")
		var err error
		if f, err = exportFixture(dbPath, runID, last); err != nil {
			return err
		}
	}

	start, err := f.StartRecords()
	if err != nil {
		return err
	}
	rounds, err := f.ToRounds()
	if err != nil {
		return err
	}
	results := replay.Replay(start, rounds)
	return printComparison(results, f.ExpectedResults, replay.Summarize(results, replay.Final(start, results)))
}

// printComparison outputs a comparison table and fails when any round diverges.
func printComparison(results []replay.Result, expected []replay.FixtureExpectedResult, sum replay.Summary) error {
	fmt.Printf("%-8s| %-10s| %-10s| %-6s| %s\n", "Step", "Expected", "Replayed", "Match", "Improved")
	fmt.Printf("%-8s+%-11s+%-11s+%-7s+%s\n", "--------", "-----------", "-----------", "-------", "----------")

	total := len(results)
	if len(expected) < total {
		total = len(expected)
	}
	matches := 0
	for i := 0; i < total; i++ {
		got, want := results[i], expected[i]
		match := "DIFF"
		if len(replay.Mismatches([]replay.Result{got}, []replay.FixtureExpectedResult{want})) == 0 {
			match = "OK"
			matches++
		}
		fmt.Printf("%-8d| %-10s| %-10s| %-6s| %s\n", got.Step, want.Action, got.Action, match, strings.Join(got.Improved(), ","))
	}

	diverge := total - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)
	fmt.Printf("Replayed: %d improved, %d unchanged, %d skipped\n", sum.Improved, sum.Unchanged, sum.Skipped)

	if diverge > 0 || len(results) != len(expected) {
		return fmt.Errorf("replay diverges from the recorded decisions in %d of %d rounds", diverge+abs(len(results)-len(expected)), max(len(results), len(expected)))
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// #endregion replay

// #region export

func runExport(cmd *cobra.Command, _ []string) error {
	path, err := journalPath()
	if err != nil {
		return err
	}
	runID, _ := cmd.Flags().GetString("run")
	last, _ := cmd.Flags().GetInt("last")
	outPath, _ := cmd.Flags().GetString("out")

	f, err := exportFixture(path, runID, last)
	if err != nil {
		return err
	}
	if err := f.Write(outPath); err != nil {
		return err
	}
	fmt.Printf("Exported %d rounds from run %s to %s\n", len(f.Rounds), f.RunID, outPath)
	return nil
}

func exportFixture(path, runID string, last int) (*replay.Fixture, error) {
	store, err := state.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	return replay.FromJournal(store, runID, last)
}

// #endregion export
