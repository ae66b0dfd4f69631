package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yufeng1707/Depth-Estimation/internal/config"
)

// --- Global Command Variables ---
var (
	configPath string
	dbPath     string
	jsonOut    bool

	rootCmd = &cobra.Command{
		Use:   "rdnet",
		Short: "Train and evaluate the rdnet monocular depth model",
		Long: `rdnet drives training of a monocular depth model served over gRPC,
tracks the best checkpoint per evaluation metric and keeps a journal of
every decision in a SQLite run database.`,
		SilenceUsage: true,
	}

	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Run the training loop against the model service",
		Args:  cobra.NoArgs,
		RunE:  runTrain, // Defined in train.go
	}

	evaluateCmd = &cobra.Command{
		Use:   "evaluate [file or directory...]",
		Short: "Compute depth metrics over .npz dumps of depth, pred and mask",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEvaluate, // Defined in evaluate.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "List best-state snapshots and their decisions from the run database",
		Args:  cobra.NoArgs,
		RunE:  runInspect, // Defined in inspect.go
	}

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded metric vectors through best tracking",
		Args:  cobra.NoArgs,
		RunE:  runReplay, // Defined in replay.go
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write a replay fixture from the run database",
		Args:  cobra.NoArgs,
		RunE:  runExport, // Defined in replay.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML training config (defaults apply when empty)")

	trainCmd.Flags().String("checkpoint", "", "checkpoint to resume from (overrides checkpoint.path)")
	trainCmd.Flags().Bool("retrain", false, "reset the global step after loading the checkpoint")

	evaluateCmd.Flags().Float64("min-depth", 0, "minimum valid depth (default from config)")
	evaluateCmd.Flags().Float64("max-depth", 0, "maximum valid depth (default from config)")
	evaluateCmd.Flags().String("crop", "", "evaluation crop: none, eigen or garg (default from config)")
	evaluateCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")

	inspectCmd.Flags().StringVar(&dbPath, "db", "", "path to the run database (default from config)")
	inspectCmd.Flags().Int("last", 20, "show N most recent snapshots")
	inspectCmd.Flags().String("snapshot", "", "show single snapshot detail")
	inspectCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")

	replayCmd.Flags().StringVar(&dbPath, "db", "", "path to the run database (DB mode)")
	replayCmd.Flags().String("fixture", "", "path to fixture JSON (fixture mode)")
	replayCmd.Flags().String("run", "", "run ID to replay (default: run of the active snapshot)")
	replayCmd.Flags().Int("last", 0, "replay only the N most recent evaluations")

	exportCmd.Flags().StringVar(&dbPath, "db", "", "path to the run database (default from config)")
	exportCmd.Flags().String("run", "", "run ID to export (default: run of the active snapshot)")
	exportCmd.Flags().Int("last", 0, "export only the N most recent evaluations")
	exportCmd.Flags().String("out", "", "output fixture JSON path")
	_ = exportCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(trainCmd, evaluateCmd, inspectCmd, replayCmd, exportCmd)
}

// journalPath resolves the run database from --db or the config file.
func journalPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Service.DBPath == "" {
		return "", fmt.Errorf("no run database: pass --db or set service.db_path")
	}
	return cfg.Service.DBPath, nil
}
