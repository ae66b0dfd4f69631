package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yufeng1707/Depth-Estimation/internal/checkpoint"
	"github.com/yufeng1707/Depth-Estimation/internal/config"
	"github.com/yufeng1707/Depth-Estimation/internal/dataset"
	"github.com/yufeng1707/Depth-Estimation/internal/logging"
	"github.com/yufeng1707/Depth-Estimation/internal/loss"
	"github.com/yufeng1707/Depth-Estimation/internal/model"
	"github.com/yufeng1707/Depth-Estimation/internal/schedule"
	"github.com/yufeng1707/Depth-Estimation/internal/state"
	"github.com/yufeng1707/Depth-Estimation/internal/telemetry"
	"github.com/yufeng1707/Depth-Estimation/internal/trainer"
)

// #region train
func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if p, _ := cmd.Flags().GetString("checkpoint"); p != "" {
		cfg.Checkpoint.Path = p
	}
	if cmd.Flags().Changed("retrain") {
		cfg.Checkpoint.Retrain, _ = cmd.Flags().GetBool("retrain")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(cfg, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	tcfg, err := trainer.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	t, err := trainer.New(tcfg, deps)
	if err != nil {
		return err
	}

	logger.Info("rdnet trainer ready",
		"model_addr", cfg.Service.ModelAddr,
		"db", cfg.Service.DBPath,
		"run_dir", cfg.RunDir(),
		"train_batches", deps.Train.Len(),
		"total_steps", t.TotalSteps())

	if err := t.Resume(ctx, cfg.Checkpoint.Path); err != nil {
		return err
	}
	err = t.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Warn("training interrupted", "global_step", t.State().GlobalStep)
		return nil
	}
	return err
}

// #endregion train

// #region wiring

// buildDeps opens every collaborator of the trainer. cleanup is always
// non-nil and releases whatever was opened, also on error.
func buildDeps(cfg config.Config, logger *slog.Logger) (trainer.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	deps := trainer.Deps{Logger: logger}

	train, err := dataset.Open(cfg.Data.Path, cfg.Data.TrainSplit, cfg.Data.ImageHeight, cfg.Data.ImageWidth)
	if err != nil {
		return deps, cleanup, err
	}
	deps.Train = train
	if cfg.Eval.Online {
		evalSet, err := dataset.Open(cfg.Data.Path, cfg.Data.EvalSplit, cfg.Data.ImageHeight, cfg.Data.ImageWidth)
		if err != nil {
			return deps, cleanup, err
		}
		deps.Eval = evalSet
	}

	client, err := model.NewClient(cfg.Service.ModelAddr)
	if err != nil {
		return deps, cleanup, fmt.Errorf("connect to model service at %s: %w", cfg.Service.ModelAddr, err)
	}
	closers = append(closers, func() { client.Close() })
	deps.Model = client

	if deps.Criterion, err = loss.New(loss.Kind(cfg.Loss.Kind), cfg.LossParams()); err != nil {
		return deps, cleanup, err
	}
	total := int64(cfg.Optim.Epochs) * int64(train.Len())
	if deps.Schedule, err = schedule.New(cfg.Schedule(total)); err != nil {
		return deps, cleanup, err
	}

	deps.Telemetry = telemetry.New()
	store, err := checkpoint.NewStore(cfg.RunDir())
	if err != nil {
		return deps, cleanup, err
	}
	deps.Keeper = checkpoint.NewKeeper(store, logger, deps.Telemetry)

	journal, err := state.NewStore(cfg.Service.DBPath)
	if err != nil {
		return deps, cleanup, fmt.Errorf("open run database: %w", err)
	}
	closers = append(closers, func() { journal.Close() })
	deps.Journal = journal

	if cfg.Eval.Online {
		dir := cfg.EvalSummaryDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return deps, cleanup, fmt.Errorf("create eval summary dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "eval.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return deps, cleanup, fmt.Errorf("open eval summary: %w", err)
		}
		closers = append(closers, func() { f.Close() })
		deps.Summary = f
	}

	if cfg.Service.MetricsAddr != "" {
		srv := serveMetrics(cfg.Service.MetricsAddr, deps.Telemetry, logger)
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	return deps, cleanup, nil
}

func serveMetrics(addr string, c *telemetry.Collectors, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return srv
}

// #endregion wiring
