// Package trainer runs the training loop: steps against the model service,
// periodic online evaluation, best-metric tracking and checkpointing.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/checkpoint"
	"github.com/yufeng1707/Depth-Estimation/internal/dataset"
	"github.com/yufeng1707/Depth-Estimation/internal/loss"
	"github.com/yufeng1707/Depth-Estimation/internal/model"
	"github.com/yufeng1707/Depth-Estimation/internal/schedule"
	"github.com/yufeng1707/Depth-Estimation/internal/state"
	"github.com/yufeng1707/Depth-Estimation/internal/telemetry"
)

// #region deps
// Deps are the collaborators of a Trainer. Eval may be nil when online
// evaluation is off; Journal, Telemetry, Summary and Logger are optional.
type Deps struct {
	Model     Model
	Criterion loss.Criterion
	Train     Batches
	Eval      Batches
	Keeper    *checkpoint.Keeper
	Schedule  schedule.Schedule
	Journal   *state.Store
	Telemetry *telemetry.Collectors
	Summary   io.Writer
	Logger    *slog.Logger
}

// #endregion deps

// #region trainer
// Trainer owns the TrainingState of one run. It is not safe for concurrent use.
type Trainer struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	evalLoss *loss.SILog

	state      TrainingState
	phase      Phase
	snapshot   state.Snapshot
	configured bool
	resumed    bool
	rng        *rand.Rand
}

// New validates deps and returns a Trainer at a fresh state.
func New(cfg Config, deps Deps) (*Trainer, error) {
	switch {
	case deps.Model == nil:
		return nil, errors.New("trainer: model is required")
	case deps.Criterion == nil:
		return nil, errors.New("trainer: criterion is required")
	case deps.Train == nil || deps.Train.Len() == 0:
		return nil, errors.New("trainer: training batches are required")
	case deps.Keeper == nil:
		return nil, errors.New("trainer: checkpoint keeper is required")
	case deps.Schedule == nil:
		return nil, errors.New("trainer: schedule is required")
	case cfg.Online && (deps.Eval == nil || deps.Eval.Len() == 0):
		return nil, errors.New("trainer: online evaluation needs evaluation batches")
	case cfg.Online && cfg.EvalFreq <= 0:
		return nil, fmt.Errorf("trainer: eval frequency must be positive, got %d", cfg.EvalFreq)
	case cfg.Online && cfg.NumScales < 1:
		return nil, fmt.Errorf("trainer: eval loss needs at least one scale, got %d", cfg.NumScales)
	case !cfg.Online && cfg.SaveFreq <= 0:
		return nil, fmt.Errorf("trainer: save frequency must be positive, got %d", cfg.SaveFreq)
	}
	if cfg.LogFreq <= 0 {
		cfg.LogFreq = 100
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		cfg:      cfg,
		deps:     deps,
		log:      logger,
		evalLoss: loss.NewSILog(cfg.VarianceFocus, cfg.NumScales),
		state:    NewTrainingState(),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// State returns a copy of the current training state.
func (t *Trainer) State() TrainingState { return t.state }

// Phase reports whether the loop is training or evaluating.
func (t *Trainer) Phase() Phase { return t.phase }

// StepsPerEpoch is the number of training batches.
func (t *Trainer) StepsPerEpoch() int { return t.deps.Train.Len() }

// TotalSteps is the length of the whole run.
func (t *Trainer) TotalSteps() int64 {
	return int64(t.cfg.Epochs) * int64(t.StepsPerEpoch())
}

// #endregion trainer

// #region resume
// Resume restores the model, the optimizer, the global step and the best
// records from the checkpoint at path. An empty path or a missing file
// leaves the fresh state in place. A checkpoint without best records
// restores everything else and starts the records fresh.
func (t *Trainer) Resume(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	f, err := checkpoint.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		t.log.Warn("no checkpoint found, starting fresh", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := t.configure(ctx); err != nil {
		return err
	}
	if err := t.deps.Model.Restore(ctx, model.Snapshot{Model: f.Model, Optimizer: f.Optimizer}); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	t.state.GlobalStep = f.GlobalStep
	if f.Best != nil {
		t.state.Best = *f.Best
	} else {
		t.log.Warn("checkpoint carries no best records, tracking starts fresh", "path", path)
		t.state.Best = best.NewRecords()
	}
	t.state.JustLoaded = true
	t.resumed = true
	t.log.Info("checkpoint loaded", "path", path, "global_step", f.GlobalStep)

	if t.cfg.Retrain {
		t.state.GlobalStep = 0
		t.log.Info("retrain requested, global step reset")
	}
	if t.deps.Telemetry != nil {
		t.deps.Telemetry.ObserveBest(t.state.Best)
	}
	return nil
}

// #endregion resume

// #region run
// Run trains until the configured number of epochs is done, ctx is
// cancelled, or a step fails. ErrNonFiniteLoss is returned wrapped.
func (t *Trainer) Run(ctx context.Context) error {
	if err := t.configure(ctx); err != nil {
		return err
	}
	if err := t.deps.Model.SetTraining(ctx, true); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	t.journalStart()

	perEpoch := int64(t.StepsPerEpoch())
	total := t.TotalSteps()
	t.state.Epoch = int(t.state.GlobalStep / perEpoch)
	skip := int(t.state.GlobalStep % perEpoch)

	p := newProgress(t.cfg.BatchSize, t.cfg.LogFreq, total)
	t.log.Info("training started",
		"global_step", t.state.GlobalStep, "epoch", t.state.Epoch,
		"epochs", t.cfg.Epochs, "steps_per_epoch", perEpoch)

	for t.state.Epoch < t.cfg.Epochs {
		order := t.order()
		for i := skip; i < len(order); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := t.deps.Train.Batch(order[i])
			if err != nil {
				return fmt.Errorf("step %d: %w", t.state.GlobalStep, err)
			}

			started := time.Now()
			lossValue, err := t.Step(ctx, b)
			if err != nil {
				if errors.Is(err, ErrNonFiniteLoss) {
					t.log.Error("non-finite loss, aborting training", "global_step", t.state.GlobalStep)
				}
				return err
			}
			p.add(time.Since(started))

			if err := t.afterStep(ctx, p, lossValue); err != nil {
				return err
			}
			t.state.JustLoaded = false
			t.state.GlobalStep++
		}
		skip = 0
		t.state.Epoch++
	}
	t.log.Info("training finished", "global_step", t.state.GlobalStep)
	return nil
}

// afterStep runs the bookkeeping due at the current global step.
func (t *Trainer) afterStep(ctx context.Context, p *progress, lossValue float64) error {
	step := t.state.GlobalStep
	if step == 0 {
		return nil
	}
	if step%t.cfg.LogFreq == 0 && !t.state.JustLoaded {
		p.report(t.log, t.state.Epoch, step, lossValue)
	}
	if !t.cfg.Online && step%t.cfg.SaveFreq == 0 {
		if err := t.savePeriodic(ctx); err != nil {
			return err
		}
	}
	if t.cfg.Online && step%t.cfg.EvalFreq == 0 && !t.state.JustLoaded {
		if _, err := t.Evaluate(ctx); err != nil {
			return fmt.Errorf("evaluate at step %d: %w", step, err)
		}
	}
	return nil
}

// order returns the batch order of one epoch.
func (t *Trainer) order() []int {
	n := t.StepsPerEpoch()
	if t.cfg.Shuffle {
		return t.rng.Perm(n)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// #endregion run

// #region step
// Step runs one optimisation step on b and returns its loss. The loss is
// computed on disparities against 1/depth. A failed precondition or a
// non-finite loss returns before the optimizer is touched.
func (t *Trainer) Step(ctx context.Context, b *dataset.Batch) (float64, error) {
	step := t.state.GlobalStep
	ctx, span := telemetry.StartStep(ctx, step)
	defer span.End()

	disp, err := t.deps.Model.Forward(ctx, b.Image, b.Embedding, b.BBox)
	if err != nil {
		return 0, fmt.Errorf("step %d: %w", step, err)
	}
	target := b.Depth.Reciprocal()

	value, err := t.deps.Criterion.Forward(disp, target, b.Mask)
	if err != nil {
		return 0, fmt.Errorf("step %d: %w", step, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return value, fmt.Errorf("step %d: %w (%v)", step, ErrNonFiniteLoss, value)
	}
	grad, err := t.deps.Criterion.Gradient(disp, target, b.Mask)
	if err != nil {
		return 0, fmt.Errorf("step %d: %w", step, err)
	}
	if !grad.AllFinite() {
		return value, fmt.Errorf("step %d: %w (gradient)", step, ErrNonFiniteLoss)
	}

	lr := t.deps.Schedule.LR(step)
	if err := t.deps.Model.Step(ctx, grad, lr); err != nil {
		return 0, fmt.Errorf("step %d: %w", step, err)
	}
	t.log.Debug("step", "epoch", t.state.Epoch, "global_step", step, "loss", value, "lr", lr)
	if t.deps.Telemetry != nil {
		t.deps.Telemetry.ObserveStep(step, value, lr)
	}
	return value, nil
}

// #endregion step

// #region checkpoint
// checkpointFile snapshots the model at the current step. records, when not
// nil, is stored as the file's best records.
func (t *Trainer) checkpointFile(ctx context.Context, records *best.Records) (*checkpoint.File, error) {
	snap, err := t.deps.Model.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot model: %w", err)
	}
	f := &checkpoint.File{
		GlobalStep: t.state.GlobalStep,
		Model:      snap.Model,
		Optimizer:  snap.Optimizer,
		Best:       records,
	}
	return f, nil
}

func (t *Trainer) savePeriodic(ctx context.Context) error {
	f, err := t.checkpointFile(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := t.deps.Keeper.SavePeriodic(f); err != nil {
		return fmt.Errorf("periodic checkpoint: %w", err)
	}
	return nil
}

// #endregion checkpoint

// #region configure
func (t *Trainer) configure(ctx context.Context) error {
	if t.configured {
		return nil
	}
	if err := t.deps.Model.Configure(ctx, t.cfg.Optimizer); err != nil {
		return fmt.Errorf("configure model: %w", err)
	}
	t.configured = true
	return nil
}

// #endregion configure
