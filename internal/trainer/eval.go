package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/logging"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"github.com/yufeng1707/Depth-Estimation/internal/schedule"
	"github.com/yufeng1707/Depth-Estimation/internal/state"
	"github.com/yufeng1707/Depth-Estimation/internal/telemetry"
)

// #region evaluate
// Evaluate runs one full pass over the evaluation batches, then compares the
// averaged vector against the best records. Improved metrics get a new
// checkpoint each and their superseded checkpoint is evicted. The model is
// put back in training mode whatever happens.
func (t *Trainer) Evaluate(ctx context.Context) (EvalResult, error) {
	step := t.state.GlobalStep
	res := EvalResult{Step: step}
	if t.deps.Eval == nil {
		return res, fmt.Errorf("evaluate: no evaluation batches")
	}

	ctx, span := telemetry.StartEval(ctx, step)
	t.phase = PhaseEvaluating
	defer func() {
		telemetry.EndEval(span, res.Batches, res.Samples, len(res.Improvements))
		t.phase = PhaseTraining
	}()

	if err := t.deps.Model.SetTraining(ctx, false); err != nil {
		return res, fmt.Errorf("evaluate: %w", err)
	}
	pass, err := t.evalPass(ctx)
	if err2 := t.deps.Model.SetTraining(ctx, true); err == nil && err2 != nil {
		err = fmt.Errorf("evaluate: %w", err2)
	}
	if err != nil {
		return res, err
	}

	res.Batches, res.Samples = pass.Batches(), pass.Samples()
	v, ok := pass.Mean()
	if !ok {
		t.log.Warn("evaluation produced no valid samples, nothing decided", "global_step", step)
		return res, nil
	}
	res.Vector, res.Valid = v, true

	t.log.Info("evaluation done", "global_step", step, "batches", res.Batches, "samples", res.Samples)
	t.log.Info("eval measures\n" + v.String())
	if t.deps.Telemetry != nil {
		t.deps.Telemetry.ObserveEval(v)
	}
	if obs, ok := t.deps.Schedule.(schedule.MetricObserver); ok && obs.Observe(v[metrics.Loss]) {
		t.log.Info("learning rate reduced", "global_step", step, "lr", t.deps.Schedule.LR(step))
	}

	// Records are committed only once every improved metric has its file.
	prev := t.state.Best
	res.Improvements = best.Decide(prev, v, step)
	next := prev.Apply(res.Improvements)

	if len(res.Improvements) > 0 {
		f, err := t.checkpointFile(ctx, &next)
		if err != nil {
			return res, err
		}
		for _, im := range res.Improvements {
			t.log.Info("new best", "metric", im.Metric, "value", im.Current, "previous", im.Previous, "previous_step", im.PreviousStep)
		}
		if _, err := t.deps.Keeper.Apply(res.Improvements, f); err != nil {
			return res, fmt.Errorf("save best checkpoints: %w", err)
		}
	}
	t.state.Best = next
	if t.deps.Telemetry != nil {
		t.deps.Telemetry.ObserveBest(t.state.Best)
	}

	t.journalEval(prev, res)
	t.writeSummary(res)
	return res, nil
}

// evalPass accumulates one vector per evaluation batch. The loss entry is
// SILog on disparities with the training mask; the other entries use
// standardized depths under the evaluation mask. A loss that cannot be
// computed fails the pass.
func (t *Trainer) evalPass(ctx context.Context) (*metrics.Pass, error) {
	pass := &metrics.Pass{}
	for i := 0; i < t.deps.Eval.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := t.deps.Eval.Batch(i)
		if err != nil {
			return nil, fmt.Errorf("eval batch %d: %w", i, err)
		}
		disp, err := t.deps.Model.Forward(ctx, b.Image, b.Embedding, b.BBox)
		if err != nil {
			return nil, fmt.Errorf("eval batch %d: %w", i, err)
		}

		lossValue, err := t.evalLoss.Forward(disp, b.Depth.Reciprocal(), b.Mask)
		if err != nil {
			return nil, fmt.Errorf("eval batch %d: %w", i, err)
		}

		pred := metrics.Standardize(disp.Reciprocal(), t.cfg.MinDepth, t.cfg.MaxDepth)
		mask, err := metrics.EvalMask(b.Depth, t.cfg.MinDepth, t.cfg.MaxDepth, t.cfg.Crop)
		if err != nil {
			return nil, fmt.Errorf("eval batch %d: %w", i, err)
		}
		errs, n, err := metrics.ComputeErrors(ctx, b.Depth, pred, mask, t.cfg.Workers)
		if err != nil {
			return nil, fmt.Errorf("eval batch %d: %w", i, err)
		}
		if n == 0 {
			t.log.Debug("eval batch has no valid sample", "batch", i)
			continue
		}
		pass.Add(errs.WithLoss(lossValue), n)
	}
	return pass, nil
}

// #endregion evaluate

// #region journal
// journalStart records the state the run starts from.
func (t *Trainer) journalStart() {
	if t.deps.Journal == nil || t.snapshot.SnapshotID != "" {
		return
	}
	snap, err := t.deps.Journal.CreateInitialState("", t.state.GlobalStep, t.state.Best)
	if err != nil {
		t.log.Error("journal initial state", "error", err)
		return
	}
	t.snapshot = snap

	entry := logging.ProvenanceEntry{
		SnapshotID:  snap.SnapshotID,
		GlobalStep:  snap.GlobalStep,
		TriggerType: "init",
		Decision:    "fresh",
		Reason:      "new run",
	}
	if t.resumed {
		entry.TriggerType, entry.Decision, entry.Reason = "resume", "restored", "best records restored from checkpoint"
	}
	if err := logging.LogDecision(t.deps.Journal.DB(), entry); err != nil {
		t.log.Error("journal provenance", "error", err)
	}
}

// journalEval commits the post-evaluation state and the decision behind it.
// Journal failures are logged; training goes on.
func (t *Trainer) journalEval(prev best.Records, res EvalResult) {
	if t.deps.Journal == nil {
		return
	}
	if t.snapshot.SnapshotID == "" {
		t.journalStart()
	}
	snap, err := state.NewSnapshot(t.snapshot, res.Step, t.state.Best, &res.Vector)
	if err != nil {
		t.log.Error("journal snapshot", "error", err)
		return
	}
	if err := t.deps.Journal.CommitState(snap); err != nil {
		t.log.Error("journal commit", "error", err)
		return
	}
	t.snapshot = snap

	rec := logging.NewDecisionRecord(res.Step, prev, res.Vector, res.Improvements)
	rec.Batches, rec.Samples = res.Batches, res.Samples
	entry, err := rec.Entry(snap.SnapshotID, res.Improvements)
	if err != nil {
		t.log.Error("journal decision", "error", err)
		return
	}
	if err := logging.LogDecision(t.deps.Journal.DB(), entry); err != nil {
		t.log.Error("journal provenance", "error", err)
	}
}

// #endregion journal

// #region summary
type summaryLine struct {
	Step     int64              `json:"step"`
	Time     time.Time          `json:"time"`
	Samples  int                `json:"samples"`
	Measures map[string]float64 `json:"measures"`
	Improved []string           `json:"improved,omitempty"`
}

// writeSummary appends the pass as one JSON line. Non-finite values are
// left out.
func (t *Trainer) writeSummary(res EvalResult) {
	if t.deps.Summary == nil {
		return
	}
	line := summaryLine{
		Step:     res.Step,
		Time:     time.Now().UTC(),
		Samples:  res.Samples,
		Measures: res.Vector.Map(),
	}
	for k, v := range line.Measures {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(line.Measures, k)
		}
	}
	for _, im := range res.Improvements {
		line.Improved = append(line.Improved, im.Metric)
	}
	b, err := json.Marshal(line)
	if err != nil {
		t.log.Error("eval summary", "error", err)
		return
	}
	if _, err := t.deps.Summary.Write(append(b, '\n')); err != nil {
		t.log.Error("eval summary", "error", err)
	}
}

// #endregion summary

// #region progress
// progress tracks throughput between log lines.
type progress struct {
	batchSize int
	logFreq   int64
	total     int64
	start     time.Time
	busy      time.Duration
}

func newProgress(batchSize int, logFreq, total int64) *progress {
	return &progress{batchSize: batchSize, logFreq: logFreq, total: total, start: time.Now()}
}

func (p *progress) add(d time.Duration) { p.busy += d }

// report logs examples/sec over the last window and a time-left estimate,
// then opens a new window.
func (p *progress) report(log *slog.Logger, epoch int, step int64, lossValue float64) {
	perSec := 0.0
	if p.busy > 0 {
		perSec = float64(p.batchSize) * float64(p.logFreq) / p.busy.Seconds()
	}
	elapsed := time.Since(p.start)
	left := time.Duration(0)
	if step > 0 && p.total > step {
		left = time.Duration((float64(p.total)/float64(step) - 1) * float64(elapsed))
	}
	log.Info("progress",
		"epoch", epoch,
		"global_step", step,
		"examples_per_sec", fmt.Sprintf("%.2f", perSec),
		"loss", fmt.Sprintf("%.5f", lossValue),
		"elapsed", elapsed.Round(time.Second).String(),
		"left", left.Round(time.Second).String(),
	)
	p.busy = 0
}

// #endregion progress
