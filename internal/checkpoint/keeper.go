package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
)

// Observer receives checkpoint side effects, e.g. for metrics export.
type Observer interface {
	CheckpointWritten(metric string)
	CheckpointEvicted(result string)
}

// #region outcome
// Outcome is what applying one improvement did on disk.
type Outcome struct {
	Improvement best.Improvement
	Written     string
	Evicted     string // superseded file name, empty when there was none
	Removed     bool   // false when the superseded file was already gone
	EvictErr    error
}

// #endregion outcome

// #region keeper
// Keeper turns best-tracking decisions into checkpoint files.
type Keeper struct {
	store    *Store
	logger   *slog.Logger
	observer Observer
}

// NewKeeper returns a Keeper writing into store. logger and observer may be nil.
func NewKeeper(store *Store, logger *slog.Logger, observer Observer) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{store: store, logger: logger, observer: observer}
}

// Apply writes one best checkpoint per improvement, then evicts the file of
// the best it supersedes. f must already carry the updated best records.
// Eviction failures are logged and reported in the outcome only; write
// failures are returned.
func (k *Keeper) Apply(ims []best.Improvement, f *File) ([]Outcome, error) {
	var errs []error
	outcomes := make([]Outcome, 0, len(ims))
	for _, im := range ims {
		out := Outcome{Improvement: im}
		name := BestName(im.Step, im.Metric, im.Current)
		if err := k.store.Save(name, f); err != nil {
			errs = append(errs, fmt.Errorf("best %s: %w", im.Metric, err))
			outcomes = append(outcomes, out)
			continue
		}
		out.Written = name
		k.observe(func(o Observer) { o.CheckpointWritten(im.Metric) })
		k.logger.Info("best checkpoint saved",
			"metric", im.Metric, "value", im.Current, "step", im.Step, "file", name)

		if im.HadPrevious() {
			old := BestName(im.PreviousStep, im.Metric, im.Previous)
			if old != name {
				out.Evicted = old
				out.Removed, out.EvictErr = k.store.Remove(old)
				k.logEviction(im, old, out.Removed, out.EvictErr)
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

// SavePeriodic writes a model-<step> checkpoint.
func (k *Keeper) SavePeriodic(f *File) (string, error) {
	name := PeriodicName(f.GlobalStep)
	if err := k.store.Save(name, f); err != nil {
		return "", err
	}
	k.observe(func(o Observer) { o.CheckpointWritten("periodic") })
	k.logger.Info("checkpoint saved", "step", f.GlobalStep, "file", name)
	return name, nil
}

// #endregion keeper

// #region helpers
func (k *Keeper) logEviction(im best.Improvement, old string, removed bool, err error) {
	result := "removed"
	switch {
	case err != nil:
		result = "failed"
		k.logger.Warn("could not remove superseded checkpoint",
			"metric", im.Metric, "file", old, "error", err)
	case !removed:
		result = "missing"
		k.logger.Debug("superseded checkpoint already gone", "metric", im.Metric, "file", old)
	default:
		k.logger.Info("superseded checkpoint removed",
			"metric", im.Metric, "previous", im.Previous, "previous_step", im.PreviousStep, "file", old)
	}
	k.observe(func(o Observer) { o.CheckpointEvicted(result) })
}

func (k *Keeper) observe(fn func(Observer)) {
	if k.observer != nil {
		fn(k.observer)
	}
}

// #endregion helpers
