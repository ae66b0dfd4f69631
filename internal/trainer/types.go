package trainer

import (
	"context"
	"errors"
	"runtime"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/config"
	"github.com/yufeng1707/Depth-Estimation/internal/dataset"
	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"github.com/yufeng1707/Depth-Estimation/internal/model"
)

// ErrNonFiniteLoss aborts training. No checkpoint is written for the step
// that produced it.
var ErrNonFiniteLoss = errors.New("non-finite training loss")

// #region phase
// Phase is the loop position.
type Phase int

const (
	PhaseTraining Phase = iota
	PhaseEvaluating
)

func (p Phase) String() string {
	if p == PhaseEvaluating {
		return "evaluating"
	}
	return "training"
}

// #endregion phase

// #region state
// TrainingState is everything the loop carries between steps.
type TrainingState struct {
	GlobalStep int64
	Epoch      int
	Best       best.Records
	// JustLoaded suppresses evaluation and progress output on the first step
	// after a checkpoint load.
	JustLoaded bool
}

// NewTrainingState returns the state of a fresh run.
func NewTrainingState() TrainingState {
	return TrainingState{Best: best.NewRecords()}
}

// #endregion state

// #region collaborators
// Model is the depth model service. *model.Client implements it.
type Model interface {
	Configure(ctx context.Context, o model.Options) error
	Forward(ctx context.Context, image *field.Field, embedding, bbox field.Array) (*field.Field, error)
	Step(ctx context.Context, grad *field.Field, lr float64) error
	SetTraining(ctx context.Context, training bool) error
	Snapshot(ctx context.Context) (model.Snapshot, error)
	Restore(ctx context.Context, s model.Snapshot) error
}

// Batches is an indexed batch source. *dataset.Set implements it.
type Batches interface {
	Len() int
	Batch(i int) (*dataset.Batch, error)
}

// #endregion collaborators

// #region config
// Config holds the loop settings.
type Config struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	Seed      uint64
	Retrain   bool

	Online   bool
	EvalFreq int64
	SaveFreq int64
	LogFreq  int64

	MinDepth float64
	MaxDepth float64
	Crop     metrics.Crop
	Workers  int

	// VarianceFocus and NumScales configure the SILog loss reported as the
	// first entry of every evaluation vector, whatever the training criterion.
	VarianceFocus float64
	NumScales     int

	Optimizer model.Options
}

// DefaultConfig mirrors config.Default.
func DefaultConfig() Config {
	c, _ := ConfigFrom(config.Default())
	return c
}

// ConfigFrom extracts the loop settings from a full configuration.
func ConfigFrom(c config.Config) (Config, error) {
	crop, err := metrics.ParseCrop(c.Eval.Crop)
	if err != nil {
		return Config{}, err
	}
	workers := c.Eval.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return Config{
		Epochs:    c.Optim.Epochs,
		BatchSize: c.Data.BatchSize,
		Shuffle:   c.Data.Shuffle,
		Seed:      c.Data.Seed,
		Retrain:   c.Checkpoint.Retrain,
		Online:    c.Eval.Online,
		EvalFreq:  c.Eval.Freq,
		SaveFreq:  c.Checkpoint.SaveFreq,
		LogFreq:   c.Log.Freq,
		MinDepth:  c.Eval.MinDepth,
		MaxDepth:  c.Eval.MaxDepth,
		Crop:      crop,
		Workers:   workers,

		VarianceFocus: c.Loss.VarianceFocus,
		NumScales:     c.Loss.NumScales,

		Optimizer: model.Options{
			Optimizer:   c.Optim.Optimizer,
			WeightDecay: c.Optim.WeightDecay,
			AdamEps:     c.Optim.AdamEps,
		},
	}, nil
}

// #endregion config

// #region eval-result
// EvalResult is the outcome of one evaluation pass.
type EvalResult struct {
	Step         int64
	Vector       metrics.Vector
	Batches      int
	Samples      int
	Improvements []best.Improvement
	// Valid is false when no batch had a valid sample; nothing was decided.
	Valid bool
}

// #endregion eval-result
