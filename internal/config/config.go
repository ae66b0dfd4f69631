// Package config loads the training configuration from YAML with
// environment overrides for deployment-specific settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/yufeng1707/Depth-Estimation/internal/loss"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"github.com/yufeng1707/Depth-Estimation/internal/schedule"
)

// #region types
// Config is the full training configuration.
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Optim      OptimConfig      `yaml:"optim"`
	Loss       LossConfig       `yaml:"loss"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Eval       EvalConfig       `yaml:"eval"`
	Service    ServiceConfig    `yaml:"service"`
	Log        LogConfig        `yaml:"log"`
}

// DataConfig locates the sample shards.
type DataConfig struct {
	Path        string `yaml:"path"`
	TrainSplit  string `yaml:"train_split"`
	EvalSplit   string `yaml:"eval_split"`
	ImageHeight int    `yaml:"image_height"`
	ImageWidth  int    `yaml:"image_width"`
	BatchSize   int    `yaml:"batch_size"`
	Shuffle     bool   `yaml:"shuffle"`
	Seed        uint64 `yaml:"seed"`
}

// OptimConfig holds the optimizer and schedule settings. The optimizer
// itself runs on the model service.
type OptimConfig struct {
	Epochs          int     `yaml:"epochs"`
	Optimizer       string  `yaml:"optimizer"`
	LearningRate    float64 `yaml:"learning_rate"`
	EndLearningRate float64 `yaml:"end_learning_rate"`
	WeightDecay     float64 `yaml:"weight_decay"`
	AdamEps         float64 `yaml:"adam_eps"`
	Schedule        string  `yaml:"schedule"`
	Patience        int     `yaml:"patience"`
	Threshold       float64 `yaml:"threshold"`
}

// LossConfig selects the training objective.
type LossConfig struct {
	Kind          string  `yaml:"kind"`
	VarianceFocus float64 `yaml:"variance_focus"`
	NumScales     int     `yaml:"num_scales"`
	Eps           float64 `yaml:"eps"`
	Alpha         float64 `yaml:"alpha"`
}

// CheckpointConfig controls resume and checkpoint placement.
type CheckpointConfig struct {
	Path         string `yaml:"path"`
	Retrain      bool   `yaml:"retrain"`
	ModelName    string `yaml:"model_name"`
	LogDirectory string `yaml:"log_directory"`
	SaveFreq     int64  `yaml:"save_freq"`
}

// EvalConfig controls online evaluation.
type EvalConfig struct {
	Online           bool    `yaml:"online"`
	Freq             int64   `yaml:"freq"`
	MinDepth         float64 `yaml:"min_depth"`
	MaxDepth         float64 `yaml:"max_depth"`
	Crop             string  `yaml:"crop"`
	SummaryDirectory string  `yaml:"summary_directory"`
	Workers          int     `yaml:"workers"`
}

// ServiceConfig holds deployment endpoints.
type ServiceConfig struct {
	ModelAddr   string `yaml:"model_addr"`
	DBPath      string `yaml:"db_path"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogConfig controls progress output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Freq   int64  `yaml:"freq"`
}

// #endregion types

// #region defaults
// Default returns the stock configuration.
func Default() Config {
	return Config{
		Data: DataConfig{
			Path:        "data",
			TrainSplit:  "train",
			EvalSplit:   "online_eval",
			ImageHeight: 480,
			ImageWidth:  640,
			BatchSize:   4,
			Shuffle:     true,
			Seed:        1,
		},
		Optim: OptimConfig{
			Epochs:       50,
			Optimizer:    "adam",
			LearningRate: 1e-4,
			WeightDecay:  1e-2,
			AdamEps:      1e-3,
			Schedule:     string(schedule.KindConstant),
			Patience:     10,
			Threshold:    1e-4,
		},
		Loss: LossConfig{
			Kind:          string(loss.KindSILog),
			VarianceFocus: 0.85,
			NumScales:     4,
			Eps:           loss.DefaultEps,
			Alpha:         0.5,
		},
		Checkpoint: CheckpointConfig{
			ModelName:    "rdnet",
			LogDirectory: "logs",
			SaveFreq:     500,
		},
		Eval: EvalConfig{
			Online:   true,
			Freq:     500,
			MinDepth: 1e-3,
			MaxDepth: 80,
			Crop:     string(metrics.CropNone),
		},
		Service: ServiceConfig{
			ModelAddr: "localhost:50051",
			DBPath:    "rdnet.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Freq:   100,
		},
	}
}

// #endregion defaults

// #region load
// Load overlays the YAML file at path on the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Service.ModelAddr = envOr("RDNET_MODEL_ADDR", cfg.Service.ModelAddr)
	cfg.Service.DBPath = envOr("RDNET_DB", cfg.Service.DBPath)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load

// #region validate
// Validate rejects values the trainer cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Data.ImageHeight > 0 && c.Data.ImageWidth > 0, "image size must be positive, got %dx%d", c.Data.ImageHeight, c.Data.ImageWidth)
	check(c.Data.BatchSize > 0, "batch_size must be > 0")
	check(c.Optim.Epochs > 0, "epochs must be > 0")
	check(c.Optim.LearningRate > 0, "learning_rate must be > 0")
	check(c.Optim.Optimizer == "adam" || c.Optim.Optimizer == "sgd", "optimizer must be adam or sgd, got %q", c.Optim.Optimizer)
	check(c.Optim.Patience >= 0, "patience must be >= 0")
	check(c.Optim.Threshold >= 0, "threshold must be >= 0")
	switch schedule.Kind(c.Optim.Schedule) {
	case schedule.KindConstant, schedule.KindPoly, schedule.KindCycle, schedule.KindPlateau:
	default:
		errs = append(errs, fmt.Errorf("unknown schedule %q", c.Optim.Schedule))
	}

	switch loss.Kind(c.Loss.Kind) {
	case loss.KindSILog:
		check(c.Loss.VarianceFocus >= 0 && c.Loss.VarianceFocus <= 1, "variance_focus must be in [0, 1]")
	case loss.KindShiftScale:
		check(c.Loss.Eps > 0, "eps must be > 0")
	default:
		errs = append(errs, fmt.Errorf("unknown loss %q", c.Loss.Kind))
	}
	check(c.Loss.NumScales > 0, "num_scales must be > 0")

	check(c.Checkpoint.ModelName != "", "model_name must be set")
	check(!c.Checkpoint.Retrain || c.Checkpoint.Path != "", "retrain needs a checkpoint path")
	check(c.Log.Freq > 0, "log freq must be > 0")

	if c.Eval.Online {
		check(c.Eval.Freq > 0, "eval freq must be > 0")
		check(c.Eval.MinDepth > 0 && c.Eval.MinDepth < c.Eval.MaxDepth, "eval depth range must satisfy 0 < min < max")
		if _, err := metrics.ParseCrop(c.Eval.Crop); err != nil {
			errs = append(errs, err)
		}
	} else {
		check(c.Checkpoint.SaveFreq > 0, "save_freq must be > 0 when online eval is off")
	}
	check(c.Eval.Workers >= 0, "eval workers must be >= 0")

	return errors.Join(errs...)
}

// #endregion validate

// #region derived
// RunDir is the directory holding this model's checkpoints.
func (c Config) RunDir() string {
	return filepath.Join(c.Checkpoint.LogDirectory, c.Checkpoint.ModelName)
}

// EvalSummaryDir is where evaluation summaries are appended.
func (c Config) EvalSummaryDir() string {
	if c.Eval.SummaryDirectory != "" {
		return filepath.Join(c.Eval.SummaryDirectory, c.Checkpoint.ModelName)
	}
	return filepath.Join(c.Checkpoint.LogDirectory, "eval")
}

// LossParams maps the loss section onto loss.Params.
func (c Config) LossParams() loss.Params {
	return loss.Params{
		VarianceFocus: c.Loss.VarianceFocus,
		NumScales:     c.Loss.NumScales,
		Eps:           c.Loss.Eps,
		Alpha:         c.Loss.Alpha,
	}
}

// Schedule maps the optim section onto a schedule config for a run of
// totalSteps steps.
func (c Config) Schedule(totalSteps int64) schedule.Config {
	return schedule.Config{
		Kind:       schedule.Kind(c.Optim.Schedule),
		BaseLR:     c.Optim.LearningRate,
		EndLR:      c.Optim.EndLearningRate,
		TotalSteps: totalSteps,
		Patience:   c.Optim.Patience,
		Threshold:  c.Optim.Threshold,
	}
}

// #endregion derived
