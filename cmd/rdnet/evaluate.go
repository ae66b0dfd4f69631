package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/yufeng1707/Depth-Estimation/internal/config"
	"github.com/yufeng1707/Depth-Estimation/internal/dataset"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
)

// #region evaluate

type fileResult struct {
	Path     string             `json:"path"`
	Samples  int                `json:"samples"`
	Measures map[string]float64 `json:"measures"`
}

type evaluateOutput struct {
	Files   []fileResult       `json:"files"`
	Samples int                `json:"samples"`
	Mean    map[string]float64 `json:"mean"`
	Std     map[string]float64 `json:"std"`
}

// runEvaluate computes the accuracy metrics of offline prediction dumps. The
// dumps carry no disparity, so the loss entry is left out.
func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	minDepth, maxDepth := cfg.Eval.MinDepth, cfg.Eval.MaxDepth
	if cmd.Flags().Changed("min-depth") {
		minDepth, _ = cmd.Flags().GetFloat64("min-depth")
	}
	if cmd.Flags().Changed("max-depth") {
		maxDepth, _ = cmd.Flags().GetFloat64("max-depth")
	}
	if minDepth >= maxDepth {
		return fmt.Errorf("min depth %g must be below max depth %g", minDepth, maxDepth)
	}
	cropName := cfg.Eval.Crop
	if c, _ := cmd.Flags().GetString("crop"); c != "" {
		cropName = c
	}
	crop, err := metrics.ParseCrop(cropName)
	if err != nil {
		return err
	}

	paths, err := expandDumps(args)
	if err != nil {
		return err
	}

	var (
		out     evaluateOutput
		vectors []metrics.Vector
		pass    metrics.Pass
	)
	for _, path := range paths {
		depth, pred, mask, err := dataset.LoadPredictions(path, cfg.Data.ImageHeight, cfg.Data.ImageWidth)
		if err != nil {
			return err
		}
		valid, err := metrics.EvalMask(depth, minDepth, maxDepth, crop)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if mask, err = mask.And(valid); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		errs, n, err := metrics.ComputeErrors(cmd.Context(), depth, metrics.Standardize(pred, minDepth, maxDepth), mask, cfg.Eval.Workers)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if n == 0 {
			fmt.Fprintf(os.Stderr, "%s: no valid sample, skipped\n", path)
			continue
		}
		v := errs.WithLoss(math.NaN())
		vectors = append(vectors, v)
		pass.Add(v, n)
		out.Files = append(out.Files, fileResult{Path: path, Samples: n, Measures: finiteMeasures(v)})
	}
	if len(vectors) == 0 {
		return fmt.Errorf("no valid sample in %d files", len(paths))
	}

	mean, _ := pass.Mean()
	_, std := metrics.Summary(vectors)
	out.Samples = pass.Samples()
	out.Mean = finiteMeasures(mean)
	out.Std = finiteMeasures(std)

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("%d files, %d samples (depth %g..%g, crop %s)\n\n", len(vectors), out.Samples, minDepth, maxDepth, crop)
	printMeasureTable(out.Mean, out.Std)
	return nil
}

// expandDumps turns files and directories into a sorted list of .npz files.
func expandDumps(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.npz"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .npz files in %v", args)
	}
	return paths, nil
}

// #endregion evaluate

// #region output

// finiteMeasures drops the entries JSON cannot carry.
func finiteMeasures(v metrics.Vector) map[string]float64 {
	m := v.Map()
	for k, x := range m {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			delete(m, k)
		}
	}
	return m
}

func printMeasureTable(mean, std map[string]float64) {
	fmt.Printf("%-10s  %10s  %10s\n", "Metric", "Mean", "Std")
	fmt.Printf("%-10s+-%10s+-%10s\n", "----------", "----------", "----------")
	for _, name := range metrics.Names() {
		m, ok := mean[name]
		if !ok {
			continue
		}
		fmt.Printf("%-10s  %10.4f  %10.4f\n", name, m, std[name])
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
