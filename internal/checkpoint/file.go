// Package checkpoint persists model snapshots with their best-record state and
// applies best-tracking decisions to the checkpoint directory.
package checkpoint

import (
	"encoding/base64"
	"fmt"

	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Keys of the encoded checkpoint mapping.
const (
	KeyGlobalStep = "global_step"
	KeyModel      = "model"
	KeyOptimizer  = "optimizer"
	KeyBestLower  = "best_eval_measures_lower_better"
	KeyBestHigher = "best_eval_measures_higher_better"
	KeyBestSteps  = "best_eval_steps"
)

// #region file
// File is one checkpoint: opaque model and optimizer snapshots, the global
// step and, when present, the best-record state.
type File struct {
	GlobalStep int64
	Model      []byte
	Optimizer  []byte
	Best       *best.Records
}

// Marshal encodes f as a protobuf Struct.
func (f *File) Marshal() ([]byte, error) {
	fields := map[string]any{
		KeyGlobalStep: float64(f.GlobalStep),
		KeyModel:      base64.StdEncoding.EncodeToString(f.Model),
		KeyOptimizer:  base64.StdEncoding.EncodeToString(f.Optimizer),
	}
	if f.Best != nil {
		fields[KeyBestLower] = floatList(f.Best.Lower())
		fields[KeyBestHigher] = floatList(f.Best.Higher())
		steps := f.Best.Steps()
		list := make([]any, len(steps))
		for i, s := range steps {
			list[i] = float64(s)
		}
		fields[KeyBestSteps] = list
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a checkpoint. The global step and both snapshots are
// required; missing or malformed best-record keys leave Best nil.
func Unmarshal(b []byte) (*File, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	fields := s.GetFields()

	step, ok := fields[KeyGlobalStep].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, fmt.Errorf("checkpoint: missing %s", KeyGlobalStep)
	}
	f := &File{GlobalStep: int64(step.NumberValue)}

	var err error
	if f.Model, err = decodeBlob(fields, KeyModel); err != nil {
		return nil, err
	}
	if f.Optimizer, err = decodeBlob(fields, KeyOptimizer); err != nil {
		return nil, err
	}
	f.Best = decodeBest(fields)
	return f, nil
}

// #endregion file

// #region helpers
func floatList(vs []float64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func decodeBlob(fields map[string]*structpb.Value, key string) ([]byte, error) {
	v, ok := fields[key].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, fmt.Errorf("checkpoint: missing %s", key)
	}
	b, err := base64.StdEncoding.DecodeString(v.StringValue)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return b, nil
}

func numbers(fields map[string]*structpb.Value, key string) ([]float64, bool) {
	list := fields[key].GetListValue()
	if list == nil {
		return nil, false
	}
	out := make([]float64, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, false
		}
		out = append(out, n.NumberValue)
	}
	return out, true
}

func decodeBest(fields map[string]*structpb.Value) *best.Records {
	lower, ok := numbers(fields, KeyBestLower)
	if !ok {
		return nil
	}
	higher, ok := numbers(fields, KeyBestHigher)
	if !ok {
		return nil
	}
	rawSteps, ok := numbers(fields, KeyBestSteps)
	if !ok {
		return nil
	}
	steps := make([]int64, len(rawSteps))
	for i, s := range rawSteps {
		steps[i] = int64(s)
	}
	r, err := best.FromSplit(lower, higher, steps)
	if err != nil {
		return nil
	}
	return &r
}

// #endregion helpers
