package model

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"google.golang.org/protobuf/types/known/structpb"
)

// Tensors travel as {"shape": [...], "data": base64 little-endian float32}.

// #region tensor-encoding
func encodeTensor(shape []int, data []float64) map[string]any {
	dims := make([]any, len(shape))
	for i, d := range shape {
		dims[i] = float64(d)
	}
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return map[string]any{
		"shape": dims,
		"data":  base64.StdEncoding.EncodeToString(buf),
	}
}

func encodeField(f *field.Field) map[string]any {
	if f == nil {
		return encodeTensor(nil, nil)
	}
	return encodeTensor([]int{f.N, f.C, f.H, f.W}, f.Data)
}

func encodeArray(a field.Array) map[string]any {
	return encodeTensor(a.Shape, a.Data)
}

func decodeTensor(v *structpb.Value) ([]int, []float64, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, nil, errors.New("missing tensor")
	}
	var shape []int
	size := 1
	for _, d := range s.GetFields()["shape"].GetListValue().GetValues() {
		n := int(d.GetNumberValue())
		shape = append(shape, n)
		size *= n
	}
	raw, err := base64.StdEncoding.DecodeString(s.GetFields()["data"].GetStringValue())
	if err != nil {
		return nil, nil, fmt.Errorf("tensor data: %w", err)
	}
	if len(shape) == 0 {
		size = 0
	}
	if len(raw) != size*4 {
		return nil, nil, fmt.Errorf("tensor data: %d bytes for shape %v", len(raw), shape)
	}
	data := make([]float64, size)
	for i := range data {
		data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return shape, data, nil
}

func decodeField(v *structpb.Value) (*field.Field, error) {
	shape, data, err := decodeTensor(v)
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 {
		return nil, fmt.Errorf("field needs 4 dims, got %v", shape)
	}
	return field.FromData(field.Shape{N: shape[0], C: shape[1], H: shape[2], W: shape[3]}, data)
}

// #endregion tensor-encoding

// #region bytes-encoding
func encodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(v *structpb.Value) ([]byte, error) {
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, errors.New("missing blob")
	}
	return base64.StdEncoding.DecodeString(sv.StringValue)
}

// #endregion bytes-encoding
