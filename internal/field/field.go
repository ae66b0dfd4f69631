package field

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when two arrays that must line up do not.
var ErrShapeMismatch = errors.New("shape mismatch")

// #region shape
// Shape describes a (batch, channel, height, width) layout stored row-major.
type Shape struct {
	N, C, H, W int
}

// Len returns the total number of elements.
func (s Shape) Len() int { return s.N * s.C * s.H * s.W }

// SampleLen returns the number of elements in one batch entry.
func (s Shape) SampleLen() int { return s.C * s.H * s.W }

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool { return s.N > 0 && s.C > 0 && s.H > 0 && s.W > 0 }

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.N, s.C, s.H, s.W)
}

// Decimated returns the shape left after taking every stride-th row and column.
func (s Shape) Decimated(stride int) Shape {
	return Shape{N: s.N, C: s.C, H: ceilDiv(s.H, stride), W: ceilDiv(s.W, stride)}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// #endregion shape

// #region field
// Field is a dense depth or disparity array.
type Field struct {
	Shape
	Data []float64
}

// New allocates a zero field.
func New(s Shape) *Field {
	return &Field{Shape: s, Data: make([]float64, s.Len())}
}

// FromData wraps data in a field after checking its length against the shape.
func FromData(s Shape, data []float64) (*Field, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid shape %s", s)
	}
	if len(data) != s.Len() {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(data), s)
	}
	return &Field{Shape: s, Data: data}, nil
}

// Full returns a field with every element set to v.
func Full(s Shape, v float64) *Field {
	f := New(s)
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

// Sample returns the slice backing batch entry i. Writes go through to f.
func (f *Field) Sample(i int) []float64 {
	n := f.SampleLen()
	return f.Data[i*n : (i+1)*n]
}

// At returns the element at (n, c, y, x).
func (f *Field) At(n, c, y, x int) float64 {
	return f.Data[((n*f.C+c)*f.H+y)*f.W+x]
}

// Set stores v at (n, c, y, x).
func (f *Field) Set(n, c, y, x int, v float64) {
	f.Data[((n*f.C+c)*f.H+y)*f.W+x] = v
}

// Clone returns a deep copy.
func (f *Field) Clone() *Field {
	out := &Field{Shape: f.Shape, Data: make([]float64, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// Scale returns a copy with every element multiplied by k.
func (f *Field) Scale(k float64) *Field {
	out := f.Clone()
	for i := range out.Data {
		out.Data[i] *= k
	}
	return out
}

// Reciprocal returns 1/x element-wise, converting depth to disparity and back.
func (f *Field) Reciprocal() *Field {
	out := f.Clone()
	for i, v := range out.Data {
		out.Data[i] = 1 / v
	}
	return out
}

// Decimate keeps every stride-th row and column, like x[:, :, ::stride, ::stride].
func (f *Field) Decimate(stride int) *Field {
	if stride <= 1 {
		return f
	}
	out := New(f.Shape.Decimated(stride))
	i := 0
	for n := 0; n < f.N; n++ {
		for c := 0; c < f.C; c++ {
			for y := 0; y < f.H; y += stride {
				for x := 0; x < f.W; x += stride {
					out.Data[i] = f.At(n, c, y, x)
					i++
				}
			}
		}
	}
	return out
}

// AllFinite reports whether no element is NaN or infinite.
func (f *Field) AllFinite() bool {
	for _, v := range f.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// #endregion field

// #region helpers
// Select returns the values whose mask entry is set.
func Select(values []float64, mask []bool) []float64 {
	out := make([]float64, 0, len(values))
	for i, ok := range mask {
		if ok {
			out = append(out, values[i])
		}
	}
	return out
}

// SameShape returns ErrShapeMismatch unless a and b are identical.
func SameShape(a, b Shape) error {
	if a != b {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a, b)
	}
	return nil
}

// #endregion helpers
