package field

import "fmt"

// #region mask
// Mask marks the pixels of a field that take part in loss and metric computation.
type Mask struct {
	Shape
	Data []bool
}

// NewMask allocates an all-false mask.
func NewMask(s Shape) *Mask {
	return &Mask{Shape: s, Data: make([]bool, s.Len())}
}

// MaskFromData wraps data after checking its length against the shape.
func MaskFromData(s Shape, data []bool) (*Mask, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid shape %s", s)
	}
	if len(data) != s.Len() {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(data), s)
	}
	return &Mask{Shape: s, Data: data}, nil
}

// FullMask returns a mask with every pixel set.
func FullMask(s Shape) *Mask {
	m := NewMask(s)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// Sample returns the slice backing batch entry i.
func (m *Mask) Sample(i int) []bool {
	n := m.SampleLen()
	return m.Data[i*n : (i+1)*n]
}

// At returns the entry at (n, c, y, x).
func (m *Mask) At(n, c, y, x int) bool {
	return m.Data[((n*m.C+c)*m.H+y)*m.W+x]
}

// Set stores v at (n, c, y, x).
func (m *Mask) Set(n, c, y, x int, v bool) {
	m.Data[((n*m.C+c)*m.H+y)*m.W+x] = v
}

// Count returns the number of set pixels in batch entry i.
func (m *Mask) Count(i int) int {
	total := 0
	for _, ok := range m.Sample(i) {
		if ok {
			total++
		}
	}
	return total
}

// Total returns the number of set pixels across the batch.
func (m *Mask) Total() int {
	total := 0
	for _, ok := range m.Data {
		if ok {
			total++
		}
	}
	return total
}

// And returns the element-wise conjunction of m and o.
func (m *Mask) And(o *Mask) (*Mask, error) {
	if err := SameShape(m.Shape, o.Shape); err != nil {
		return nil, err
	}
	out := NewMask(m.Shape)
	for i := range m.Data {
		out.Data[i] = m.Data[i] && o.Data[i]
	}
	return out, nil
}

// Decimate keeps every stride-th row and column.
func (m *Mask) Decimate(stride int) *Mask {
	if stride <= 1 {
		return m
	}
	out := NewMask(m.Shape.Decimated(stride))
	i := 0
	for n := 0; n < m.N; n++ {
		for c := 0; c < m.C; c++ {
			for y := 0; y < m.H; y += stride {
				for x := 0; x < m.W; x += stride {
					out.Data[i] = m.At(n, c, y, x)
					i++
				}
			}
		}
	}
	return out
}

// StridedIndices returns the flat indices of set pixels that survive
// Decimate(stride), in the same order Decimate visits them.
func (m *Mask) StridedIndices(stride int) []int {
	if stride < 1 {
		stride = 1
	}
	var idx []int
	for n := 0; n < m.N; n++ {
		for c := 0; c < m.C; c++ {
			for y := 0; y < m.H; y += stride {
				for x := 0; x < m.W; x += stride {
					i := ((n*m.C+c)*m.H+y)*m.W + x
					if m.Data[i] {
						idx = append(idx, i)
					}
				}
			}
		}
	}
	return idx
}

// #endregion mask

// #region array
// Array is an n-dimensional side channel (embeddings, region boxes) that the
// core forwards to the model without interpreting it.
type Array struct {
	Shape []int
	Data  []float64
}

// Len returns the product of the dimensions.
func (a Array) Len() int {
	if len(a.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// #endregion array
