// Package dataset reads training and evaluation batches stored as .npz shards,
// one batch per file.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sbinet/npyio/npz"
	"github.com/yufeng1707/Depth-Estimation/internal/field"
)

// Shard keys.
const (
	KeyImage     = "image"
	KeyDepth     = "depth"
	KeyEmbedding = "embedding"
	KeyBBox      = "bbox"
	KeyMask      = "mask"
	KeyPred      = "pred"
)

// #region batch
// Batch is one model input with its supervision.
type Batch struct {
	Image     *field.Field // N x 3 x H x W
	Depth     *field.Field // N x 1 x H x W, positive where valid
	Embedding field.Array
	BBox      field.Array
	Mask      *field.Mask // N x 1 x H x W
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return b.Depth.N }

// #endregion batch

// #region set
// Set is an ordered list of shards.
type Set struct {
	files []string
	h, w  int
}

// Open lists dir/split/*.npz. h and w give the image size used to reshape
// flattened arrays.
func Open(dir, split string, h, w int) (*Set, error) {
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("dataset: bad image size %dx%d", h, w)
	}
	root := filepath.Join(dir, split)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", root, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".npz") {
			files = append(files, filepath.Join(root, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("open dataset %s: no .npz shards", root)
	}
	sort.Strings(files)
	return &Set{files: files, h: h, w: w}, nil
}

// Len returns the number of batches.
func (s *Set) Len() int { return len(s.files) }

// Batch reads batch i.
func (s *Set) Batch(i int) (*Batch, error) {
	if i < 0 || i >= len(s.files) {
		return nil, fmt.Errorf("batch %d out of range [0, %d)", i, len(s.files))
	}
	b, err := ReadBatch(s.files[i], s.h, s.w)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %w", i, err)
	}
	return b, nil
}

// #endregion set

// #region read
// ReadBatch reads one shard. Embedding and bbox are optional; a missing mask
// selects every pixel with positive depth.
func ReadBatch(path string, h, w int) (*Batch, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	depth, err := readField(r, KeyDepth, 1, h, w)
	if err != nil {
		return nil, err
	}
	image, err := readField(r, KeyImage, 3, h, w)
	if err != nil {
		return nil, err
	}
	if image.N != depth.N || image.H != depth.H || image.W != depth.W {
		return nil, fmt.Errorf("%w: image %s, depth %s", field.ErrShapeMismatch, image.Shape, depth.Shape)
	}

	b := &Batch{Image: image, Depth: depth}
	if b.Embedding, err = readOptionalArray(r, KeyEmbedding); err != nil {
		return nil, err
	}
	if b.BBox, err = readOptionalArray(r, KeyBBox); err != nil {
		return nil, err
	}
	if has(r, KeyMask) {
		if b.Mask, err = readMask(r, KeyMask, depth.Shape); err != nil {
			return nil, err
		}
	} else {
		b.Mask = field.NewMask(depth.Shape)
		for i, v := range depth.Data {
			b.Mask.Data[i] = v > 0
		}
	}
	return b, nil
}

// LoadPredictions reads an offline evaluation dump holding depth, pred and
// optionally mask arrays of equal shape.
func LoadPredictions(path string, h, w int) (depth, pred *field.Field, mask *field.Mask, err error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	if depth, err = readField(r, KeyDepth, 1, h, w); err != nil {
		return nil, nil, nil, err
	}
	if pred, err = readField(r, KeyPred, 1, h, w); err != nil {
		return nil, nil, nil, err
	}
	if err = field.SameShape(depth.Shape, pred.Shape); err != nil {
		return nil, nil, nil, fmt.Errorf("predictions: %w", err)
	}
	if has(r, KeyMask) {
		mask, err = readMask(r, KeyMask, depth.Shape)
	} else {
		mask = field.FullMask(depth.Shape)
	}
	return depth, pred, mask, err
}

// #endregion read

// #region arrays
func entry(key string) string { return key + ".npy" }

func has(r *npz.Reader, key string) bool {
	for _, k := range r.Keys() {
		if k == entry(key) {
			return true
		}
	}
	return false
}

// readArray reads key as float64 whatever its stored float or integer dtype.
func readArray(r *npz.Reader, key string) (field.Array, error) {
	hdr := r.Header(entry(key))
	if hdr == nil {
		return field.Array{}, fmt.Errorf("read %s: %w", key, errMissing)
	}
	shape := append([]int(nil), hdr.Descr.Shape...)

	var data []float64
	switch hdr.Descr.Type {
	case "<f8", "f8":
		if err := r.Read(entry(key), &data); err != nil {
			return field.Array{}, fmt.Errorf("read %s: %w", key, err)
		}
	case "<f4", "f4":
		var raw []float32
		if err := r.Read(entry(key), &raw); err != nil {
			return field.Array{}, fmt.Errorf("read %s: %w", key, err)
		}
		data = make([]float64, len(raw))
		for i, v := range raw {
			data[i] = float64(v)
		}
	case "|u1", "u1":
		var raw []uint8
		if err := r.Read(entry(key), &raw); err != nil {
			return field.Array{}, fmt.Errorf("read %s: %w", key, err)
		}
		data = make([]float64, len(raw))
		for i, v := range raw {
			data[i] = float64(v)
		}
	default:
		return field.Array{}, fmt.Errorf("read %s: unsupported dtype %s", key, hdr.Descr.Type)
	}
	return field.Array{Shape: shape, Data: data}, nil
}

var errMissing = errors.New("missing array")

func readOptionalArray(r *npz.Reader, key string) (field.Array, error) {
	if !has(r, key) {
		return field.Array{}, nil
	}
	return readArray(r, key)
}

func readField(r *npz.Reader, key string, channels, h, w int) (*field.Field, error) {
	a, err := readArray(r, key)
	if err != nil {
		return nil, err
	}
	s, err := fieldShape(a.Shape, len(a.Data), channels, h, w)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return field.FromData(s, a.Data)
}

func readMask(r *npz.Reader, key string, want field.Shape) (*field.Mask, error) {
	hdr := r.Header(entry(key))
	if hdr == nil {
		return nil, fmt.Errorf("read %s: %w", key, errMissing)
	}
	var data []bool
	switch hdr.Descr.Type {
	case "|b1", "b1":
		if err := r.Read(entry(key), &data); err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
	default:
		a, err := readArray(r, key)
		if err != nil {
			return nil, err
		}
		data = make([]bool, len(a.Data))
		for i, v := range a.Data {
			data[i] = v != 0
		}
	}
	return field.MaskFromData(want, data)
}

// fieldShape maps a stored shape onto N x C x H x W. Flat and 2-D or 3-D
// arrays are laid out with the configured size.
func fieldShape(stored []int, n, channels, h, w int) (field.Shape, error) {
	switch len(stored) {
	case 4:
		return field.Shape{N: stored[0], C: stored[1], H: stored[2], W: stored[3]}, nil
	case 3:
		if stored[1] == h && stored[2] == w {
			return field.Shape{N: stored[0], C: 1, H: h, W: w}, nil
		}
	case 2:
		if stored[0] == h && stored[1] == w {
			return field.Shape{N: 1, C: 1, H: h, W: w}, nil
		}
	}
	per := channels * h * w
	if n == 0 || n%per != 0 {
		return field.Shape{}, fmt.Errorf("%d values do not fit %dx%dx%d samples", n, channels, h, w)
	}
	return field.Shape{N: n / per, C: channels, H: h, W: w}, nil
}

// #endregion arrays
