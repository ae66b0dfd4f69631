package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeShard(t *testing.T, path string, arrays map[string]any) {
	t.Helper()
	w, err := npz.Create(path)
	require.NoError(t, err)
	for k, v := range arrays {
		require.NoError(t, w.Write(k+".npy", v))
	}
	require.NoError(t, w.Close())
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

const h, w = 2, 3

func TestOpenListsShardsInOrder(t *testing.T) {
	dir := t.TempDir()
	split := filepath.Join(dir, "train")
	require.NoError(t, os.MkdirAll(split, 0o755))

	for _, name := range []string{"b.npz", "a.npz"} {
		writeShard(t, filepath.Join(split, name), map[string]any{
			KeyImage: ramp(2*3*h*w, 0, 0.01),
			KeyDepth: ramp(2*h*w, 1, 0.5),
		})
	}
	require.NoError(t, os.WriteFile(filepath.Join(split, "notes.txt"), []byte("x"), 0o644))

	s, err := Open(dir, "train", h, w)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, filepath.Join(split, "a.npz"), s.files[0])

	b, err := s.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, 3, b.Image.C)
	assert.Equal(t, 1, b.Depth.C)
	assert.Equal(t, 1.5, b.Depth.At(0, 0, 0, 1))

	_, err = s.Batch(2)
	assert.Error(t, err)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, "missing", h, w)
	assert.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	_, err = Open(dir, "empty", h, w)
	assert.Error(t, err)

	_, err = Open(dir, "empty", 0, w)
	assert.Error(t, err)
}

func TestReadBatchSideChannelsAndMask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.npz")
	depth := make([]float32, h*w)
	for i := range depth {
		depth[i] = float32(i + 1)
	}
	mask := []bool{true, false, true, true, false, true}
	writeShard(t, path, map[string]any{
		KeyImage:     ramp(3*h*w, 0, 0.1),
		KeyDepth:     depth,
		KeyEmbedding: []float32{0.5, 0.25, 0.125, 1},
		KeyBBox:      ramp(4, 0, 1),
		KeyMask:      mask,
	})

	b, err := ReadBatch(path, h, w)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Size())
	assert.Equal(t, 6.0, b.Depth.At(0, 0, 1, 2))
	assert.Equal(t, []float64{0.5, 0.25, 0.125, 1}, b.Embedding.Data)
	assert.Equal(t, 4, b.BBox.Len())
	assert.Equal(t, mask, b.Mask.Data)
	assert.Equal(t, 4, b.Mask.Total())
}

func TestReadBatchDefaultMaskFromDepth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.npz")
	writeShard(t, path, map[string]any{
		KeyImage: ramp(3*h*w, 0, 0.1),
		KeyDepth: []float64{0, 1, 2, 0, 3, 4},
	})

	b, err := ReadBatch(path, h, w)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, true, false, true, true}, b.Mask.Data)
	assert.Zero(t, b.Embedding.Len())
}

func TestReadBatchUint8Mask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.npz")
	writeShard(t, path, map[string]any{
		KeyImage: ramp(3*h*w, 0, 0.1),
		KeyDepth: ramp(h*w, 1, 1),
		KeyMask:  []uint8{1, 1, 0, 0, 1, 0},
	})

	b, err := ReadBatch(path, h, w)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Mask.Total())
}

func TestReadBatchShapeErrors(t *testing.T) {
	dir := t.TempDir()

	odd := filepath.Join(dir, "odd.npz")
	writeShard(t, odd, map[string]any{
		KeyImage: ramp(3*h*w, 0, 0.1),
		KeyDepth: ramp(h*w+1, 1, 1),
	})
	_, err := ReadBatch(odd, h, w)
	assert.Error(t, err)

	mismatch := filepath.Join(dir, "mismatch.npz")
	writeShard(t, mismatch, map[string]any{
		KeyImage: ramp(2*3*h*w, 0, 0.1),
		KeyDepth: ramp(h*w, 1, 1),
	})
	_, err = ReadBatch(mismatch, h, w)
	assert.Error(t, err)

	noImage := filepath.Join(dir, "noimage.npz")
	writeShard(t, noImage, map[string]any{KeyDepth: ramp(h*w, 1, 1)})
	_, err = ReadBatch(noImage, h, w)
	assert.Error(t, err)
}

func TestLoadPredictions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preds.npz")
	writeShard(t, path, map[string]any{
		KeyDepth: ramp(2*h*w, 1, 1),
		KeyPred:  ramp(2*h*w, 2, 2),
	})

	depth, pred, mask, err := LoadPredictions(path, h, w)
	require.NoError(t, err)
	assert.Equal(t, 2, depth.N)
	assert.Equal(t, depth.Shape, pred.Shape)
	assert.Equal(t, 2*h*w, mask.Total())
	assert.Equal(t, 4.0, pred.Data[1])
}

func TestLoadPredictionsMissingPred(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preds.npz")
	writeShard(t, path, map[string]any{KeyDepth: ramp(h*w, 1, 1)})

	_, _, _, err := LoadPredictions(path, h, w)
	assert.Error(t, err)
}

func TestFieldShape(t *testing.T) {
	s, err := fieldShape([]int{2, 1, h, w}, 2*h*w, 1, h, w)
	require.NoError(t, err)
	assert.Equal(t, 2, s.N)

	s, err = fieldShape([]int{3, h, w}, 3*h*w, 1, h, w)
	require.NoError(t, err)
	assert.Equal(t, 3, s.N)

	s, err = fieldShape([]int{h, w}, h*w, 1, h, w)
	require.NoError(t, err)
	assert.Equal(t, 1, s.N)

	_, err = fieldShape([]int{7}, 7, 1, h, w)
	assert.Error(t, err)
}
