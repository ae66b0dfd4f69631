package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type countingObserver struct {
	written map[string]int
	evicted map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{written: map[string]int{}, evicted: map[string]int{}}
}

func (o *countingObserver) CheckpointWritten(metric string) { o.written[metric]++ }
func (o *countingObserver) CheckpointEvicted(result string) { o.evicted[result]++ }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "ckpt"))
	require.NoError(t, err)
	return s
}

// #region file
func TestFileRoundTrip(t *testing.T) {
	r := best.NewRecords()
	r[metrics.Loss] = best.Record{Value: 0.25, Step: 3000}
	r[metrics.D1] = best.Record{Value: 0.875, Step: 4000}
	in := &File{GlobalStep: 4000, Model: []byte{1, 2, 3}, Optimizer: []byte("adamw"), Best: &r}

	b, err := in.Marshal()
	require.NoError(t, err)
	out, err := Unmarshal(b)
	require.NoError(t, err)

	assert.Equal(t, in.GlobalStep, out.GlobalStep)
	assert.Equal(t, in.Model, out.Model)
	assert.Equal(t, in.Optimizer, out.Optimizer)
	require.NotNil(t, out.Best)
	assert.Equal(t, r, *out.Best)
}

func TestLegacyFileHasNoBest(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		KeyGlobalStep: 1200.0,
		KeyModel:      "AQI=",
		KeyOptimizer:  "",
	})
	require.NoError(t, err)
	b, err := proto.Marshal(s)
	require.NoError(t, err)

	f, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), f.GlobalStep)
	assert.Equal(t, []byte{1, 2}, f.Model)
	assert.Nil(t, f.Best)
}

func TestMalformedBestDegradesToNil(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		KeyGlobalStep: 10.0,
		KeyModel:      "",
		KeyOptimizer:  "",
		KeyBestLower:  []any{1.0, 2.0},
		KeyBestHigher: []any{0.5, 0.6, 0.7},
		KeyBestSteps:  []any{1.0, 2.0, 3.0, 4.0, 5.0, 6.0, 7.0, 8.0, 9.0, 10.0},
	})
	require.NoError(t, err)
	b, err := proto.Marshal(s)
	require.NoError(t, err)

	f, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Nil(t, f.Best)
}

func TestUnmarshalRequiresStep(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{KeyModel: "", KeyOptimizer: ""})
	require.NoError(t, err)
	b, err := proto.Marshal(s)
	require.NoError(t, err)

	_, err = Unmarshal(b)
	assert.Error(t, err)
}

// #endregion file

// #region store
func TestNames(t *testing.T) {
	assert.Equal(t, "model-1500-best_abs_rel_0.12346", BestName(1500, "abs_rel", 0.123456))
	assert.Equal(t, "model-1500", PeriodicName(1500))
}

func TestStoreSaveLoadRemove(t *testing.T) {
	s := newTestStore(t)
	f := &File{GlobalStep: 7, Model: []byte("m"), Optimizer: []byte("o")}

	require.NoError(t, s.Save("model-7", f))
	got, err := s.Load("model-7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.GlobalStep)

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"model-7"}, names)

	removed, err := s.Remove("model-7")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Remove("model-7")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStoreListSkipsStrayFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "model-3.tmp-123"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "events.out"), nil, 0o644))

	names, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStoreLoadMissing(t *testing.T) {
	_, err := newTestStore(t).Load("model-1")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// #endregion store

// #region keeper
func TestKeeperLeavesOneFilePerMetric(t *testing.T) {
	s := newTestStore(t)
	obs := newCountingObserver()
	k := NewKeeper(s, nil, obs)

	r := best.NewRecords()
	for round := 1; round <= 4; round++ {
		step := int64(round * 100)
		v := metrics.Vector{1 / float64(round), 10, 0.2, 0.1, 3, 1, 0.3, 0.5 + 0.1*float64(round), 0.9, 0.95}
		ims := best.Decide(r, v, step)
		r = r.Apply(ims)
		_, err := k.Apply(ims, &File{GlobalStep: step, Best: &r})
		require.NoError(t, err)
	}

	names, err := s.List()
	require.NoError(t, err)
	assert.Len(t, names, metrics.Count)
	assert.Contains(t, names, BestName(400, "loss", 0.25))
	assert.Contains(t, names, BestName(400, "d1", 0.9))
	assert.Contains(t, names, BestName(100, "rms", 3))

	assert.Equal(t, 4, obs.written["loss"])
	assert.Equal(t, 6, obs.evicted["removed"])

	f, err := s.Load(BestName(400, "loss", 0.25))
	require.NoError(t, err)
	require.NotNil(t, f.Best)
	assert.Equal(t, int64(400), f.Best[metrics.D1].Step)
}

func TestKeeperToleratesMissingSupersededFile(t *testing.T) {
	s := newTestStore(t)
	obs := newCountingObserver()
	k := NewKeeper(s, nil, obs)

	im := best.Improvement{Index: metrics.RMS, Metric: "rms", Previous: 3.2, PreviousStep: 100, Current: 3.0, Step: 200}
	outs, err := k.Apply([]best.Improvement{im}, &File{GlobalStep: 200})
	require.NoError(t, err)
	require.Len(t, outs, 1)

	assert.Equal(t, BestName(200, "rms", 3.0), outs[0].Written)
	assert.Equal(t, BestName(100, "rms", 3.2), outs[0].Evicted)
	assert.False(t, outs[0].Removed)
	assert.NoError(t, outs[0].EvictErr)
	assert.Equal(t, 1, obs.evicted["missing"])
}

func TestKeeperNeverEvictsTheFileItJustWrote(t *testing.T) {
	s := newTestStore(t)
	k := NewKeeper(s, nil, nil)

	// same step and a value equal at five decimals yields the same name
	im := best.Improvement{Index: metrics.Loss, Metric: "loss", Previous: 0.1000001, PreviousStep: 50, Current: 0.1, Step: 50}
	outs, err := k.Apply([]best.Improvement{im}, &File{GlobalStep: 50})
	require.NoError(t, err)
	assert.Empty(t, outs[0].Evicted)

	_, err = os.Stat(s.Path(outs[0].Written))
	assert.NoError(t, err)
}

func TestKeeperReportsWriteFailure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.RemoveAll(s.Dir))
	k := NewKeeper(s, nil, nil)

	im := best.Improvement{Index: metrics.Loss, Metric: "loss", Previous: best.LowerSentinel, Current: 0.3, Step: 10}
	outs, err := k.Apply([]best.Improvement{im}, &File{GlobalStep: 10})
	assert.Error(t, err)
	require.Len(t, outs, 1)
	assert.Empty(t, outs[0].Written)
}

func TestKeeperSavePeriodic(t *testing.T) {
	s := newTestStore(t)
	name, err := NewKeeper(s, nil, nil).SavePeriodic(&File{GlobalStep: 9000})
	require.NoError(t, err)
	assert.Equal(t, "model-9000", name)
}

// #endregion keeper
