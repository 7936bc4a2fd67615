package activations

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/model"
)

func calibrated(t *testing.T) *calib.Set {
	t.Helper()
	cfg := model.Config{
		HiddenSize: 16, IntermediateSize: 32, NumHiddenLayers: 2,
		NumAttentionHeads: 4, NumKeyValueHeads: 2, HeadDim: 4,
		VocabSize: 20, RopeTheta: 10000, RMSNormEps: 1e-6,
	}
	m := model.NewRandom(cfg, rand.New(rand.NewSource(1)), 0.1)
	batches := []model.Batch{
		model.NewBatch([][]int{{1, 2, 3, 4, 5}, {6, 7}}, 0),
		model.NewBatch([][]int{{8, 9, 10}}, 0),
	}
	set, err := calib.Run(context.Background(), m, batches, calib.WithPass("original"))
	require.NoError(t, err)
	return set
}

// float32Close compares after the float32 narrowing applied on export.
func float32Close(t *testing.T, want, got *mat.Dense) {
	t.Helper()
	r, c := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, []int{r, c}, []int{gr, gc})
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.Equal(t, float64(float32(want.At(i, j))), got.At(i, j))
		}
	}
}

func TestDirSinkRoundTrip(t *testing.T) {
	set := calibrated(t)
	dir := t.TempDir()
	require.NoError(t, NewDirSink(dir).Write(context.Background(), set))

	for _, p := range set.Projections() {
		for _, layer := range set.Layers(p) {
			want, _ := set.Layer(p, layer)
			k, got, err := ReadFile(filepath.Join(dir, FileName(Key{Pass: "original", Projection: p, Layer: layer})))
			require.NoError(t, err)
			assert.Equal(t, Key{Pass: "original", Projection: p, Layer: layer}, k)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, i, got[i].Batch)
				assert.Equal(t, want[i].SeqLen, got[i].SeqLen)
				assert.Equal(t, want[i].Valid, got[i].Valid)
				float32Close(t, want[i].Data, got[i].Data)
			}
		}
	}
}

func TestReadFileMissing(t *testing.T) {
	_, _, err := ReadFile(filepath.Join(t.TempDir(), "none.arrow"))
	assert.Error(t, err)
}

func TestFlightPublisherToCollector(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(dir)
	srv, err := c.Serve("localhost:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	pub, err := NewFlightPublisher(srv.Addr().String())
	require.NoError(t, err)
	defer pub.Close()

	set := calibrated(t)
	require.NoError(t, pub.Write(context.Background(), set))

	n := 0
	for _, p := range set.Projections() {
		n += len(set.Layers(p))
	}
	keys := c.Streams()
	require.Len(t, keys, n)
	assert.Equal(t, "original", keys[0].Pass)

	want, ok := set.Layer(model.ProjKey, 1)
	require.True(t, ok)
	k, got, err := ReadFile(filepath.Join(dir, FileName(Key{Pass: "original", Projection: model.ProjKey, Layer: 1})))
	require.NoError(t, err)
	assert.Equal(t, 1, k.Layer)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].SeqLen, got[i].SeqLen)
		assert.Equal(t, want[i].Valid, got[i].Valid)
		float32Close(t, want[i].Data, got[i].Data)
	}
}

func TestNewFlightPublisherEmptyAddr(t *testing.T) {
	_, err := NewFlightPublisher("")
	assert.Error(t, err)
}

type countingSink struct{ n int }

func (s *countingSink) Write(context.Context, *calib.Set) error {
	s.n++
	return nil
}

func TestTee(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	require.NoError(t, Tee(a, b).Write(context.Background(), calibrated(t)))
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
