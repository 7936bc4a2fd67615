package calib

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/model"
)

func tinyModel(seed int64) *model.Model {
	cfg := model.Config{
		HiddenSize:        16,
		IntermediateSize:  24,
		NumHiddenLayers:   2,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  2,
		HeadDim:           4,
		VocabSize:         20,
		RopeTheta:         10000,
		RMSNormEps:        1e-6,
	}
	return model.NewRandom(cfg, rand.New(rand.NewSource(seed)), 0.1)
}

func hookCount(m *model.Model) int {
	n := 0
	for _, l := range m.Layers {
		for _, lin := range l.Attention().Projections() {
			n += lin.HookCount()
		}
	}
	return n
}

type recordingSink struct {
	sets []*Set
	err  error
}

func (s *recordingSink) Write(_ context.Context, set *Set) error {
	s.sets = append(s.sets, set)
	return s.err
}

func TestRunCapturesAndMasks(t *testing.T) {
	m := tinyModel(1)
	batches := []model.Batch{
		model.NewBatch([][]int{{1, 2, 3, 4}, {5, 6}}, 0),
		model.NewBatch([][]int{{7, 8, 9}}, 0),
	}
	sink := &recordingSink{}

	set, err := Run(context.Background(), m, batches, WithPass("test"), WithSink(sink))
	require.NoError(t, err)
	assert.Equal(t, 0, hookCount(m), "hooks must be removed after the pass")
	require.Len(t, sink.sets, 1)
	assert.Equal(t, "test", set.Pass)
	assert.Equal(t, []model.Projection{model.ProjQuery, model.ProjKey, model.ProjValue}, set.Projections())
	assert.Equal(t, []int{0, 1}, set.Layers(model.ProjKey))

	keys, ok := set.Layer(model.ProjKey, 1)
	require.True(t, ok)
	require.Len(t, keys, 2)

	first := keys[0]
	r, c := first.Data.Dims()
	assert.Equal(t, 8, r)
	assert.Equal(t, 8, c) // 2 kv heads × 4
	assert.Equal(t, 4, first.SeqLen)
	assert.Equal(t, 6, first.ValidRows())

	for row, valid := range first.Valid {
		norm := mat.Norm(first.Data.RowView(row), 2)
		if valid {
			assert.Greater(t, norm, 0.0, "row %d", row)
		} else {
			assert.Equal(t, 0.0, norm, "padding row %d must be zeroed", row)
		}
	}

	_, ok = set.Layer(model.ProjKVA, 0)
	assert.False(t, ok, "absent projection is simply not observed")
	assert.Greater(t, set.Bytes(), int64(0))
	set.Release()
}

func TestRunMatchesDirectProjection(t *testing.T) {
	m := tinyModel(2)
	b := model.Batch{InputIDs: [][]int{{3, 1, 4, 1, 5}}}
	set, err := Run(context.Background(), m, []model.Batch{b})
	require.NoError(t, err)

	// The first layer's input is the raw embedding, so its value projection
	// can be recomputed directly.
	h := mat.NewDense(5, 16, nil)
	for i, id := range b.InputIDs[0] {
		h.SetRow(i, m.Embed.RawRowView(id))
	}
	l0 := m.Layers[0]
	want := l0.Attention().Projections()[model.ProjValue].Forward(l0.InputNorm.Forward(h))

	vals, ok := set.Layer(model.ProjValue, 0)
	require.True(t, ok)
	assert.True(t, mat.EqualApprox(want, vals[0].Data, 1e-12))
}

func TestRunRemovesHooksOnError(t *testing.T) {
	m := tinyModel(3)
	batches := []model.Batch{
		{InputIDs: [][]int{{1, 2}}},
		{InputIDs: [][]int{{1, 99}}}, // out of vocab
	}
	_, err := Run(context.Background(), m, batches)
	require.Error(t, err)
	assert.Equal(t, 0, hookCount(m))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, m, batches[:1])
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, hookCount(m))
}

func TestRunSinkError(t *testing.T) {
	m := tinyModel(4)
	boom := errors.New("disk full")
	_, err := Run(context.Background(), m, []model.Batch{{InputIDs: [][]int{{1}}}}, WithSink(&recordingSink{err: boom}))
	assert.ErrorIs(t, err, boom)
}

func TestRunNoBatches(t *testing.T) {
	_, err := Run(context.Background(), tinyModel(5), nil)
	assert.Error(t, err)
}
