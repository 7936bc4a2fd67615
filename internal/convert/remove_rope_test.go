package convert

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-transmla/internal/model"
)

func TestRemoveRoPEExactWithoutFolding(t *testing.T) {
	// collapse=1 and rope_head=dim2head keep every component rotary, which is
	// an orthogonal change of basis of the key space.
	cfg := testConfig(2, 4, 2, 8, 16)
	m := model.NewRandom(cfg, rand.New(rand.NewSource(1)), 0.3)
	cal := randomBatches(2, 3, 2, 10, cfg.VocabSize, false)
	eval := randomBatches(3, 2, 2, 12, cfg.VocabSize, false)
	want := forwardAll(t, m, eval)

	set := calibrate(t, m, cal)
	o := RoPEOptions{Dim2Head: 2, RopeHead: 2, Collapse: 1}
	require.NoError(t, Splice(context.Background(), m, "remove_rope", RemoveRoPEBuilder(set, o), 2))

	for _, k := range m.AttentionKinds() {
		assert.Equal(t, model.KindRopeless, k)
	}
	rl := m.Layers[0].Attention().(*model.RopelessAttention)
	// groups(1) * rope_head(2) * 2 * folds(4)
	assert.Equal(t, 16, rl.RopeDim)

	got := forwardAll(t, m, eval)
	assert.Less(t, maxDiff(want, got), 1e-9)
}

func TestRemoveRoPEExactAtFixedPosition(t *testing.T) {
	// With every token at the same position rotation cancels out, so the
	// rotary/position-free split must reproduce the original scores for any
	// folding.
	cases := []RoPEOptions{
		{Dim2Head: 2, RopeHead: 1, Collapse: 2},
		{Dim2Head: 1, RopeHead: 1, Collapse: 4},
		{Dim2Head: 2, RopeHead: 3, Collapse: 2},
	}
	for _, o := range cases {
		cfg := testConfig(2, 4, 2, 8, 16)
		m := model.NewRandom(cfg, rand.New(rand.NewSource(4)), 0.3)
		cal := randomBatches(5, 3, 2, 10, cfg.VocabSize, false)
		eval := randomBatches(6, 2, 2, 9, cfg.VocabSize, true)
		want := forwardAll(t, m, eval)

		set := calibrate(t, m, cal)
		require.NoError(t, Splice(context.Background(), m, "remove_rope", RemoveRoPEBuilder(set, o), 0))

		rl := m.Layers[1].Attention().(*model.RopelessAttention)
		groups := cfg.NumKeyValueHeads / o.Dim2Head
		folds := cfg.HeadDim / (2 * o.Collapse)
		assert.Equal(t, groups*o.RopeHead*2*folds, rl.RopeDim, "%+v", o)
		assert.Equal(t, rl.RopeDim/2, len(rl.Rotary.InvFreq))

		got := forwardAll(t, m, eval)
		assert.Less(t, maxDiff(want, got), 1e-9, "%+v", o)
	}
}

func TestRemoveRoPEFoldFrequencies(t *testing.T) {
	cfg := testConfig(1, 2, 2, 8, 16)
	m := model.NewRandom(cfg, rand.New(rand.NewSource(7)), 0.3)
	std := m.Layers[0].Attention().(*model.StandardAttention)
	set := calibrate(t, m, randomBatches(8, 2, 2, 8, cfg.VocabSize, false))
	keys, _ := set.Layer(model.ProjKey, 0)

	rl, err := RemoveRoPE(std, keys, RoPEOptions{Dim2Head: 1, RopeHead: 1, Collapse: 2})
	require.NoError(t, err)

	// two groups, one component, two folds: pairs (g0,f0) (g0,f1) (g1,f0) (g1,f1)
	f := std.Rotary.InvFreq
	assert.Equal(t, []float64{f[0], f[2], f[0], f[2]}, rl.Rotary.InvFreq)
	assert.Equal(t, std.Scale, rl.Scale)
	assert.Same(t, std.V.Weight, rl.V.Weight)
}

func TestRemoveRoPEErrors(t *testing.T) {
	cfg := testConfig(1, 4, 2, 8, 16)
	m := model.NewRandom(cfg, rand.New(rand.NewSource(1)), 0.3)
	std := m.Layers[0].Attention().(*model.StandardAttention)

	_, err := RemoveRoPE(std, nil, RoPEOptions{Dim2Head: 2, RopeHead: 1, Collapse: 2})
	assert.Error(t, err)

	_, err = RemoveRoPE(std, nil, RoPEOptions{Dim2Head: 2, RopeHead: 1, Collapse: 3})
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestSpliceLeavesModelOnFailure(t *testing.T) {
	cfg := testConfig(3, 4, 2, 8, 16)
	m := model.NewRandom(cfg, rand.New(rand.NewSource(1)), 0.3)
	before := make([]model.Attention, len(m.Layers))
	for i, l := range m.Layers {
		before[i] = l.Attention()
	}

	boom := errors.New("boom")
	build := func(_ context.Context, layer int, attn model.Attention) (model.Attention, error) {
		if layer == 2 {
			return nil, boom
		}
		return attn, nil
	}
	err := Splice(context.Background(), m, "test", build, 1)
	require.ErrorIs(t, err, boom)
	for i, l := range m.Layers {
		assert.Same(t, before[i], l.Attention())
	}
}

func TestSpliceRejectsWrongKind(t *testing.T) {
	cfg := testConfig(1, 4, 2, 8, 16)
	m := model.NewRandom(cfg, rand.New(rand.NewSource(1)), 0.3)
	set := calibrate(t, m, randomBatches(1, 1, 1, 4, cfg.VocabSize, false))
	err := Splice(context.Background(), m, "low_rank_qkv", LowRankBuilder(set, LowRankOptions{
		RopeHead: 1, KVLoraRank: 4, QKMQADim: 2, BalanceKVRatio: 1,
	}), 1)
	assert.Error(t, err)
	assert.Equal(t, model.KindStandard, m.Layers[0].Attention().Kind())
}
