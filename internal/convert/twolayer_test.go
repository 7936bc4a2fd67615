package convert

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/eval"
	"github.com/23skdu/longbow-transmla/internal/model"
)

// Weights at this scale make attention a large share of the residual stream.
const attentionStd = 0.3

func meanLoss(t *testing.T, m *model.Model, batches []model.Batch) float64 {
	t.Helper()
	var sum float64
	for i := range batches {
		l, err := eval.Loss(context.Background(), m, &batches[i], -1)
		require.NoError(t, err)
		sum += l
	}
	return sum / float64(len(batches))
}

// dropAttention zeroes every output projection so each layer adds nothing
// from attention.
func dropAttention(m *model.Model) {
	for _, l := range m.Layers {
		var o *model.Linear
		switch a := l.Attention().(type) {
		case *model.StandardAttention:
			o = a.O
		case *model.RopelessAttention:
			o = a.O
		case *model.LatentAttention:
			o = a.O
		}
		o.Weight.Zero()
	}
}

// recipRMS is the mean over valid rows of 1/sqrt(mean(x²)+eps) on the first
// width columns.
func recipRMS(acts []calib.Activation, width int, eps float64) float64 {
	var sum float64
	n := 0
	for _, a := range acts {
		for i, ok := range a.Valid {
			if !ok {
				continue
			}
			var ss float64
			for _, x := range a.Data.RawRowView(i)[:width] {
				ss += x * x
			}
			sum += 1 / math.Sqrt(ss/float64(width)+eps)
			n++
		}
	}
	return sum / float64(n)
}

func removeRoPE(t *testing.T, m *model.Model, batches []model.Batch) {
	t.Helper()
	set := calibrate(t, m, batches)
	ro := RoPEOptions{Dim2Head: 2, RopeHead: 1, Collapse: 2}
	require.NoError(t, Splice(context.Background(), m, "remove_rope", RemoveRoPEBuilder(set, ro), 2))
	set.Release()
}

func TestTwoLayerConversion(t *testing.T) {
	for _, useNorm := range []bool{false, true} {
		cfg := testConfig(2, 4, 2, 8, 32)
		m := model.NewRandom(cfg, rand.New(rand.NewSource(99)), attentionStd)
		batches := randomBatches(100, 4, 2, 16, cfg.VocabSize, false)
		ctx := context.Background()
		before := meanLoss(t, m, batches)

		removeRoPE(t, m, batches)

		set := calibrate(t, m, batches)
		lo := LowRankOptions{
			QLoraRank:      4,
			KVLoraRank:     8,
			QKMQADim:       2,
			Collapse:       2,
			RopeHead:       1,
			BalanceKVRatio: 1,
			UseQKVNorm:     useNorm,
			RMSNormEps:     cfg.RMSNormEps,
		}
		require.NoError(t, Splice(ctx, m, "low_rank_qkv", LowRankBuilder(set, lo), 2))

		for i, l := range m.Layers {
			la, ok := l.Attention().(*model.LatentAttention)
			require.True(t, ok, "layer %d", i)
			assert.Equal(t, 4, la.QA.Out())
			assert.Equal(t, 4, la.QB.In())
			assert.Equal(t, 8, la.KVLoraRank)
			assert.Equal(t, 10, la.KVA.Out())
			assert.Equal(t, 10, la.CacheWidth())
			// 2 kv heads × (content 8+4-2 + value 8)
			assert.Equal(t, 36, la.KVB.Out())
			assert.Equal(t, useNorm, la.KVANorm != nil)
		}

		if !useNorm {
			after := meanLoss(t, m, batches)
			assert.InDelta(t, before, after, 0.5)
			continue
		}

		unit := forwardAll(t, m, batches)
		set = calibrate(t, m, batches)
		require.NoError(t, RecalibrateModel(m, set))
		for i, l := range m.Layers {
			la := l.Attention().(*model.LatentAttention)
			qa, ok := set.Layer(model.ProjQA, i)
			require.True(t, ok)
			kva, ok := set.Layer(model.ProjKVA, i)
			require.True(t, ok)

			wantQ := recipRMS(qa, 4, cfg.RMSNormEps)
			wantKV := recipRMS(kva, 8, cfg.RMSNormEps)
			for _, g := range la.QANorm.Weight {
				assert.InDelta(t, wantQ, g, 1e-12, "layer %d", i)
			}
			for _, g := range la.KVANorm.Weight {
				assert.InDelta(t, wantKV, g, 1e-12, "layer %d", i)
			}
			assert.NotEqual(t, 1.0, la.KVANorm.Weight[0])
		}
		// New gains must reach the forward pass.
		assert.Greater(t, maxDiff(unit, forwardAll(t, m, batches)), 1e-6)
		loss := meanLoss(t, m, batches)
		assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	}
}

// At full latent width the converted model must track the RoPE-removed model
// exactly, while removing attention moves both logits and loss.
func TestConversionTracksAttention(t *testing.T) {
	cfg := testConfig(2, 4, 2, 8, 32)
	m := model.NewRandom(cfg, rand.New(rand.NewSource(7)), attentionStd)
	batches := randomBatches(8, 4, 2, 16, cfg.VocabSize, false)

	removeRoPE(t, m, batches)
	ropeless := forwardAll(t, m, batches)
	ropelessLoss := meanLoss(t, m, batches)

	set := calibrate(t, m, batches)
	// key 2×8 nope + 4 rotary - 4 shared = 16, value 16
	lo := LowRankOptions{KVLoraRank: 32, QKMQADim: 4, Collapse: 2, RopeHead: 1, BalanceKVRatio: 1}
	require.NoError(t, Splice(context.Background(), m, "low_rank_qkv", LowRankBuilder(set, lo), 2))
	la := m.Layers[0].Attention().(*model.LatentAttention)
	require.Equal(t, 16, la.KRank)
	require.Equal(t, 16, la.VRank)

	converted := forwardAll(t, m, batches)
	convertedLoss := meanLoss(t, m, batches)
	assert.Less(t, maxDiff(ropeless, converted), 1e-6)
	assert.InDelta(t, ropelessLoss, convertedLoss, 1e-6)

	dropAttention(m)
	dropped := forwardAll(t, m, batches)
	assert.Greater(t, maxDiff(ropeless, dropped), 1.0)
	assert.Greater(t, math.Abs(meanLoss(t, m, batches)-ropelessLoss), 1e-3)
}
