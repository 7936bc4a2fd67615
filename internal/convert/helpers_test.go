package convert

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/model"
)

func testConfig(layers, heads, kvHeads, headDim, hidden int) model.Config {
	return model.Config{
		HiddenSize:        hidden,
		IntermediateSize:  2 * hidden,
		NumHiddenLayers:   layers,
		NumAttentionHeads: heads,
		NumKeyValueHeads:  kvHeads,
		HeadDim:           headDim,
		VocabSize:         32,
		RopeTheta:         10000,
		RMSNormEps:        1e-6,
	}
}

func randomBatches(seed int64, n, seqs, length, vocab int, zeroPositions bool) []model.Batch {
	rng := rand.New(rand.NewSource(seed))
	out := make([]model.Batch, n)
	for b := range out {
		ids := make([][]int, seqs)
		var pos [][]int
		for s := range ids {
			ids[s] = make([]int, length)
			for t := range ids[s] {
				ids[s][t] = rng.Intn(vocab)
			}
			if zeroPositions {
				pos = append(pos, make([]int, length))
			}
		}
		out[b] = model.Batch{InputIDs: ids, Positions: pos}
	}
	return out
}

func forwardAll(t *testing.T, m *model.Model, batches []model.Batch) []*mat.Dense {
	t.Helper()
	out := make([]*mat.Dense, len(batches))
	for i := range batches {
		l, err := m.Forward(context.Background(), &batches[i])
		require.NoError(t, err)
		out[i] = l
	}
	return out
}

func maxDiff(a, b []*mat.Dense) float64 {
	var worst float64
	for i := range a {
		var d mat.Dense
		d.Sub(a[i], b[i])
		worst = max(worst, mat.Norm(&d, math.Inf(1)))
	}
	return worst
}

func calibrate(t *testing.T, m *model.Model, batches []model.Batch) *calib.Set {
	t.Helper()
	set, err := calib.Run(context.Background(), m, batches)
	require.NoError(t, err)
	return set
}
