package model

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func tinyConfig() Config {
	return Config{
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
}

func maxAbsDiff(t *testing.T, a, b *mat.Dense) float64 {
	t.Helper()
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		t.Fatalf("shape mismatch: %dx%d vs %dx%d", ar, ac, br, bc)
	}
	var worst float64
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			d := a.At(i, j) - b.At(i, j)
			if d < 0 {
				d = -d
			}
			worst = max(worst, d)
		}
	}
	return worst
}

func randomIDs(rng *rand.Rand, n, t, vocab int) [][]int {
	out := make([][]int, n)
	for i := range out {
		out[i] = make([]int, t)
		for j := range out[i] {
			out[i][j] = rng.Intn(vocab)
		}
	}
	return out
}

func sliceRows(m *mat.Dense, from, to int) *mat.Dense {
	_, c := m.Dims()
	return mat.DenseCopyOf(m.Slice(from, to, 0, c))
}
