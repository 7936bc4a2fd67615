package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

func randomDense(rng *rand.Rand, r, c int, std float64) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return mat.NewDense(r, c, data)
}

// NewStandardAttention builds grouped-query attention from raw projection
// weights laid out Hugging Face style (rows = output channels).
func NewStandardAttention(cfg Config, q, k, v, o *mat.Dense) *StandardAttention {
	d := cfg.HeadDimension()
	return &StandardAttention{
		NumHeads:   cfg.NumAttentionHeads,
		NumKVHeads: cfg.NumKeyValueHeads,
		HeadDim:    d,
		Q:          NewLinear(q),
		K:          NewLinear(k),
		V:          NewLinear(v),
		O:          NewLinear(o),
		Rotary:     NewRotary(d, cfg.RopeTheta),
		Scale:      1 / math.Sqrt(float64(d)),
	}
}

// NewRandom builds a model with N(0, std) projections, N(0, 1) embeddings
// and unit norms. Useful for tests and smoke runs.
func NewRandom(cfg Config, rng *rand.Rand, std float64) *Model {
	d := cfg.HeadDimension()
	hidden := cfg.HiddenSize
	m := &Model{
		Config: cfg,
		Embed:  randomDense(rng, cfg.VocabSize, hidden, 1),
		Norm:   NewRMSNorm(hidden, cfg.RMSNormEps),
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		attn := NewStandardAttention(cfg,
			randomDense(rng, cfg.NumAttentionHeads*d, hidden, std),
			randomDense(rng, cfg.NumKeyValueHeads*d, hidden, std),
			randomDense(rng, cfg.NumKeyValueHeads*d, hidden, std),
			randomDense(rng, hidden, cfg.NumAttentionHeads*d, std),
		)
		mlp := &MLP{
			Gate: NewLinear(randomDense(rng, cfg.IntermediateSize, hidden, std)),
			Up:   NewLinear(randomDense(rng, cfg.IntermediateSize, hidden, std)),
			Down: NewLinear(randomDense(rng, hidden, cfg.IntermediateSize, std)),
		}
		m.Layers = append(m.Layers, NewLayer(attn,
			NewRMSNorm(hidden, cfg.RMSNormEps),
			NewRMSNorm(hidden, cfg.RMSNormEps),
			mlp))
	}
	if cfg.TieWordEmbeddings {
		m.LMHead = NewLinear(m.Embed)
	} else {
		m.LMHead = NewLinear(randomDense(rng, cfg.VocabSize, hidden, std))
	}
	return m
}
