package model

import "gonum.org/v1/gonum/mat"

// StandardAttention is grouped-query attention with rotary embeddings on
// every query and key channel.
type StandardAttention struct {
	NumHeads   int
	NumKVHeads int
	HeadDim    int

	Q, K, V, O *Linear
	Rotary     Rotary
	Scale      float64
}

func (a *StandardAttention) Kind() Kind { return KindStandard }

func (a *StandardAttention) Projections() map[Projection]*Linear {
	return map[Projection]*Linear{ProjQuery: a.Q, ProjKey: a.K, ProjValue: a.V}
}

func (a *StandardAttention) Parameters() int {
	return a.Q.params() + a.K.params() + a.V.params() + a.O.params()
}

func (a *StandardAttention) CacheWidth() int { return 2 * a.NumKVHeads * a.HeadDim }

func (a *StandardAttention) Forward(x *mat.Dense, b *Batch) *mat.Dense {
	q := a.Q.Forward(x)
	k := a.K.Forward(x)
	v := a.V.Forward(x)

	d := a.HeadDim
	qs := make([]*mat.Dense, a.NumHeads)
	for h := range qs {
		qs[h] = columns(q, h*d, d)
		a.Rotary.rotateRows(qs[h], b)
	}
	ks := make([]*mat.Dense, a.NumKVHeads)
	vs := make([]*mat.Dense, a.NumKVHeads)
	for m := range ks {
		ks[m] = columns(k, m*d, d)
		a.Rotary.rotateRows(ks[m], b)
		vs[m] = columns(v, m*d, d)
	}
	return a.O.Forward(attend(b, qs, ks, vs, a.Scale))
}
