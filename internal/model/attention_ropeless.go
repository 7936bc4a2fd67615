package model

import "gonum.org/v1/gonum/mat"

// RopelessAttention keeps rotary embeddings on a small shared key block and
// leaves the remaining key channels position free.
//
// The query projection emits, per head, [nope(HeadDim) | pe(RopeDim)]. The key
// projection emits [pe(RopeDim) | nope(HeadDim) per kv head]. The pe block is
// one half-split rotary block shared by all kv heads.
type RopelessAttention struct {
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	RopeDim    int

	Dim2Head int
	RopeHead int
	Collapse int

	Q, K, V, O *Linear
	Rotary     Rotary
	Scale      float64
}

func (a *RopelessAttention) Kind() Kind { return KindRopeless }

func (a *RopelessAttention) Projections() map[Projection]*Linear {
	return map[Projection]*Linear{ProjQuery: a.Q, ProjKey: a.K, ProjValue: a.V}
}

func (a *RopelessAttention) Parameters() int {
	return a.Q.params() + a.K.params() + a.V.params() + a.O.params()
}

func (a *RopelessAttention) CacheWidth() int {
	return a.RopeDim + 2*a.NumKVHeads*a.HeadDim
}

func (a *RopelessAttention) Forward(x *mat.Dense, b *Batch) *mat.Dense {
	q := a.Q.Forward(x)
	k := a.K.Forward(x)
	v := a.V.Forward(x)

	d, p := a.HeadDim, a.RopeDim
	pe := columns(k, 0, p)
	a.Rotary.rotateRows(pe, b)

	ks := make([]*mat.Dense, a.NumKVHeads)
	vs := make([]*mat.Dense, a.NumKVHeads)
	for m := range ks {
		ks[m] = hcat(columns(k, p+m*d, d), pe)
		vs[m] = columns(v, m*d, d)
	}
	qs := make([]*mat.Dense, a.NumHeads)
	for h := range qs {
		off := h * (d + p)
		qpe := columns(q, off+d, p)
		a.Rotary.rotateRows(qpe, b)
		qs[h] = hcat(columns(q, off, d), qpe)
	}
	return a.O.Forward(attend(b, qs, ks, vs, a.Scale))
}
