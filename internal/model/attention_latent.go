package model

import "gonum.org/v1/gonum/mat"

// LatentAttention is multi-head latent attention. Keys and values are
// reconstructed per kv head from a compressed latent; only the latent and a
// shared rotary key are produced per token.
//
// Layouts:
//   - query (QB or Q) per head: [content(NopeDim) | rope(RopeDim)]
//   - KVA: [latent(KVLoraRank) | rope(RopeDim)], latent = [key(KRank) | value(VRank)]
//   - KVB per kv head: [key content(NopeDim) | value(ValueDim)]
type LatentAttention struct {
	NumHeads   int
	NumKVHeads int
	NopeDim    int
	RopeDim    int
	ValueDim   int

	QLoraRank  int
	KVLoraRank int
	KRank      int
	VRank      int

	// Either QA/QB (with optional QANorm) or Q is set.
	QA     *Linear
	QANorm *RMSNorm
	QB     *Linear
	Q      *Linear

	KVA     *Linear
	KVANorm *RMSNorm
	KVB     *Linear
	O       *Linear

	Rotary Rotary
	Scale  float64
}

func (a *LatentAttention) Kind() Kind { return KindLatent }

func (a *LatentAttention) Projections() map[Projection]*Linear {
	p := map[Projection]*Linear{ProjKVA: a.KVA}
	if a.QA != nil {
		p[ProjQA] = a.QA
	} else {
		p[ProjQuery] = a.Q
	}
	return p
}

func (a *LatentAttention) Parameters() int {
	n := a.QA.params() + a.QB.params() + a.Q.params() + a.KVA.params() + a.KVB.params() + a.O.params()
	if a.QANorm != nil {
		n += len(a.QANorm.Weight)
	}
	if a.KVANorm != nil {
		n += len(a.KVANorm.Weight)
	}
	return n
}

func (a *LatentAttention) CacheWidth() int { return a.KVLoraRank + a.RopeDim }

func (a *LatentAttention) Forward(x *mat.Dense, b *Batch) *mat.Dense {
	var q *mat.Dense
	if a.QA != nil {
		qa := a.QA.Forward(x)
		if a.QANorm != nil {
			qa = a.QANorm.Forward(qa)
		}
		q = a.QB.Forward(qa)
	} else {
		q = a.Q.Forward(x)
	}

	kva := a.KVA.Forward(x)
	latent := columns(kva, 0, a.KVLoraRank)
	pe := columns(kva, a.KVLoraRank, a.RopeDim)
	a.Rotary.rotateRows(pe, b)
	if a.KVANorm != nil {
		latent = a.KVANorm.Forward(latent)
	}
	kv := a.KVB.Forward(latent)

	c, dv, r := a.NopeDim, a.ValueDim, a.RopeDim
	ks := make([]*mat.Dense, a.NumKVHeads)
	vs := make([]*mat.Dense, a.NumKVHeads)
	for m := range ks {
		off := m * (c + dv)
		ks[m] = hcat(columns(kv, off, c), pe)
		vs[m] = columns(kv, off+c, dv)
	}
	qs := make([]*mat.Dense, a.NumHeads)
	for h := range qs {
		off := h * (c + r)
		qpe := columns(q, off+c, r)
		a.Rotary.rotateRows(qpe, b)
		qs[h] = hcat(columns(q, off, c), qpe)
	}
	return a.O.Forward(attend(b, qs, ks, vs, a.Scale))
}
