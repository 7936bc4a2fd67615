package model

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/simd"
)

// Kind tags the attention variant held by a layer.
type Kind int

const (
	KindStandard Kind = iota
	KindRopeless
	KindLatent
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindRopeless:
		return "rope_removed"
	case KindLatent:
		return "latent_mla"
	}
	return "unknown"
}

// Projection names an observation point inside an attention module.
type Projection string

const (
	ProjQuery Projection = "query"
	ProjKey   Projection = "key"
	ProjValue Projection = "value"
	ProjQA    Projection = "q_a_proj"
	ProjKVA   Projection = "kv_a_proj"
)

// Projections lists every observation point in a fixed order.
var Projections = []Projection{ProjQuery, ProjKey, ProjValue, ProjQA, ProjKVA}

// Attention is implemented by every attention variant a layer can hold.
type Attention interface {
	Kind() Kind
	// Forward maps normalized hidden states (B*T × hidden) to the attention
	// block output (B*T × hidden).
	Forward(x *mat.Dense, b *Batch) *mat.Dense
	// Projections returns the observable projections present in this module.
	Projections() map[Projection]*Linear
	// Parameters counts the weights held by the module.
	Parameters() int
	// CacheWidth is the number of values cached per token for generation.
	CacheWidth() int
}

// columns copies the [off, off+w) column block of m.
func columns(m *mat.Dense, off, w int) *mat.Dense {
	r, _ := m.Dims()
	return mat.DenseCopyOf(m.Slice(0, r, off, off+w))
}

// hcat concatenates matrices with equal row counts side by side.
func hcat(ms ...*mat.Dense) *mat.Dense {
	r, _ := ms[0].Dims()
	total := 0
	for _, m := range ms {
		_, c := m.Dims()
		total += c
	}
	out := mat.NewDense(r, total, nil)
	off := 0
	for _, m := range ms {
		_, c := m.Dims()
		if c == 0 {
			continue
		}
		out.Slice(0, r, off, off+c).(*mat.Dense).Copy(m)
		off += c
	}
	return out
}

// attend runs causal softmax attention with padding masked out. q holds one
// matrix per query head and k, v one per kv head; query head h reads kv head
// h / (len(q)/len(k)). Score i·j is scaled by scale. Padding query rows are
// left at zero.
func attend(b *Batch, q, k, v []*mat.Dense, scale float64) *mat.Dense {
	n, t := b.Size()
	heads := len(q)
	group := heads / len(k)
	_, dv := v[0].Dims()
	out := mat.NewDense(n*t, heads*dv, nil)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for s := 0; s < n; s++ {
		g.Go(func() error {
			base := s * t
			w := make([]float64, t)
			for h := 0; h < heads; h++ {
				qh, kh, vh := q[h], k[h/group], v[h/group]
				for i := 0; i < t; i++ {
					if !b.Valid(s, i) {
						continue
					}
					qi := qh.RawRowView(base + i)
					for j := 0; j <= i; j++ {
						if !b.Valid(s, j) {
							w[j] = math.Inf(-1)
							continue
						}
						w[j] = simd.Dot(qi, kh.RawRowView(base+j)) * scale
					}
					simd.Softmax(w[:i+1])
					dst := out.RawRowView(base + i)[h*dv : (h+1)*dv]
					for j := 0; j <= i; j++ {
						if w[j] != 0 {
							simd.AddScaled(dst, w[j], vh.RawRowView(base+j))
						}
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
