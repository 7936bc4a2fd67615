package convert

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/device"
	"github.com/23skdu/longbow-transmla/internal/metrics"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/pca"
)

// foldSlots lists, for one (group, fold), the key channels that make up the
// slot vector: slot i*collapse + r is kv head group*dim2head + i at
// frequency fold*collapse + r. real holds first-half channels, imag the
// matching second-half ones.
type foldSlots struct {
	real, imag []int
}

func slotsFor(a *model.StandardAttention, o RoPEOptions, group, fold int) foldSlots {
	d := a.HeadDim
	half := d / 2
	s := foldSlots{}
	for i := 0; i < o.Dim2Head; i++ {
		m := group*o.Dim2Head + i
		for r := 0; r < o.Collapse; r++ {
			j := fold*o.Collapse + r
			s.real = append(s.real, m*d+j)
			s.imag = append(s.imag, m*d+half+j)
		}
	}
	return s
}

// foldSamples turns key activations into slot samples: every row contributes
// its real and its imaginary components as two samples.
func foldSamples(keys []calib.Activation, s foldSlots) []*mat.Dense {
	out := make([]*mat.Dense, len(keys))
	for b, a := range keys {
		rows, _ := a.Data.Dims()
		x := mat.NewDense(2*rows, len(s.real), nil)
		for i := 0; i < rows; i++ {
			src := a.Data.RawRowView(i)
			re := x.RawRowView(i)
			im := x.RawRowView(rows + i)
			for k := range s.real {
				re[k] = src[s.real[k]]
				im[k] = src[s.imag[k]]
			}
		}
		out[b] = x
	}
	return out
}

// RemoveRoPE rotates each group of kv heads into a basis where the first
// RopeHead principal components of every frequency fold carry all the
// rotary embedding, and drops rotation from the rest.
//
// The key projection of the result emits one shared half-split rotary block
// of width P = groups*RopeHead*2*folds followed by a position free copy of
// every kv head. Pair p = (group*RopeHead + c)*folds + fold rotates with the
// first frequency of its fold. Query heads gain a matching rotary block,
// zero outside their own group.
func RemoveRoPE(a *model.StandardAttention, keys []calib.Activation, o RoPEOptions) (*model.RopelessAttention, error) {
	if err := o.Validate(a); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("remove rope: no key activations")
	}
	d := a.HeadDim
	if w := activationWidth(keys); w != a.NumKVHeads*d {
		return nil, fmt.Errorf("remove rope: key activations have %d features, want %d", w, a.NumKVHeads*d)
	}
	start := time.Now()

	half := d / 2
	folds := half / o.Collapse
	groups := a.NumKVHeads / o.Dim2Head
	rh := o.RopeHead
	pairs := groups * rh * folds
	p := 2 * pairs

	dev := o.Device
	if dev == nil {
		dev = device.NewCPU(0)
	}

	bases := make([][]*mat.Dense, groups)
	var g errgroup.Group
	g.SetLimit(dev.Workers())
	for gi := 0; gi < groups; gi++ {
		bases[gi] = make([]*mat.Dense, folds)
		for f := 0; f < folds; f++ {
			g.Go(func() error {
				b, err := pca.Compute(foldSamples(keys, slotsFor(a, o, gi, f)), dev)
				if err != nil {
					return fmt.Errorf("group %d fold %d: %w", gi, f, err)
				}
				bases[gi][f] = b.Vectors
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("remove rope: %w", err)
	}

	hidden := a.K.In()
	wk, wq := a.K.Weight, a.Q.Weight
	kNew := mat.NewDense(p+a.NumKVHeads*d, hidden, nil)
	qNew := mat.NewDense(a.NumHeads*(d+p), hidden, nil)
	perKV := a.NumHeads / a.NumKVHeads

	for h := 0; h < a.NumHeads; h++ {
		for j := 0; j < d; j++ {
			copy(qNew.RawRowView(h*(d+p)+j), wq.RawRowView(h*d+j))
		}
	}

	invFreq := make([]float64, pairs)
	for gi := 0; gi < groups; gi++ {
		for f := 0; f < folds; f++ {
			u := bases[gi][f]
			s := slotsFor(a, o, gi, f)
			n := len(s.real)

			for c := 0; c < rh; c++ {
				pair := (gi*rh+c)*folds + f
				invFreq[pair] = a.Rotary.InvFreq[f*o.Collapse]
				re, im := kNew.RawRowView(pair), kNew.RawRowView(pairs+pair)
				for k := 0; k < n; k++ {
					axpy(re, u.At(k, c), wk.RawRowView(s.real[k]))
					axpy(im, u.At(k, c), wk.RawRowView(s.imag[k]))
				}
			}

			addPositionFree(kNew.Slice(p, p+a.NumKVHeads*d, 0, hidden).(*mat.Dense), wk, u, s, rh)

			for h := 0; h < a.NumHeads; h++ {
				m := h / perKV
				if m/o.Dim2Head != gi {
					continue
				}
				i := m % o.Dim2Head
				base := h*(d+p) + d
				for c := 0; c < rh; c++ {
					pair := (gi*rh+c)*folds + f
					re, im := qNew.RawRowView(base+pair), qNew.RawRowView(base+pairs+pair)
					for r := 0; r < o.Collapse; r++ {
						j := f*o.Collapse + r
						w := u.At(i*o.Collapse+r, c)
						axpy(re, w, wq.RawRowView(h*d+j))
						axpy(im, w, wq.RawRowView(h*d+half+j))
					}
				}
			}
		}
	}

	out := &model.RopelessAttention{
		NumHeads:   a.NumHeads,
		NumKVHeads: a.NumKVHeads,
		HeadDim:    d,
		RopeDim:    p,
		Dim2Head:   o.Dim2Head,
		RopeHead:   rh,
		Collapse:   o.Collapse,
		Q:          model.NewLinear(qNew),
		K:          model.NewLinear(kNew),
		V:          model.NewLinear(a.V.Weight),
		O:          model.NewLinear(a.O.Weight),
		Rotary:     model.Rotary{InvFreq: invFreq},
		Scale:      a.Scale,
	}
	metrics.RecordTransform("remove_rope", time.Since(start))
	return out, nil
}

// addPositionFree writes the key rows projected onto the trailing principal
// components of a fold. dst is indexed like the original key projection.
func addPositionFree(dst, wk, u *mat.Dense, s foldSlots, rh int) {
	n := len(s.real)
	if rh == n {
		return
	}
	var proj mat.Dense
	tail := u.Slice(0, n, rh, n)
	proj.Mul(tail, tail.T())
	for k := 0; k < n; k++ {
		re, im := dst.RawRowView(s.real[k]), dst.RawRowView(s.imag[k])
		for k2 := 0; k2 < n; k2++ {
			axpy(re, proj.At(k, k2), wk.RawRowView(s.real[k2]))
			axpy(im, proj.At(k, k2), wk.RawRowView(s.imag[k2]))
		}
	}
}
