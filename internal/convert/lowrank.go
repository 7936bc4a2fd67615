package convert

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/device"
	"github.com/23skdu/longbow-transmla/internal/metrics"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/pca"
)

// selectPairs ranks the rotary pairs of the shared key block by activation
// energy and keeps the strongest n, returned in ascending index order along
// with the dropped ones.
func selectPairs(keys []calib.Activation, pairs, n int) (kept, dropped []int) {
	energy := make([]float64, pairs)
	for _, a := range keys {
		rows, _ := a.Data.Dims()
		for i := 0; i < rows; i++ {
			row := a.Data.RawRowView(i)
			for p := 0; p < pairs; p++ {
				energy[p] += row[p]*row[p] + row[pairs+p]*row[pairs+p]
			}
		}
	}
	order := make([]int, pairs)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return energy[order[i]] > energy[order[j]] })
	kept = append(kept, order[:n]...)
	dropped = append(dropped, order[n:]...)
	sort.Ints(kept)
	sort.Ints(dropped)
	return kept, dropped
}

// LowRankQKV factorizes a RoPE-removed attention module into multi-head
// latent attention.
//
// The QKMQADim/2 most energetic rotary pairs stay rotary and are cached
// as-is. The remaining pairs join the position free key content, which is
// compressed together with the values into a KVLoraRank wide latent using
// PCA bases of the calibration activations. With QLoraRank > 0 the query is
// compressed the same way.
func LowRankQKV(a *model.RopelessAttention, q, k, v []calib.Activation, o LowRankOptions) (*model.LatentAttention, error) {
	if err := o.Validate(a); err != nil {
		return nil, err
	}
	if len(k) == 0 || len(v) == 0 || (o.QLoraRank > 0 && len(q) == 0) {
		return nil, fmt.Errorf("low rank: missing calibration activations")
	}
	d, p, mqa := a.HeadDim, a.RopeDim, o.QKMQADim
	if w := activationWidth(k); w != p+a.NumKVHeads*d {
		return nil, fmt.Errorf("low rank: key activations have %d features, want %d", w, p+a.NumKVHeads*d)
	}
	if w := activationWidth(v); w != a.NumKVHeads*d {
		return nil, fmt.Errorf("low rank: value activations have %d features, want %d", w, a.NumKVHeads*d)
	}
	if o.QLoraRank > 0 {
		if w := activationWidth(q); w != a.NumHeads*(d+p) {
			return nil, fmt.Errorf("low rank: query activations have %d features, want %d", w, a.NumHeads*(d+p))
		}
	}
	start := time.Now()
	kr, vr, _ := SplitKVRank(o.KVLoraRank, o.BalanceKVRatio)

	half := p / 2
	kept, dropped := selectPairs(k, half, mqa/2)
	content := d + p - mqa

	// Key content columns: every kv head's position free key, then the
	// dropped rotary pairs (real halves, then imaginary halves).
	var contentCols []int
	for c := 0; c < a.NumKVHeads*d; c++ {
		contentCols = append(contentCols, p+c)
	}
	for _, pr := range dropped {
		contentCols = append(contentCols, pr)
	}
	for _, pr := range dropped {
		contentCols = append(contentCols, half+pr)
	}
	var ropeCols []int
	for _, pr := range kept {
		ropeCols = append(ropeCols, pr)
	}
	for _, pr := range kept {
		ropeCols = append(ropeCols, half+pr)
	}

	// Query rows per head: [nope | dropped re | dropped im | kept re | kept im].
	var qCols []int
	for h := 0; h < a.NumHeads; h++ {
		base := h * (d + p)
		for j := 0; j < d; j++ {
			qCols = append(qCols, base+j)
		}
		for _, c := range contentCols[a.NumKVHeads*d:] {
			qCols = append(qCols, base+d+c)
		}
		for _, c := range ropeCols {
			qCols = append(qCols, base+d+c)
		}
	}

	dev := o.Device
	if dev == nil {
		dev = device.NewCPU(0)
	}
	var keyBasis, valueBasis, queryBasis *pca.Basis
	var g errgroup.Group
	g.Go(func() (err error) {
		keyBasis, err = pca.Compute(gatherCols(k, contentCols), dev)
		return err
	})
	g.Go(func() (err error) {
		valueBasis, err = pca.Compute(calib.Matrices(v), dev)
		return err
	})
	if o.QLoraRank > 0 {
		g.Go(func() (err error) {
			queryBasis, err = pca.Compute(gatherCols(q, qCols), dev)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("low rank: %w", err)
	}

	vk, err := keyBasis.Top(kr)
	if err != nil {
		return nil, fmt.Errorf("low rank key basis: %w", err)
	}
	vv, err := valueBasis.Top(vr)
	if err != nil {
		return nil, fmt.Errorf("low rank value basis: %w", err)
	}

	var latK, latV mat.Dense
	latK.Mul(vk.T(), gatherRows(a.K.Weight, contentCols))
	latV.Mul(vv.T(), a.V.Weight)
	kva := stackRows(&latK, &latV, gatherRows(a.K.Weight, ropeCols))

	kvb := mat.NewDense(a.NumKVHeads*(content+d), kr+vr, nil)
	for m := 0; m < a.NumKVHeads; m++ {
		off := m * (content + d)
		for j := 0; j < d; j++ {
			copy(kvb.RawRowView(off + j)[:kr], vk.RawRowView(m*d+j))
			copy(kvb.RawRowView(off + content + j)[kr:], vv.RawRowView(m*d+j))
		}
		for e := 0; e < p-mqa; e++ {
			copy(kvb.RawRowView(off + d + e)[:kr], vk.RawRowView(a.NumKVHeads*d+e))
		}
	}

	invFreq := make([]float64, len(kept))
	for i, pr := range kept {
		invFreq[i] = a.Rotary.InvFreq[pr]
	}

	out := &model.LatentAttention{
		NumHeads:   a.NumHeads,
		NumKVHeads: a.NumKVHeads,
		NopeDim:    content,
		RopeDim:    mqa,
		ValueDim:   d,
		QLoraRank:  o.QLoraRank,
		KVLoraRank: kr + vr,
		KRank:      kr,
		VRank:      vr,
		KVA:        model.NewLinear(kva),
		KVB:        model.NewLinear(kvb),
		O:          model.NewLinear(a.O.Weight),
		Rotary:     model.Rotary{InvFreq: invFreq},
		Scale:      a.Scale,
	}

	wq := gatherRows(a.Q.Weight, qCols)
	if o.QLoraRank > 0 {
		vq, err := queryBasis.Top(o.QLoraRank)
		if err != nil {
			return nil, fmt.Errorf("low rank query basis: %w", err)
		}
		var qa mat.Dense
		qa.Mul(vq.T(), wq)
		out.QA = model.NewLinear(&qa)
		out.QB = model.NewLinear(vq)
		if o.UseQKVNorm {
			out.QANorm = model.NewRMSNorm(o.QLoraRank, o.RMSNormEps)
		}
	} else {
		out.Q = model.NewLinear(wq)
	}
	if o.UseQKVNorm {
		out.KVANorm = model.NewRMSNorm(kr+vr, o.RMSNormEps)
	}

	metrics.RecordTransform("low_rank_qkv", time.Since(start))
	return out, nil
}
