// Package pca builds orthonormal bases from calibration activations.
package pca

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/device"
	"github.com/23skdu/longbow-transmla/internal/metrics"
)

// DampingFactor scales the mean covariance diagonal added before the
// eigendecomposition.
const DampingFactor = 0.01

// minDamp keeps an all-zero covariance non-singular.
const minDamp = 1e-12

var ErrNoData = errors.New("pca: no activation batches")

// Basis holds eigenvectors as columns, sorted by descending eigenvalue.
type Basis struct {
	Vectors *mat.Dense
	Values  []float64
	Damp    float64
}

func (b *Basis) Dim() int { return len(b.Values) }

// Top returns the n × k matrix of the k leading eigenvectors.
func (b *Basis) Top(k int) (*mat.Dense, error) {
	n := b.Dim()
	if k < 1 || k > n {
		return nil, fmt.Errorf("pca: rank %d out of range [1, %d]", k, n)
	}
	return mat.DenseCopyOf(b.Vectors.Slice(0, n, 0, k)), nil
}

// Covariance accumulates XᵀX in float64 across batches.
type Covariance struct {
	n    int
	h    *mat.SymDense
	rows int
}

func NewCovariance(n int) *Covariance {
	return &Covariance{n: n, h: mat.NewSymDense(n, nil)}
}

func (c *Covariance) Add(x mat.Matrix) error {
	r, cols := x.Dims()
	if cols != c.n {
		return fmt.Errorf("pca: batch has %d features, want %d", cols, c.n)
	}
	c.h.SymRankK(c.h, 1, x.T())
	c.rows += r
	return nil
}

// Rows is the number of sample rows accumulated so far.
func (c *Covariance) Rows() int { return c.rows }

// Basis diagonalizes the damped covariance.
func (c *Covariance) Basis(dev device.Device) (*Basis, error) {
	start := time.Now()
	if dev != nil {
		dev.Synchronize()
	}

	var trace float64
	for i := 0; i < c.n; i++ {
		trace += c.h.At(i, i)
	}
	damp := DampingFactor * trace / float64(c.n)
	if damp < minDamp {
		damp = minDamp
	}
	h := mat.NewSymDense(c.n, nil)
	h.CopySym(c.h)
	for i := 0; i < c.n; i++ {
		h.SetSym(i, i, h.At(i, i)+damp)
	}

	var es mat.EigenSym
	if ok := es.Factorize(h, true); !ok {
		return nil, errors.New("pca: eigendecomposition did not converge")
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// gonum returns ascending eigenvalues.
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })

	out := &Basis{
		Vectors: mat.NewDense(c.n, c.n, nil),
		Values:  make([]float64, c.n),
		Damp:    damp,
	}
	for j, src := range order {
		out.Values[j] = values[src]
		for i := 0; i < c.n; i++ {
			out.Vectors.Set(i, j, vecs.At(i, src))
		}
	}

	if dev != nil {
		dev.Synchronize()
	}
	metrics.RecordPCA(damp, time.Since(start))
	return out, nil
}

// Compute builds a basis from a list of activation batches with equal
// feature counts.
func Compute(xs []*mat.Dense, dev device.Device) (*Basis, error) {
	if len(xs) == 0 {
		return nil, ErrNoData
	}
	_, n := xs[0].Dims()
	cov := NewCovariance(n)
	for i, x := range xs {
		if err := cov.Add(x); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return cov.Basis(dev)
}
