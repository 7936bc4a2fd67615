package model

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Rotary applies rotary position embeddings in the half-split layout: pair i
// is (v[i], v[i+n]) with n = len(InvFreq), rotated by pos*InvFreq[i].
type Rotary struct {
	InvFreq []float64
}

// NewRotary builds the standard frequency table theta^(-2i/dim).
func NewRotary(dim int, theta float64) Rotary {
	inv := make([]float64, dim/2)
	for i := range inv {
		inv[i] = math.Pow(theta, -2*float64(i)/float64(dim))
	}
	return Rotary{InvFreq: inv}
}

// Dim is the width of the rotated block.
func (r Rotary) Dim() int { return 2 * len(r.InvFreq) }

func (r Rotary) Rotate(v []float64, pos int) {
	n := len(r.InvFreq)
	for i, f := range r.InvFreq {
		s, c := math.Sincos(float64(pos) * f)
		x, y := v[i], v[i+n]
		v[i] = x*c - y*s
		v[i+n] = x*s + y*c
	}
}

// rotateRows rotates the leading Dim() columns of every row of m using the
// token position of that row in b.
func (r Rotary) rotateRows(m *mat.Dense, b *Batch) {
	if len(r.InvFreq) == 0 {
		return
	}
	_, t := b.Size()
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		r.Rotate(m.RawRowView(i), b.Position(i/t, i%t))
	}
}
