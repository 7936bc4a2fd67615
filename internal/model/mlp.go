package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/simd"
)

// MLP is the SwiGLU feed-forward block: down(silu(gate(x)) * up(x)).
type MLP struct {
	Gate, Up, Down *Linear
}

func (m *MLP) Forward(x *mat.Dense) *mat.Dense {
	g := m.Gate.Forward(x)
	u := m.Up.Forward(x)
	g.Apply(func(i, j int, v float64) float64 {
		return simd.SiLU(v) * u.At(i, j)
	}, g)
	return m.Down.Forward(g)
}
