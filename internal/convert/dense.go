package convert

import (
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/calib"
)

func axpy(dst []float64, alpha float64, src []float64) {
	if alpha == 0 {
		return
	}
	for i, v := range src {
		dst[i] += alpha * v
	}
}

// gatherRows builds a matrix from the listed rows of w.
func gatherRows(w *mat.Dense, idx []int) *mat.Dense {
	_, c := w.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		copy(out.RawRowView(i), w.RawRowView(r))
	}
	return out
}

// gatherCols builds, per activation batch, a matrix of the listed columns.
func gatherCols(acts []calib.Activation, idx []int) []*mat.Dense {
	out := make([]*mat.Dense, len(acts))
	for b, a := range acts {
		r, _ := a.Data.Dims()
		m := mat.NewDense(r, len(idx), nil)
		for i := 0; i < r; i++ {
			src := a.Data.RawRowView(i)
			dst := m.RawRowView(i)
			for j, c := range idx {
				dst[j] = src[c]
			}
		}
		out[b] = m
	}
	return out
}

func stackRows(ms ...*mat.Dense) *mat.Dense {
	_, c := ms[0].Dims()
	total := 0
	for _, m := range ms {
		r, _ := m.Dims()
		total += r
	}
	out := mat.NewDense(total, c, nil)
	off := 0
	for _, m := range ms {
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			copy(out.RawRowView(off+i), m.RawRowView(i))
		}
		off += r
	}
	return out
}

func activationWidth(acts []calib.Activation) int {
	_, c := acts[0].Data.Dims()
	return c
}
