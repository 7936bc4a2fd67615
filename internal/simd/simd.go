// Package simd holds the float64 inner loops of the model forward pass. Dot
// and AddScaled go through gonum's assembly kernels on platforms that have
// them.
package simd

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Dot returns a·b. The slices must have equal length.
func Dot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// AddScaled performs dst += alpha*s.
func AddScaled(dst []float64, alpha float64, s []float64) {
	floats.AddScaled(dst, alpha, s)
}

// Softmax normalises x in place. Entries at -Inf come out as exactly 0; a
// slice with no finite entry is left as all zeros.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := math.Inf(-1)
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}

	sum := 0.0
	for i, v := range x {
		x[i] = math.Exp(v - max)
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
}

// LogSoftmaxAt returns log(softmax(x)[idx]) without normalising x.
func LogSoftmaxAt(x []float64, idx int) float64 {
	return x[idx] - floats.LogSumExp(x)
}

func SiLU(v float64) float64 {
	return v / (1 + math.Exp(-v))
}
