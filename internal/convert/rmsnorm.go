package convert

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/model"
)

// normGain is the mean, over real tokens, of 1/sqrt(mean(x²)+eps) taken over
// columns [off, off+width).
func normGain(acts []calib.Activation, off, width int, eps float64) (float64, error) {
	var sum float64
	n := 0
	for _, a := range acts {
		for i, valid := range a.Valid {
			if !valid {
				continue
			}
			row := a.Data.RawRowView(i)[off : off+width]
			var ss float64
			for _, x := range row {
				ss += x * x
			}
			sum += 1 / math.Sqrt(ss/float64(width)+eps)
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("no valid rows")
	}
	return sum / float64(n), nil
}

// RecalibrateNorms sets the latent norm gains of a so that, on average over
// the calibration tokens, the norms leave activation scale unchanged. qa
// holds q_a_proj outputs and may be empty; kva holds kv_a_proj outputs, of
// which only the latent slice is used.
func RecalibrateNorms(a *model.LatentAttention, qa, kva []calib.Activation) error {
	if a.QANorm != nil && len(qa) > 0 {
		g, err := normGain(qa, 0, a.QLoraRank, a.QANorm.Eps)
		if err != nil {
			return fmt.Errorf("q_a_layernorm: %w", err)
		}
		a.QANorm.Fill(g)
	}
	if a.KVANorm == nil {
		return nil
	}
	if len(kva) == 0 {
		return fmt.Errorf("kv_a_layernorm: no kv_a_proj activations")
	}
	g, err := normGain(kva, 0, a.KVLoraRank, a.KVANorm.Eps)
	if err != nil {
		return fmt.Errorf("kv_a_layernorm: %w", err)
	}
	a.KVANorm.Fill(g)
	return nil
}
