// Package eval measures language modeling quality.
package eval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/simd"
)

var ErrNoTokens = errors.New("eval: no scored tokens")

// sequenceNLL returns the mean next-token negative log likelihood of every
// sequence in b, skipping labels equal to padID (padID < 0 disables that).
// Sequences without a scored label report ok=false.
func sequenceNLL(logits *mat.Dense, b *model.Batch, padID int) (nll []float64, ok []bool) {
	n, t := b.Size()
	nll = make([]float64, n)
	ok = make([]bool, n)
	for s := 0; s < n; s++ {
		var sum float64
		count := 0
		for i := 0; i+1 < t; i++ {
			label := b.InputIDs[s][i+1]
			if padID >= 0 && label == padID {
				continue
			}
			sum -= simd.LogSoftmaxAt(logits.RawRowView(s*t+i), label)
			count++
		}
		if count > 0 {
			nll[s] = sum / float64(count)
			ok[s] = true
		}
	}
	return nll, ok
}

// Loss is the mean over sequences of the per-sequence mean NLL of one batch.
func Loss(ctx context.Context, m *model.Model, b *model.Batch, padID int) (float64, error) {
	logits, err := m.Forward(ctx, b)
	if err != nil {
		return 0, err
	}
	nll, ok := sequenceNLL(logits, b, padID)
	var sum float64
	n := 0
	for i, v := range nll {
		if ok[i] {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, ErrNoTokens
	}
	return sum / float64(n), nil
}

// Perplexity is exp of the mean per-sequence NLL over all batches.
func Perplexity(ctx context.Context, m *model.Model, padID int, batches []model.Batch) (float64, error) {
	var sum float64
	n := 0
	for i := range batches {
		logits, err := m.Forward(ctx, &batches[i])
		if err != nil {
			return 0, fmt.Errorf("perplexity batch %d: %w", i, err)
		}
		nll, ok := sequenceNLL(logits, &batches[i], padID)
		for j, v := range nll {
			if ok[j] {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return 0, ErrNoTokens
	}
	return math.Exp(sum / float64(n)), nil
}
