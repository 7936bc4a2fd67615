package dataset

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/model"
)

// Tokenizer is the subset of tokenizer behavior the loaders need.
type Tokenizer interface {
	Tokenize(text string) []string
	ConvertTokensToString(tokens []string) string
	Encode(text string) []int
	PadID() int
}

type Options struct {
	MaxSeqLen int
	BatchSize int
	NSamples  int
	// VariedSeqLen uses records as they are instead of packing them up to
	// MaxSeqLen tokens.
	VariedSeqLen bool
}

// PrepareCalibration builds calibration batches. Unless VariedSeqLen is set,
// runs of records starting at a random index are joined with blank lines
// until they reach MaxSeqLen tokens, truncated, and the used records are
// removed from the pool. NSamples of the resulting texts are drawn with rng,
// tokenized, truncated to MaxSeqLen and right-padded per batch.
func PrepareCalibration(records []string, tok Tokenizer, o Options, rng *rand.Rand) ([]model.Batch, error) {
	if o.MaxSeqLen <= 0 || o.BatchSize <= 0 || o.NSamples <= 0 {
		return nil, fmt.Errorf("invalid calibration options %+v", o)
	}
	var data []string
	for _, r := range records {
		if len(r) > 0 {
			data = append(data, r)
		}
	}

	if !o.VariedSeqLen {
		data = packRecords(data, tok, o, rng)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no calibration samples of %d tokens could be built", o.MaxSeqLen)
	}

	perm := rng.Perm(len(data))
	if len(perm) > o.NSamples {
		perm = perm[:o.NSamples]
	}
	if len(perm) < o.NSamples {
		logger.Log.Warn("fewer calibration samples than requested", "requested", o.NSamples, "available", len(perm))
	}

	var batches []model.Batch
	for start := 0; start < len(perm); start += o.BatchSize {
		end := min(start+o.BatchSize, len(perm))
		seqs := make([][]int, 0, end-start)
		for _, idx := range perm[start:end] {
			ids := tok.Encode(data[idx])
			if len(ids) > o.MaxSeqLen {
				ids = ids[:o.MaxSeqLen]
			}
			if len(ids) == 0 {
				continue
			}
			seqs = append(seqs, ids)
		}
		if len(seqs) > 0 {
			batches = append(batches, model.NewBatch(seqs, tok.PadID()))
		}
	}
	return batches, nil
}

func packRecords(data []string, tok Tokenizer, o Options, rng *rand.Rand) []string {
	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}
	var out []string
	for len(out) < o.NSamples && len(indices) > 0 {
		start := rng.Intn(len(indices))
		idx := start
		var tokens []string
		for len(tokens) < o.MaxSeqLen && idx < len(indices) {
			sep := "\n\n"
			if len(tokens) == 0 {
				sep = ""
			}
			tokens = append(tokens, tok.Tokenize(sep+data[indices[idx]])...)
			idx++
		}
		indices = append(indices[:start], indices[idx:]...)
		if len(tokens) >= o.MaxSeqLen {
			out = append(out, tok.ConvertTokensToString(tokens[:o.MaxSeqLen]))
		}
	}
	return out
}

// PrepareTest joins all records with blank lines, tokenizes once and cuts the
// ids into full chunks of seqLen, batched without padding.
func PrepareTest(records []string, tok Tokenizer, seqLen, batchSize int) ([]model.Batch, error) {
	if seqLen <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("invalid test loader options seqlen=%d batch=%d", seqLen, batchSize)
	}
	ids := tok.Encode(strings.Join(records, "\n\n"))
	n := len(ids) / seqLen
	if n == 0 {
		return nil, fmt.Errorf("test split has %d tokens, fewer than one sequence of %d", len(ids), seqLen)
	}
	var batches []model.Batch
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		seqs := make([][]int, 0, end-start)
		for i := start; i < end; i++ {
			seqs = append(seqs, ids[i*seqLen:(i+1)*seqLen])
		}
		batches = append(batches, model.Batch{InputIDs: seqs})
	}
	return batches, nil
}
