package model

import "fmt"

// Batch is a rectangular block of token ids. Rows of every activation matrix
// are laid out sequence-major: row = s*T + t.
type Batch struct {
	InputIDs [][]int
	// Mask marks real tokens with 1 and padding with 0. nil means no padding.
	Mask [][]int
	// Positions overrides the rotary position of each token. nil means 0..T-1.
	Positions [][]int
}

// NewBatch right-pads seqs to the longest one and builds the mask.
func NewBatch(seqs [][]int, padID int) Batch {
	longest := 0
	for _, s := range seqs {
		longest = max(longest, len(s))
	}
	b := Batch{
		InputIDs: make([][]int, len(seqs)),
		Mask:     make([][]int, len(seqs)),
	}
	for i, s := range seqs {
		ids := make([]int, longest)
		mask := make([]int, longest)
		for t := range ids {
			if t < len(s) {
				ids[t] = s[t]
				mask[t] = 1
			} else {
				ids[t] = padID
			}
		}
		b.InputIDs[i] = ids
		b.Mask[i] = mask
	}
	return b
}

// Size returns the number of sequences and the padded length.
func (b *Batch) Size() (int, int) {
	if len(b.InputIDs) == 0 {
		return 0, 0
	}
	return len(b.InputIDs), len(b.InputIDs[0])
}

func (b *Batch) Valid(s, t int) bool {
	return b.Mask == nil || b.Mask[s][t] != 0
}

func (b *Batch) Position(s, t int) int {
	if b.Positions != nil {
		return b.Positions[s][t]
	}
	return t
}

// ValidRows flattens the mask to one flag per activation row.
func (b *Batch) ValidRows() []bool {
	n, t := b.Size()
	out := make([]bool, n*t)
	for s := 0; s < n; s++ {
		for i := 0; i < t; i++ {
			out[s*t+i] = b.Valid(s, i)
		}
	}
	return out
}

// Check verifies the batch is rectangular and every id is below vocab.
func (b *Batch) Check(vocab int) error {
	n, t := b.Size()
	if n == 0 || t == 0 {
		return fmt.Errorf("empty batch")
	}
	if b.Mask != nil && len(b.Mask) != n {
		return fmt.Errorf("mask has %d rows, want %d", len(b.Mask), n)
	}
	if b.Positions != nil && len(b.Positions) != n {
		return fmt.Errorf("positions has %d rows, want %d", len(b.Positions), n)
	}
	for s, ids := range b.InputIDs {
		if len(ids) != t {
			return fmt.Errorf("sequence %d has length %d, want %d", s, len(ids), t)
		}
		for _, id := range ids {
			if id < 0 || id >= vocab {
				return fmt.Errorf("token id %d out of range [0, %d)", id, vocab)
			}
		}
		if b.Mask != nil && len(b.Mask[s]) != t {
			return fmt.Errorf("mask row %d has length %d, want %d", s, len(b.Mask[s]), t)
		}
		if b.Positions != nil && len(b.Positions[s]) != t {
			return fmt.Errorf("positions row %d has length %d, want %d", s, len(b.Positions[s]), t)
		}
	}
	return nil
}
