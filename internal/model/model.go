package model

import (
	"context"
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

type attentionSlot struct {
	Attention
}

// Layer is one pre-norm decoder block. The attention module sits behind an
// atomic pointer so a replacement is published with a single write.
type Layer struct {
	InputNorm *RMSNorm
	PostNorm  *RMSNorm
	MLP       *MLP

	attn atomic.Pointer[attentionSlot]
}

func NewLayer(attn Attention, inputNorm, postNorm *RMSNorm, mlp *MLP) *Layer {
	l := &Layer{InputNorm: inputNorm, PostNorm: postNorm, MLP: mlp}
	l.SetAttention(attn)
	return l
}

func (l *Layer) Attention() Attention {
	s := l.attn.Load()
	if s == nil {
		return nil
	}
	return s.Attention
}

// SetAttention swaps in a and returns the module it replaced.
func (l *Layer) SetAttention(a Attention) Attention {
	old := l.attn.Swap(&attentionSlot{a})
	if old == nil {
		return nil
	}
	return old.Attention
}

// Model is a Llama-family causal language model held in float64.
type Model struct {
	Config Config
	Embed  *mat.Dense // vocab × hidden
	Layers []*Layer
	Norm   *RMSNorm
	LMHead *Linear
}

// Forward returns logits (B*T × vocab) for the batch.
func (m *Model) Forward(ctx context.Context, b *Batch) (*mat.Dense, error) {
	if err := b.Check(m.Config.VocabSize); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	n, t := b.Size()
	_, hidden := m.Embed.Dims()
	h := mat.NewDense(n*t, hidden, nil)
	for s, ids := range b.InputIDs {
		for i, id := range ids {
			copy(h.RawRowView(s*t+i), m.Embed.RawRowView(id))
		}
	}

	for i, l := range m.Layers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		attn := l.Attention()
		h.Add(h, attn.Forward(l.InputNorm.Forward(h), b))
		h.Add(h, l.MLP.Forward(l.PostNorm.Forward(h)))
	}
	return m.LMHead.Forward(m.Norm.Forward(h)), nil
}

// AttentionKinds returns the variant held by each layer.
func (m *Model) AttentionKinds() []Kind {
	out := make([]Kind, len(m.Layers))
	for i, l := range m.Layers {
		out[i] = l.Attention().Kind()
	}
	return out
}

// AttentionParameters sums Parameters over all layers.
func (m *Model) AttentionParameters() int {
	n := 0
	for _, l := range m.Layers {
		n += l.Attention().Parameters()
	}
	return n
}
