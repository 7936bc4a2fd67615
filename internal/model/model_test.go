package model

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"derived head dim", func(c *Config) { c.HeadDim = 0 }, false},
		{"odd head dim", func(c *Config) { c.HeadDim = 3 }, true},
		{"kv heads not dividing", func(c *Config) { c.NumKeyValueHeads = 3 }, true},
		{"too many kv heads", func(c *Config) { c.NumKeyValueHeads = 8 }, true},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }, true},
		{"zero eps", func(c *Config) { c.RMSNormEps = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tinyConfig()
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestForwardShape(t *testing.T) {
	cfg := tinyConfig()
	m := NewRandom(cfg, rand.New(rand.NewSource(1)), 0.1)
	b := Batch{InputIDs: randomIDs(rand.New(rand.NewSource(2)), 3, 5, cfg.VocabSize)}

	logits, err := m.Forward(context.Background(), &b)
	require.NoError(t, err)
	r, c := logits.Dims()
	assert.Equal(t, 15, r)
	assert.Equal(t, cfg.VocabSize, c)
}

func TestForwardRejectsBadIDs(t *testing.T) {
	cfg := tinyConfig()
	m := NewRandom(cfg, rand.New(rand.NewSource(1)), 0.1)
	b := Batch{InputIDs: [][]int{{1, 2, cfg.VocabSize}}}
	_, err := m.Forward(context.Background(), &b)
	assert.Error(t, err)
}

func TestForwardCausal(t *testing.T) {
	cfg := tinyConfig()
	m := NewRandom(cfg, rand.New(rand.NewSource(3)), 0.2)
	ids := randomIDs(rand.New(rand.NewSource(4)), 1, 6, cfg.VocabSize)

	a := Batch{InputIDs: ids}
	la, err := m.Forward(context.Background(), &a)
	require.NoError(t, err)

	changed := [][]int{append([]int(nil), ids[0]...)}
	changed[0][5] = (changed[0][5] + 1) % cfg.VocabSize
	b := Batch{InputIDs: changed}
	lb, err := m.Forward(context.Background(), &b)
	require.NoError(t, err)

	// Rows 0..4 cannot see token 5.
	assert.Less(t, maxAbsDiff(t, sliceRows(la, 0, 5), sliceRows(lb, 0, 5)), 1e-12)
	assert.Greater(t, maxAbsDiff(t, sliceRows(la, 5, 6), sliceRows(lb, 5, 6)), 1e-9)
}

func TestForwardPaddingInvariance(t *testing.T) {
	cfg := tinyConfig()
	m := NewRandom(cfg, rand.New(rand.NewSource(5)), 0.2)
	short := []int{3, 7, 1}
	long := []int{4, 4, 9, 2, 11}

	alone := NewBatch([][]int{short}, 0)
	la, err := m.Forward(context.Background(), &alone)
	require.NoError(t, err)

	padded := NewBatch([][]int{short, long}, 0)
	require.Equal(t, []int{1, 1, 1, 0, 0}, padded.Mask[0])
	lp, err := m.Forward(context.Background(), &padded)
	require.NoError(t, err)

	assert.Less(t, maxAbsDiff(t, la, sliceRows(lp, 0, 3)), 1e-10)
}

func TestForwardCancelled(t *testing.T) {
	cfg := tinyConfig()
	m := NewRandom(cfg, rand.New(rand.NewSource(1)), 0.1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := Batch{InputIDs: [][]int{{1, 2}}}
	_, err := m.Forward(ctx, &b)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetAttentionSwap(t *testing.T) {
	cfg := tinyConfig()
	m := NewRandom(cfg, rand.New(rand.NewSource(1)), 0.1)
	l := m.Layers[0]
	orig := l.Attention()
	other := m.Layers[1].Attention()

	prev := l.SetAttention(other)
	assert.Same(t, orig, prev)
	assert.Same(t, other, l.Attention())
	assert.Equal(t, []Kind{KindStandard, KindStandard}, m.AttentionKinds())

	d := cfg.HeadDimension()
	wantParams := 2 * (2*cfg.HiddenSize*cfg.NumAttentionHeads*d + 2*cfg.HiddenSize*cfg.NumKeyValueHeads*d)
	assert.Equal(t, wantParams, m.AttentionParameters())
	assert.Equal(t, 2*cfg.NumKeyValueHeads*d, orig.CacheWidth())
}

func TestBatchCheck(t *testing.T) {
	b := Batch{InputIDs: [][]int{{1, 2}, {3}}}
	assert.Error(t, b.Check(10))

	b = Batch{InputIDs: [][]int{{1, 2}}, Mask: [][]int{{1, 1}, {1, 1}}}
	assert.Error(t, b.Check(10))

	b = NewBatch([][]int{{1, 2}, {3}}, 0)
	assert.NoError(t, b.Check(10))
	assert.Equal(t, []bool{true, true, true, false}, b.ValidRows())
}
