package gguf

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/d4l3k/go-bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	kv := map[string]interface{}{
		"general.architecture":                   "llama",
		"general.name":                           "tiny",
		"llama.block_count":                      uint32(2),
		"llama.attention.head_count":             int32(4),
		"llama.attention.layer_norm_rms_epsilon": float32(1e-5),
		"llama.rope.freq_base":                   float64(10000),
		"tokenizer.ggml.tokens":                  []string{"<unk>", "a", "b"},
		"tokenizer.ggml.scores":                  []float32{0, -1, -2},
	}
	tensors := []Tensor{
		{Name: "w", Shape: []uint64{3, 2}, Type: GGMLTypeF32, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "h", Shape: []uint64{5}, Type: GGMLTypeF16, Data: []float32{0.5, -1, 2, 0.25, 8}},
	}
	require.NoError(t, WriteFile(path, kv, tensors))
	return path
}

func TestWriteThenLoad(t *testing.T) {
	f, err := LoadFile(writeTestFile(t))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, Version, f.Header.Version)
	assert.Equal(t, uint64(2), f.Header.TensorCount)
	assert.Equal(t, "llama", f.Architecture())
	assert.Zero(t, f.DataOffset%DefaultAlignment)

	w, ok := f.Tensor("w")
	require.True(t, ok)
	rows, cols := w.Rows()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	vals, err := w.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, vals)

	h, ok := f.Tensor("h")
	require.True(t, ok)
	vals, err = h.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 2, 0.25, 8}, vals)

	toks, err := f.Strings("tokenizer.ggml.tokens")
	require.NoError(t, err)
	assert.Equal(t, []string{"<unk>", "a", "b"}, toks)

	r := f.Analyze()
	assert.Equal(t, "tiny", r.ModelName)
	assert.Equal(t, int64(11), r.TotalParameters)
	assert.Empty(t, r.Quantized)
	assert.Equal(t, []string{"missing"}, f.FindMissingTensors([]string{"w", "missing"}))
}

func TestHParams(t *testing.T) {
	f, err := LoadFile(writeTestFile(t))
	require.NoError(t, err)
	defer f.Close()

	hp := f.HParams()
	assert.Equal(t, int64(2), hp["block_count"])
	assert.Equal(t, int64(4), hp["attention_head_count"])
	assert.InDelta(t, 1e-5, hp["attention_layer_norm_rms_epsilon"], 1e-9)
	assert.Equal(t, float64(10000), hp["rope_freq_base"])
	_, leaked := hp["name"]
	assert.False(t, leaked, "general.* keys are not architecture params")
}

func TestBF16AndQuantized(t *testing.T) {
	want := []float32{1, -2, 0.5, 3}
	bf := &TensorInfo{Name: "b", Dimensions: []uint64{4}, Type: GGMLTypeBF16, Data: bfloat16.EncodeFloat32(want)}
	got, err := bf.Float32s()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	q := &TensorInfo{Name: "q", Dimensions: []uint64{256}, Type: GGMLTypeQ4_K, Data: make([]byte, 144)}
	_, err = q.Float32s()
	var qe ErrQuantized
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, GGMLTypeQ4_K, qe.Type)

	short := &TensorInfo{Name: "s", Dimensions: []uint64{4}, Type: GGMLTypeF32, Data: make([]byte, 8)}
	_, err = short.Float32s()
	assert.Error(t, err)
}

func TestLoadRejectsBadHeaders(t *testing.T) {
	dir := t.TempDir()
	header := func(magic, version uint32) string {
		p := filepath.Join(dir, "bad.gguf")
		buf := make([]byte, 24)
		binary.LittleEndian.PutUint32(buf, magic)
		binary.LittleEndian.PutUint32(buf[4:], version)
		require.NoError(t, os.WriteFile(p, buf, 0o644))
		return p
	}

	_, err := LoadFile(header(0xdeadbeef, 3))
	var me ErrInvalidMagic
	assert.ErrorAs(t, err, &me)

	_, err = LoadFile(header(Magic, 9))
	var ve ErrUnsupportedVersion
	assert.ErrorAs(t, err, &ve)

	tiny := filepath.Join(dir, "tiny.gguf")
	require.NoError(t, os.WriteFile(tiny, []byte("GGUF"), 0o644))
	_, err = LoadFile(tiny)
	assert.Error(t, err)
}

func TestLoadTruncated(t *testing.T) {
	path := writeTestFile(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	cut := filepath.Join(t.TempDir(), "cut.gguf")
	require.NoError(t, os.WriteFile(cut, data[:60], 0o644))
	_, err = LoadFile(cut)
	assert.Error(t, err)
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "x.gguf"), nil,
		[]Tensor{{Name: "w", Shape: []uint64{2, 2}, Type: GGMLTypeF32, Data: []float32{1}}})
	assert.Error(t, err)
}
