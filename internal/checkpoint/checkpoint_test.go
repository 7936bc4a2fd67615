package checkpoint

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/config"
	"github.com/23skdu/longbow-transmla/internal/convert"
	"github.com/23skdu/longbow-transmla/internal/gguf"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/safetensors"
	"github.com/23skdu/longbow-transmla/internal/tokenizer"
)

func tinyConfig() model.Config {
	return model.Config{
		Architectures:     []string{"LlamaForCausalLM"},
		ModelType:         "llama",
		HiddenSize:        32,
		IntermediateSize:  48,
		NumHiddenLayers:   2,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  2,
		HeadDim:           8,
		VocabSize:         16,
		RopeTheta:         10000,
		RMSNormEps:        1e-6,
	}
}

func tinyTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	vocab := []string{"<unk>", "<s>", "</s>"}
	for i := len(vocab); i < 16; i++ {
		vocab = append(vocab, fmt.Sprintf("▁w%d", i))
	}
	tok, err := tokenizer.FromVocab(vocab)
	require.NoError(t, err)
	tok.BOS, tok.EOS = 1, 2
	return tok
}

func testBatches(seed int64) []model.Batch {
	rng := rand.New(rand.NewSource(seed))
	out := make([]model.Batch, 3)
	for b := range out {
		ids := make([][]int, 2)
		for s := range ids {
			ids[s] = make([]int, 12)
			for i := range ids[s] {
				ids[s][i] = rng.Intn(16)
			}
		}
		out[b] = model.Batch{InputIDs: ids}
	}
	return out
}

func logits(t *testing.T, m *model.Model, batches []model.Batch) []*mat.Dense {
	t.Helper()
	out := make([]*mat.Dense, len(batches))
	for i := range batches {
		l, err := m.Forward(context.Background(), &batches[i])
		require.NoError(t, err)
		out[i] = l
	}
	return out
}

func maxDiff(a, b []*mat.Dense) float64 {
	var worst float64
	for i := range a {
		var d mat.Dense
		d.Sub(a[i], b[i])
		worst = max(worst, mat.Norm(&d, math.Inf(1)))
	}
	return worst
}

func roundTrip(t *testing.T, m *model.Model, dt safetensors.DType) *Checkpoint {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Save(dir, m, tinyTokenizer(t), dt))
	ck, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, FormatHF, ck.Format)
	return ck
}

func TestSaveLoadStandard(t *testing.T) {
	m := model.NewRandom(tinyConfig(), rand.New(rand.NewSource(1)), 0.05)
	batches := testBatches(2)

	ck := roundTrip(t, m, safetensors.F32)
	assert.Equal(t, []model.Kind{model.KindStandard, model.KindStandard}, ck.Model.AttentionKinds())
	assert.Equal(t, 1, ck.Tokenizer.BOS)
	assert.Less(t, maxDiff(logits(t, m, batches), logits(t, ck.Model, batches)), 1e-4)
}

func TestSaveLoadTiedEmbeddings(t *testing.T) {
	cfg := tinyConfig()
	cfg.TieWordEmbeddings = true
	m := model.NewRandom(cfg, rand.New(rand.NewSource(3)), 0.05)

	ck := roundTrip(t, m, safetensors.F32)
	assert.True(t, ck.Model.Config.TieWordEmbeddings)
	assert.Same(t, ck.Model.Embed, ck.Model.LMHead.Weight)
}

func TestSaveLoadConverted(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig()
	m := model.NewRandom(cfg, rand.New(rand.NewSource(4)), 0.05)
	batches := testBatches(5)

	set, err := calib.Run(ctx, m, batches)
	require.NoError(t, err)
	require.NoError(t, convert.Splice(ctx, m, "remove_rope",
		convert.RemoveRoPEBuilder(set, convert.RoPEOptions{Dim2Head: 2, RopeHead: 1, Collapse: 2}), 1))

	ck := roundTrip(t, m, safetensors.F32)
	assert.Equal(t, model.KindRopeless.String(), ck.Model.Config.AttentionType)
	rl, ok := ck.Model.Layers[0].Attention().(*model.RopelessAttention)
	require.True(t, ok)
	assert.Equal(t, 2, rl.Collapse)
	assert.Less(t, maxDiff(logits(t, m, batches), logits(t, ck.Model, batches)), 1e-4)

	set, err = calib.Run(ctx, m, batches)
	require.NoError(t, err)
	lo := convert.LowRankOptions{
		QLoraRank: 4, KVLoraRank: 8, QKMQADim: 2, Collapse: 2, RopeHead: 1,
		BalanceKVRatio: 1, UseQKVNorm: true, RMSNormEps: cfg.RMSNormEps,
	}
	require.NoError(t, convert.Splice(ctx, m, "low_rank_qkv", convert.LowRankBuilder(set, lo), 1))

	ck = roundTrip(t, m, safetensors.F32)
	got := ck.Model.Config
	assert.Equal(t, model.KindLatent.String(), got.AttentionType)
	assert.Equal(t, 4, got.QLoraRank)
	assert.Equal(t, 8, got.KVLoraRank)
	assert.Equal(t, 8, got.KVKRank+got.KVVRank)
	assert.Equal(t, 2, got.QKRopeHeadDim)
	assert.True(t, got.UseQKVNorm)
	la, ok := ck.Model.Layers[1].Attention().(*model.LatentAttention)
	require.True(t, ok)
	assert.NotNil(t, la.QANorm)
	assert.NotNil(t, la.KVANorm)
	assert.Less(t, maxDiff(logits(t, m, batches), logits(t, ck.Model, batches)), 1e-4)
}

func TestSaveDTypes(t *testing.T) {
	m := model.NewRandom(tinyConfig(), rand.New(rand.NewSource(6)), 0.05)
	for _, p := range []config.Precision{config.PrecisionFP32, config.PrecisionFP16, config.PrecisionBF16} {
		dt := DType(p)
		dir := t.TempDir()
		require.NoError(t, Save(dir, m, tinyTokenizer(t), dt))

		f, err := safetensors.Open(filepath.Join(dir, weightsFile))
		require.NoError(t, err)
		assert.Equal(t, dt, f.Tensors[embedName].DType, p.String())
		require.NoError(t, f.Close())

		_, err = Load(dir)
		require.NoError(t, err, p.String())
	}
}

func TestConfigForMixedLayers(t *testing.T) {
	m := model.NewRandom(tinyConfig(), rand.New(rand.NewSource(7)), 0.05)
	m.Layers[1].SetAttention(&model.RopelessAttention{})
	_, err := ConfigFor(m)
	assert.Error(t, err)
}

func TestUnpermuteInvertsPermute(t *testing.T) {
	vals := make([]float32, 16*3)
	for i := range vals {
		vals[i] = float32(i)
	}
	assert.Equal(t, vals, unpermute(permute(vals, 16, 3, 2), 16, 3, 2))
}

func writeGGUF(t *testing.T, m *model.Model, drop ...string) string {
	t.Helper()
	ts, err := ggufTensors(m, gguf.GGMLTypeF32)
	require.NoError(t, err)
	kept := ts[:0]
	for _, x := range ts {
		if !slices.Contains(drop, x.Name) {
			kept = append(kept, x)
		}
	}
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, gguf.WriteFile(path, ggufKV(m.Config, tinyTokenizer(t)), kept))
	return path
}

func TestSaveGGUF(t *testing.T) {
	m := model.NewRandom(tinyConfig(), rand.New(rand.NewSource(3)), 0.05)
	batches := testBatches(4)
	path := filepath.Join(t.TempDir(), "f16.gguf")
	require.NoError(t, SaveGGUF(path, m, tinyTokenizer(t), gguf.GGMLTypeF16))

	ck, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, ck.Tokenizer.BOS)
	assert.Less(t, maxDiff(logits(t, m, batches), logits(t, ck.Model, batches)), 5e-2)

	assert.Error(t, SaveGGUF(path, m, nil, gguf.GGMLTypeQ4_0))

	set, err := calib.Run(context.Background(), m, batches)
	require.NoError(t, err)
	ro := convert.RoPEOptions{Dim2Head: 2, RopeHead: 1, Collapse: 2}
	require.NoError(t, convert.Splice(context.Background(), m, "remove_rope", convert.RemoveRoPEBuilder(set, ro), 1))
	assert.Error(t, SaveGGUF(path, m, nil, gguf.GGMLTypeF32))
}

func TestLoadGGUF(t *testing.T) {
	m := model.NewRandom(tinyConfig(), rand.New(rand.NewSource(8)), 0.05)
	batches := testBatches(9)

	ck, err := Load(writeGGUF(t, m))
	require.NoError(t, err)
	assert.Equal(t, FormatGGUF, ck.Format)
	assert.Equal(t, 16, ck.Model.Config.VocabSize)
	assert.Equal(t, 2, ck.Model.Config.NumKeyValueHeads)
	assert.Equal(t, 2, ck.Tokenizer.PadID(), "pad falls back to eos")
	assert.Less(t, maxDiff(logits(t, m, batches), logits(t, ck.Model, batches)), 1e-4)
}

func TestLoadGGUFMissingTensors(t *testing.T) {
	m := model.NewRandom(tinyConfig(), rand.New(rand.NewSource(8)), 0.05)
	_, err := Load(writeGGUF(t, m, "blk.1.attn_v.weight", "blk.0.ffn_up.weight"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blk.1.attn_v.weight")
	assert.Contains(t, err.Error(), "blk.0.ffn_up.weight")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)

	t.Setenv("OLLAMA_MODELS", t.TempDir())
	_, err = Load("notamodel:latest")
	assert.Error(t, err)
}
