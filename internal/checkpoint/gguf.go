package checkpoint

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/23skdu/longbow-transmla/internal/gguf"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/tokenizer"
)

// ggufHParams holds the "<arch>."-scoped keys after gguf.HParams flattening.
type ggufHParams struct {
	BlockCount        int     `mapstructure:"block_count"`
	EmbeddingLength   int     `mapstructure:"embedding_length"`
	FeedForwardLength int     `mapstructure:"feed_forward_length"`
	HeadCount         int     `mapstructure:"attention_head_count"`
	HeadCountKV       int     `mapstructure:"attention_head_count_kv"`
	KeyLength         int     `mapstructure:"attention_key_length"`
	RMSNormEps        float64 `mapstructure:"attention_layer_norm_rms_epsilon"`
	RopeFreqBase      float64 `mapstructure:"rope_freq_base"`
	VocabSize         int     `mapstructure:"vocab_size"`
	ContextLength     int     `mapstructure:"context_length"`
}

func decodeHParams(f *gguf.GGUFFile) (ggufHParams, error) {
	var hp ggufHParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &hp,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return hp, err
	}
	if err := dec.Decode(f.HParams()); err != nil {
		return hp, fmt.Errorf("gguf hparams: %w", err)
	}
	return hp, nil
}

func ggufConfig(f *gguf.GGUFFile, hp ggufHParams) model.Config {
	cfg := model.Config{
		Architectures:     []string{"LlamaForCausalLM"},
		ModelType:         f.Architecture(),
		HiddenSize:        hp.EmbeddingLength,
		IntermediateSize:  hp.FeedForwardLength,
		NumHiddenLayers:   hp.BlockCount,
		NumAttentionHeads: hp.HeadCount,
		NumKeyValueHeads:  hp.HeadCountKV,
		HeadDim:           hp.KeyLength,
		VocabSize:         hp.VocabSize,
		RopeTheta:         hp.RopeFreqBase,
		RMSNormEps:        hp.RMSNormEps,
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000
	}
	if cfg.VocabSize == 0 {
		if t, ok := f.Tensor("token_embd.weight"); ok {
			cfg.VocabSize, _ = t.Rows()
		}
	}
	if _, ok := f.Tensor("output.weight"); !ok {
		cfg.TieWordEmbeddings = true
	}
	id := func(key string) *int {
		if v, ok := gguf.KVUint(f.KV, key); ok {
			n := int(v)
			return &n
		}
		return nil
	}
	cfg.BOSTokenID = id("tokenizer.ggml.bos_token_id")
	cfg.EOSTokenID = id("tokenizer.ggml.eos_token_id")
	cfg.PadTokenID = id("tokenizer.ggml.padding_token_id")
	return cfg
}

// ggufSource serves GGUF tensors under Hugging Face names, undoing the
// interleaved rotary row order llama.cpp applies to q and k.
type ggufSource struct {
	f       *gguf.GGUFFile
	heads   int
	kvHeads int
	names   map[string]string
}

func newGGUFSource(f *gguf.GGUFFile, cfg model.Config) *ggufSource {
	s := &ggufSource{f: f, heads: cfg.NumAttentionHeads, kvHeads: cfg.NumKeyValueHeads, names: map[string]string{
		embedName:  "token_embd.weight",
		normName:   "output_norm.weight",
		lmHeadName: "output.weight",
	}}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		for hf := range ggufNames {
			s.names[layerName(i, hf)] = ggufLayerName(i, hf)
		}
	}
	return s
}

func (s *ggufSource) has(name string) bool {
	_, ok := s.f.Tensor(s.names[name])
	return ok
}

func (s *ggufSource) float32s(name string) ([]float32, []int, error) {
	gname, ok := s.names[name]
	if !ok {
		return nil, nil, fmt.Errorf("no gguf tensor for %s", name)
	}
	t, ok := s.f.Tensor(gname)
	if !ok {
		return nil, nil, fmt.Errorf("gguf tensor %s not found", gname)
	}
	vals, err := t.Float32s()
	if err != nil {
		return nil, nil, err
	}
	rows, cols := t.Rows()
	switch {
	case strings.HasSuffix(gname, "attn_q.weight"):
		vals = unpermute(vals, rows, cols, s.heads)
	case strings.HasSuffix(gname, "attn_k.weight"):
		vals = unpermute(vals, rows, cols, s.kvHeads)
	}
	return vals, []int{rows, cols}, nil
}

// unpermute maps GGUF row h*d + 2i + s back to Hugging Face row
// h*d + s*d/2 + i.
func unpermute(vals []float32, rows, cols, heads int) []float32 {
	d := rows / heads
	out := make([]float32, len(vals))
	for h := 0; h < heads; h++ {
		for i := 0; i < d/2; i++ {
			for s := 0; s < 2; s++ {
				src := (h*d + 2*i + s) * cols
				dst := (h*d + s*d/2 + i) * cols
				copy(out[dst:dst+cols], vals[src:src+cols])
			}
		}
	}
	return out
}

// requiredGGUF lists the tensors a standard-attention GGUF must carry.
func requiredGGUF(cfg model.Config) []string {
	out := []string{"token_embd.weight", "output_norm.weight"}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		for _, hf := range []string{
			"input_layernorm.weight", "post_attention_layernorm.weight",
			"self_attn.q_proj.weight", "self_attn.k_proj.weight", "self_attn.v_proj.weight", "self_attn.o_proj.weight",
			"mlp.gate_proj.weight", "mlp.up_proj.weight", "mlp.down_proj.weight",
		} {
			out = append(out, ggufLayerName(i, hf))
		}
	}
	return out
}

func loadGGUF(path string) (*Checkpoint, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	report := f.Analyze()
	if len(report.Quantized) > 0 {
		t, _ := f.Tensor(report.Quantized[0])
		return nil, fmt.Errorf("checkpoint: %s: %w", path, gguf.ErrQuantized{Name: t.Name, Type: t.Type})
	}
	hp, err := decodeHParams(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	cfg := ggufConfig(f, hp)
	if missing := f.FindMissingTensors(requiredGGUF(cfg)); len(missing) > 0 {
		return nil, fmt.Errorf("checkpoint: %s: missing tensors %v", path, missing)
	}

	m, err := buildModel(cfg, newGGUFSource(f, cfg))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	tok, err := tokenizer.FromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: tokenizer: %w", err)
	}
	finish(m, tok)
	logger.Log.Info("loaded checkpoint", "path", path, "format", FormatGGUF,
		"arch", report.Architecture, "name", report.ModelName, "params", report.TotalParameters)
	return &Checkpoint{Model: m, Tokenizer: tok, Path: path, Format: FormatGGUF}, nil
}
