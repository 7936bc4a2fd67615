package checkpoint

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/gguf"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/tokenizer"
)

// SaveGGUF writes a standard-attention model as a llama GGUF file with F32
// or F16 tensors. llama.cpp has no layout for converted attention, so those
// models are rejected.
func SaveGGUF(path string, m *model.Model, tok *tokenizer.Tokenizer, typ gguf.GGMLType) error {
	if typ != gguf.GGMLTypeF32 && typ != gguf.GGMLTypeF16 {
		return fmt.Errorf("checkpoint: gguf export supports F32 and F16, got %s", typ)
	}
	tensors, err := ggufTensors(m, typ)
	if err != nil {
		return err
	}
	if err := gguf.WriteFile(path, ggufKV(m.Config, tok), tensors); err != nil {
		return fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	logger.Log.Info("saved checkpoint", "path", path, "format", FormatGGUF, "type", typ.String(), "tensors", len(tensors))
	return nil
}

func ggufKV(cfg model.Config, tok *tokenizer.Tokenizer) map[string]interface{} {
	arch := "llama"
	kv := map[string]interface{}{
		"general.architecture":                     arch,
		arch + ".block_count":                      uint32(cfg.NumHiddenLayers),
		arch + ".embedding_length":                 uint32(cfg.HiddenSize),
		arch + ".feed_forward_length":              uint32(cfg.IntermediateSize),
		arch + ".attention.head_count":             uint32(cfg.NumAttentionHeads),
		arch + ".attention.head_count_kv":          uint32(cfg.NumKeyValueHeads),
		arch + ".attention.key_length":             uint32(cfg.HeadDimension()),
		arch + ".attention.layer_norm_rms_epsilon": float32(cfg.RMSNormEps),
		arch + ".rope.freq_base":                   float32(cfg.RopeTheta),
		arch + ".vocab_size":                       uint32(cfg.VocabSize),
	}
	if tok == nil {
		return kv
	}
	kv["tokenizer.ggml.model"] = "llama"
	kv["tokenizer.ggml.tokens"] = tok.Tokens
	if len(tok.Scores) == len(tok.Tokens) {
		kv["tokenizer.ggml.scores"] = tok.Scores
	}
	kv["tokenizer.ggml.add_bos_token"] = tok.AddBOS
	for key, id := range map[string]int{
		"tokenizer.ggml.bos_token_id":     tok.BOS,
		"tokenizer.ggml.eos_token_id":     tok.EOS,
		"tokenizer.ggml.padding_token_id": tok.Pad,
	} {
		if id >= 0 {
			kv[key] = uint32(id)
		}
	}
	return kv
}

func ggufTensors(m *model.Model, typ gguf.GGMLType) ([]gguf.Tensor, error) {
	cfg := m.Config
	dense := func(name string, w *mat.Dense) gguf.Tensor {
		r, c := w.Dims()
		return gguf.Tensor{Name: name, Shape: []uint64{uint64(r), uint64(c)}, Type: typ, Data: toFloat32(w)}
	}
	vec := func(name string, v []float64) gguf.Tensor {
		f := make([]float32, len(v))
		for i, x := range v {
			f[i] = float32(x)
		}
		// Norm weights stay F32 as llama.cpp writes them.
		return gguf.Tensor{Name: name, Shape: []uint64{uint64(len(v))}, Type: gguf.GGMLTypeF32, Data: f}
	}

	out := []gguf.Tensor{dense("token_embd.weight", m.Embed), vec("output_norm.weight", m.Norm.Weight)}
	if !cfg.TieWordEmbeddings {
		out = append(out, dense("output.weight", m.LMHead.Weight))
	}
	for i, l := range m.Layers {
		a, ok := l.Attention().(*model.StandardAttention)
		if !ok {
			return nil, fmt.Errorf("checkpoint: layer %d holds %s attention, gguf export needs standard", i, l.Attention().Kind())
		}
		name := func(hf string) string { return ggufLayerName(i, hf) }
		q, k := dense(name("self_attn.q_proj.weight"), a.Q.Weight), dense(name("self_attn.k_proj.weight"), a.K.Weight)
		q.Data = permute(q.Data, int(q.Shape[0]), int(q.Shape[1]), cfg.NumAttentionHeads)
		k.Data = permute(k.Data, int(k.Shape[0]), int(k.Shape[1]), cfg.NumKeyValueHeads)
		out = append(out, q, k,
			dense(name("self_attn.v_proj.weight"), a.V.Weight),
			dense(name("self_attn.o_proj.weight"), a.O.Weight),
			dense(name("mlp.gate_proj.weight"), l.MLP.Gate.Weight),
			dense(name("mlp.up_proj.weight"), l.MLP.Up.Weight),
			dense(name("mlp.down_proj.weight"), l.MLP.Down.Weight),
			vec(name("input_layernorm.weight"), l.InputNorm.Weight),
			vec(name("post_attention_layernorm.weight"), l.PostNorm.Weight),
		)
	}
	return out, nil
}

// permute interleaves the two rotary halves of every head the way llama.cpp
// stores q and k: Hugging Face row h*d + s*d/2 + i goes to h*d + 2i + s.
func permute(vals []float32, rows, cols, heads int) []float32 {
	d := rows / heads
	out := make([]float32, len(vals))
	for h := 0; h < heads; h++ {
		for i := 0; i < d/2; i++ {
			for s := 0; s < 2; s++ {
				src := (h*d + s*d/2 + i) * cols
				dst := (h*d + 2*i + s) * cols
				copy(out[dst:dst+cols], vals[src:src+cols])
			}
		}
	}
	return out
}
