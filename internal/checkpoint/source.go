package checkpoint

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/model"
)

// source yields tensors by Hugging Face name.
type source interface {
	has(name string) bool
	float32s(name string) ([]float32, []int, error)
}

func readMatrix(src source, name string, rows, cols int) (*mat.Dense, error) {
	vals, shape, err := src.float32s(name)
	if err != nil {
		return nil, err
	}
	if len(vals) != rows*cols {
		return nil, fmt.Errorf("tensor %s: shape %v, want [%d %d]", name, shape, rows, cols)
	}
	data := make([]float64, len(vals))
	for i, v := range vals {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data), nil
}

func readVector(src source, name string, n int) ([]float64, error) {
	m, err := readMatrix(src, name, 1, n)
	if err != nil {
		return nil, err
	}
	return m.RawRowView(0), nil
}

func readNorm(src source, name string, n int, eps float64) (*model.RMSNorm, error) {
	w, err := readVector(src, name, n)
	if err != nil {
		return nil, err
	}
	return &model.RMSNorm{Weight: w, Eps: eps}, nil
}

type loader struct {
	src source
	err error
}

func (l *loader) matrix(name string, rows, cols int) *model.Linear {
	if l.err != nil {
		return nil
	}
	m, err := readMatrix(l.src, name, rows, cols)
	if err != nil {
		l.err = err
		return nil
	}
	return model.NewLinear(m)
}

func (l *loader) norm(name string, n int, eps float64) *model.RMSNorm {
	if l.err != nil {
		return nil
	}
	nm, err := readNorm(l.src, name, n, eps)
	if err != nil {
		l.err = err
	}
	return nm
}

func (l *loader) rotary(i int, n int) model.Rotary {
	if l.err != nil {
		return model.Rotary{}
	}
	inv, err := readVector(l.src, layerName(i, "self_attn.rotary_emb.inv_freq"), n)
	if err != nil {
		l.err = err
	}
	return model.Rotary{InvFreq: inv}
}

// buildModel assembles a model from cfg, dispatching on the attention type.
func buildModel(cfg model.Config, src source) (*model.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hidden := cfg.HiddenSize
	l := &loader{src: src}

	embed, err := readMatrix(src, embedName, cfg.VocabSize, hidden)
	if err != nil {
		return nil, err
	}
	m := &model.Model{Config: cfg, Embed: embed}

	for i := 0; i < cfg.NumHiddenLayers; i++ {
		attn, err := loadAttention(l, cfg, i)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		mlp := &model.MLP{
			Gate: l.matrix(layerName(i, "mlp.gate_proj.weight"), cfg.IntermediateSize, hidden),
			Up:   l.matrix(layerName(i, "mlp.up_proj.weight"), cfg.IntermediateSize, hidden),
			Down: l.matrix(layerName(i, "mlp.down_proj.weight"), hidden, cfg.IntermediateSize),
		}
		in := l.norm(layerName(i, "input_layernorm.weight"), hidden, cfg.RMSNormEps)
		post := l.norm(layerName(i, "post_attention_layernorm.weight"), hidden, cfg.RMSNormEps)
		if l.err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, l.err)
		}
		m.Layers = append(m.Layers, model.NewLayer(attn, in, post, mlp))
	}

	m.Norm = l.norm(normName, hidden, cfg.RMSNormEps)
	if cfg.TieWordEmbeddings || !src.has(lmHeadName) {
		m.Config.TieWordEmbeddings = true
		m.LMHead = model.NewLinear(embed)
	} else {
		m.LMHead = l.matrix(lmHeadName, cfg.VocabSize, hidden)
	}
	if l.err != nil {
		return nil, l.err
	}
	return m, nil
}

func loadAttention(l *loader, cfg model.Config, i int) (model.Attention, error) {
	h, hkv, d, hidden := cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDimension(), cfg.HiddenSize
	scale := 1 / math.Sqrt(float64(d))
	o := l.matrix(layerName(i, "self_attn.o_proj.weight"), hidden, h*d)

	switch cfg.AttentionType {
	case "":
		a := &model.StandardAttention{
			NumHeads: h, NumKVHeads: hkv, HeadDim: d,
			Q:      l.matrix(layerName(i, "self_attn.q_proj.weight"), h*d, hidden),
			K:      l.matrix(layerName(i, "self_attn.k_proj.weight"), hkv*d, hidden),
			V:      l.matrix(layerName(i, "self_attn.v_proj.weight"), hkv*d, hidden),
			O:      o,
			Rotary: model.NewRotary(d, cfg.RopeTheta),
			Scale:  scale,
		}
		return a, l.err

	case model.KindRopeless.String():
		p := cfg.RopeDim
		if p <= 0 || p%2 != 0 {
			return nil, fmt.Errorf("invalid rope_dim %d", p)
		}
		a := &model.RopelessAttention{
			NumHeads: h, NumKVHeads: hkv, HeadDim: d, RopeDim: p,
			Dim2Head: cfg.Dim2Head, RopeHead: cfg.RopeHead, Collapse: cfg.Collapse,
			Q:      l.matrix(layerName(i, "self_attn.q_proj.weight"), h*(d+p), hidden),
			K:      l.matrix(layerName(i, "self_attn.k_proj.weight"), p+hkv*d, hidden),
			V:      l.matrix(layerName(i, "self_attn.v_proj.weight"), hkv*d, hidden),
			O:      o,
			Rotary: l.rotary(i, p/2),
			Scale:  scale,
		}
		return a, l.err

	case model.KindLatent.String():
		c, mqa := cfg.QKNopeHeadDim, cfg.QKRopeHeadDim
		kvr := cfg.KVLoraRank
		if mqa <= 0 || mqa%2 != 0 || kvr <= 0 || cfg.KVKRank+cfg.KVVRank != kvr {
			return nil, fmt.Errorf("invalid latent dims rope=%d kv_lora_rank=%d (k %d + v %d)", mqa, kvr, cfg.KVKRank, cfg.KVVRank)
		}
		a := &model.LatentAttention{
			NumHeads: h, NumKVHeads: hkv,
			NopeDim: c, RopeDim: mqa, ValueDim: cfg.VHeadDim,
			QLoraRank: cfg.QLoraRank, KVLoraRank: kvr, KRank: cfg.KVKRank, VRank: cfg.KVVRank,
			KVA:    l.matrix(layerName(i, "self_attn.kv_a_proj_with_mqa.weight"), kvr+mqa, hidden),
			KVB:    l.matrix(layerName(i, "self_attn.kv_b_proj.weight"), hkv*(c+cfg.VHeadDim), kvr),
			O:      o,
			Rotary: l.rotary(i, mqa/2),
			Scale:  scale,
		}
		if cfg.QLoraRank > 0 {
			a.QA = l.matrix(layerName(i, "self_attn.q_a_proj.weight"), cfg.QLoraRank, hidden)
			a.QB = l.matrix(layerName(i, "self_attn.q_b_proj.weight"), h*(c+mqa), cfg.QLoraRank)
			if cfg.UseQKVNorm {
				a.QANorm = l.norm(layerName(i, "self_attn.q_a_layernorm.weight"), cfg.QLoraRank, cfg.RMSNormEps)
			}
		} else {
			a.Q = l.matrix(layerName(i, "self_attn.q_proj.weight"), h*(c+mqa), hidden)
		}
		if cfg.UseQKVNorm {
			a.KVANorm = l.norm(layerName(i, "self_attn.kv_a_layernorm.weight"), kvr, cfg.RMSNormEps)
		}
		return a, l.err

	default:
		return nil, fmt.Errorf("unknown attention_type %q", cfg.AttentionType)
	}
}
