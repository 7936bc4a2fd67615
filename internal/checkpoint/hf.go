package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/model"
	"github.com/23skdu/longbow-transmla/internal/safetensors"
	"github.com/23skdu/longbow-transmla/internal/tokenizer"
)

const (
	configFile  = "config.json"
	weightsFile = "model.safetensors"
)

// shards maps tensor names to the safetensors file holding them.
type shards map[string]*safetensors.File

func (s shards) has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s shards) float32s(name string) ([]float32, []int, error) {
	f, ok := s[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", safetensors.ErrTensorNotFound, name)
	}
	vals, info, err := f.Float32s(name)
	shape := make([]int, len(info.Shape))
	for i, d := range info.Shape {
		shape[i] = int(d)
	}
	return vals, shape, err
}

func openShards(dir string) (shards, func(), error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("checkpoint: no .safetensors files in %s", dir)
	}
	sort.Strings(paths)
	s := shards{}
	var files []*safetensors.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, p := range paths {
		f, err := safetensors.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		files = append(files, f)
		for name := range f.Tensors {
			if _, dup := s[name]; dup {
				closeAll()
				return nil, nil, fmt.Errorf("checkpoint: tensor %s appears in more than one shard", name)
			}
			s[name] = f
		}
	}
	return s, closeAll, nil
}

func loadHF(dir string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, err
	}
	var cfg model.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", configFile, err)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000
	}

	src, closeAll, err := openShards(dir)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	m, err := buildModel(cfg, src)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", dir, err)
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: tokenizer: %w", err)
	}
	finish(m, tok)
	logger.Log.Info("loaded checkpoint", "path", dir, "format", FormatHF,
		"layers", len(m.Layers), "attention", m.AttentionKinds()[0].String())
	return &Checkpoint{Model: m, Tokenizer: tok, Path: dir, Format: FormatHF}, nil
}

// ConfigFor returns m.Config with the attention fields filled in from the
// first layer. All layers are expected to hold the same variant.
func ConfigFor(m *model.Model) (model.Config, error) {
	cfg := m.Config
	cfg.AttentionType = ""
	cfg.RopeDim, cfg.Dim2Head, cfg.RopeHead, cfg.Collapse = 0, 0, 0, 0
	cfg.QLoraRank, cfg.KVLoraRank, cfg.KVKRank, cfg.KVVRank = 0, 0, 0, 0
	cfg.QKRopeHeadDim, cfg.QKNopeHeadDim, cfg.VHeadDim, cfg.UseQKVNorm = 0, 0, 0, false
	if len(m.Layers) == 0 {
		return cfg, nil
	}

	kinds := m.AttentionKinds()
	for i, k := range kinds {
		if k != kinds[0] {
			return cfg, fmt.Errorf("checkpoint: layer %d holds %s attention, layer 0 holds %s", i, k, kinds[0])
		}
	}
	switch a := m.Layers[0].Attention().(type) {
	case *model.RopelessAttention:
		cfg.AttentionType = a.Kind().String()
		cfg.RopeDim, cfg.Dim2Head, cfg.RopeHead, cfg.Collapse = a.RopeDim, a.Dim2Head, a.RopeHead, a.Collapse
	case *model.LatentAttention:
		cfg.AttentionType = a.Kind().String()
		cfg.Architectures = []string{"LlamaMLAForCausalLM"}
		cfg.ModelType = "llamamla"
		cfg.QLoraRank, cfg.KVLoraRank, cfg.KVKRank, cfg.KVVRank = a.QLoraRank, a.KVLoraRank, a.KRank, a.VRank
		cfg.QKRopeHeadDim, cfg.QKNopeHeadDim, cfg.VHeadDim = a.RopeDim, a.NopeDim, a.ValueDim
		cfg.UseQKVNorm = a.KVANorm != nil
	}
	return cfg, nil
}

// Save writes config.json, model.safetensors in dt and the tokenizer files.
func Save(dir string, m *model.Model, tok *tokenizer.Tokenizer, dt safetensors.DType) error {
	cfg, err := ConfigFor(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if tok != nil && tok.Pad >= 0 {
		pad := tok.Pad
		cfg.PadTokenID = &pad
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), data, 0o644); err != nil {
		return err
	}

	tensors := modelTensors(m, cfg)
	if err := safetensors.WriteFile(filepath.Join(dir, weightsFile), tensors, dt, map[string]string{"format": "pt"}); err != nil {
		return err
	}
	if tok != nil {
		if err := tok.Save(dir); err != nil {
			return err
		}
	}
	logger.Log.Info("saved checkpoint", "path", dir, "dtype", string(dt), "tensors", len(tensors),
		"attention", cfg.AttentionType)
	return nil
}

func modelTensors(m *model.Model, cfg model.Config) []safetensors.Tensor {
	var out []safetensors.Tensor
	addMat := func(name string, w *mat.Dense) {
		if w == nil {
			return
		}
		r, c := w.Dims()
		out = append(out, safetensors.Tensor{Name: name, Shape: []uint64{uint64(r), uint64(c)}, Data: toFloat32(w)})
	}
	addLin := func(name string, l *model.Linear) {
		if l != nil {
			addMat(name, l.Weight)
		}
	}
	addVec := func(name string, v []float64) {
		f := make([]float32, len(v))
		for i, x := range v {
			f[i] = float32(x)
		}
		out = append(out, safetensors.Tensor{Name: name, Shape: []uint64{uint64(len(v))}, Data: f})
	}
	addNorm := func(name string, n *model.RMSNorm) {
		if n != nil {
			addVec(name, n.Weight)
		}
	}

	addMat(embedName, m.Embed)
	for i, l := range m.Layers {
		addNorm(layerName(i, "input_layernorm.weight"), l.InputNorm)
		addNorm(layerName(i, "post_attention_layernorm.weight"), l.PostNorm)
		addLin(layerName(i, "mlp.gate_proj.weight"), l.MLP.Gate)
		addLin(layerName(i, "mlp.up_proj.weight"), l.MLP.Up)
		addLin(layerName(i, "mlp.down_proj.weight"), l.MLP.Down)

		switch a := l.Attention().(type) {
		case *model.StandardAttention:
			addLin(layerName(i, "self_attn.q_proj.weight"), a.Q)
			addLin(layerName(i, "self_attn.k_proj.weight"), a.K)
			addLin(layerName(i, "self_attn.v_proj.weight"), a.V)
			addLin(layerName(i, "self_attn.o_proj.weight"), a.O)
		case *model.RopelessAttention:
			addLin(layerName(i, "self_attn.q_proj.weight"), a.Q)
			addLin(layerName(i, "self_attn.k_proj.weight"), a.K)
			addLin(layerName(i, "self_attn.v_proj.weight"), a.V)
			addLin(layerName(i, "self_attn.o_proj.weight"), a.O)
			addVec(layerName(i, "self_attn.rotary_emb.inv_freq"), a.Rotary.InvFreq)
		case *model.LatentAttention:
			addLin(layerName(i, "self_attn.q_a_proj.weight"), a.QA)
			addNorm(layerName(i, "self_attn.q_a_layernorm.weight"), a.QANorm)
			addLin(layerName(i, "self_attn.q_b_proj.weight"), a.QB)
			addLin(layerName(i, "self_attn.q_proj.weight"), a.Q)
			addLin(layerName(i, "self_attn.kv_a_proj_with_mqa.weight"), a.KVA)
			addNorm(layerName(i, "self_attn.kv_a_layernorm.weight"), a.KVANorm)
			addLin(layerName(i, "self_attn.kv_b_proj.weight"), a.KVB)
			addLin(layerName(i, "self_attn.o_proj.weight"), a.O)
			addVec(layerName(i, "self_attn.rotary_emb.inv_freq"), a.Rotary.InvFreq)
		}
	}
	addNorm(normName, m.Norm)
	if !cfg.TieWordEmbeddings {
		addLin(lmHeadName, m.LMHead)
	}
	return out
}

func toFloat32(m *mat.Dense) []float32 {
	r, c := m.Dims()
	out := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			out = append(out, float32(v))
		}
	}
	return out
}
