package model

import "fmt"

// Config mirrors the Hugging Face config.json fields of a Llama-family model.
type Config struct {
	Architectures     []string `json:"architectures,omitempty"`
	ModelType         string   `json:"model_type,omitempty"`
	HiddenSize        int      `json:"hidden_size"`
	IntermediateSize  int      `json:"intermediate_size"`
	NumHiddenLayers   int      `json:"num_hidden_layers"`
	NumAttentionHeads int      `json:"num_attention_heads"`
	NumKeyValueHeads  int      `json:"num_key_value_heads"`
	HeadDim           int      `json:"head_dim,omitempty"`
	VocabSize         int      `json:"vocab_size"`
	RopeTheta         float64  `json:"rope_theta"`
	RMSNormEps        float64  `json:"rms_norm_eps"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
	BOSTokenID        *int     `json:"bos_token_id,omitempty"`
	EOSTokenID        *int     `json:"eos_token_id,omitempty"`
	PadTokenID        *int     `json:"pad_token_id,omitempty"`

	// Set on converted checkpoints. AttentionType is empty for standard
	// attention.
	AttentionType string `json:"attention_type,omitempty"`

	// rope_removed
	RopeDim  int `json:"rope_dim,omitempty"`
	Dim2Head int `json:"dim2head,omitempty"`
	RopeHead int `json:"rope_head,omitempty"`
	Collapse int `json:"collapse,omitempty"`

	// latent_mla
	QLoraRank     int  `json:"q_lora_rank,omitempty"`
	KVLoraRank    int  `json:"kv_lora_rank,omitempty"`
	KVKRank       int  `json:"kv_k_rank,omitempty"`
	KVVRank       int  `json:"kv_v_rank,omitempty"`
	QKRopeHeadDim int  `json:"qk_rope_head_dim,omitempty"`
	QKNopeHeadDim int  `json:"qk_nope_head_dim,omitempty"`
	VHeadDim      int  `json:"v_head_dim,omitempty"`
	UseQKVNorm    bool `json:"use_qkv_norm,omitempty"`
}

// HeadDimension returns head_dim, deriving it from the hidden size when the
// checkpoint leaves it out.
func (c *Config) HeadDimension() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	if c.NumAttentionHeads == 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}

func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be positive)", c.IntermediateSize)
	}
	if c.NumHiddenLayers <= 0 {
		return fmt.Errorf("invalid num_hidden_layers: %d (must be positive)", c.NumHiddenLayers)
	}
	if c.NumAttentionHeads <= 0 {
		return fmt.Errorf("invalid num_attention_heads: %d (must be positive)", c.NumAttentionHeads)
	}
	if c.NumKeyValueHeads <= 0 || c.NumKeyValueHeads > c.NumAttentionHeads {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be in [1, %d])", c.NumKeyValueHeads, c.NumAttentionHeads)
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("num_attention_heads (%d) not divisible by num_key_value_heads (%d)", c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if d := c.HeadDimension(); d <= 0 || d%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive and even)", d)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.RMSNormEps <= 0 {
		return fmt.Errorf("invalid rms_norm_eps: %g (must be positive)", c.RMSNormEps)
	}
	return nil
}
