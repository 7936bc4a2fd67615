// Package convert rewrites attention modules: RoPE removal, low-rank latent
// compression, norm recalibration and splicing into a live model.
package convert

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-transmla/internal/device"
	"github.com/23skdu/longbow-transmla/internal/metrics"
	"github.com/23skdu/longbow-transmla/internal/model"
)

// ConfigError reports a conversion setting that cannot work with the model
// it is applied to. It is always returned before any weight is allocated.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v (%s)", e.Field, e.Value, e.Reason)
}

func configError(field string, value any, format string, args ...any) error {
	metrics.RecordConfigError(field)
	return &ConfigError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// RoPEOptions controls RoPE removal.
type RoPEOptions struct {
	// Dim2Head is the number of kv heads whose key spaces are rotated jointly.
	Dim2Head int
	// RopeHead is the number of principal components per frequency fold that
	// keep rotary embeddings.
	RopeHead int
	// Collapse is the number of adjacent frequencies folded onto one.
	Collapse int
	Device   device.Device
}

func (o RoPEOptions) Validate(a *model.StandardAttention) error {
	d := a.HeadDim
	if d <= 0 || d%2 != 0 {
		return configError("head_dim", d, "must be positive and even")
	}
	if o.Collapse < 1 {
		return configError("collapse", o.Collapse, "must be positive")
	}
	if (d/2)%o.Collapse != 0 {
		return configError("collapse", o.Collapse, "must divide head_dim/2 = %d", d/2)
	}
	if o.Dim2Head < 1 || a.NumKVHeads%o.Dim2Head != 0 {
		return configError("dim2head", o.Dim2Head, "must divide num_key_value_heads = %d", a.NumKVHeads)
	}
	if o.RopeHead < 1 || o.RopeHead > d {
		return configError("rope_head", o.RopeHead, "must be in [1, head_dim = %d]", d)
	}
	if o.RopeHead > o.Dim2Head*o.Collapse {
		return configError("rope_head", o.RopeHead, "must not exceed dim2head*collapse = %d", o.Dim2Head*o.Collapse)
	}
	return nil
}

// LowRankOptions controls the latent attention factorization.
type LowRankOptions struct {
	// QLoraRank is the query bottleneck width; 0 keeps a full query projection.
	QLoraRank int
	// KVLoraRank is the total latent width shared by keys and values.
	KVLoraRank int
	// QKMQADim is the width of the shared rotary key kept per token.
	QKMQADim int
	// Collapse and RopeHead must match the RoPE removal that produced the
	// input module.
	Collapse int
	RopeHead int
	// BalanceKVRatio is the key:value split of KVLoraRank.
	BalanceKVRatio float64
	UseQKVNorm     bool
	RMSNormEps     float64
	Device         device.Device
}

// ValidateRopeHead checks the precondition that can be verified before any
// module exists.
func (o LowRankOptions) ValidateRopeHead() error {
	if o.RopeHead != 1 {
		return configError("rope_head", o.RopeHead, "latent attention requires exactly one rotary component per fold")
	}
	return nil
}

func (o LowRankOptions) Validate(a *model.RopelessAttention) error {
	if err := o.ValidateRopeHead(); err != nil {
		return err
	}
	if a.RopeHead != o.RopeHead {
		return configError("rope_head", o.RopeHead, "module was built with rope_head = %d", a.RopeHead)
	}
	if o.Collapse != 0 && a.Collapse != o.Collapse {
		return configError("collapse", o.Collapse, "module was built with collapse = %d", a.Collapse)
	}
	if o.QKMQADim < 2 || o.QKMQADim%2 != 0 || o.QKMQADim > a.RopeDim {
		return configError("qk_mqa_dim", o.QKMQADim, "must be even and in [2, %d]", a.RopeDim)
	}
	hidden := a.Q.In()
	if o.QLoraRank < 0 {
		return configError("q_lora_rank", o.QLoraRank, "must be non-negative")
	}
	if o.QLoraRank > 0 {
		qWidth := a.NumHeads * (a.HeadDim + a.RopeDim)
		if o.QLoraRank > min(hidden, qWidth) {
			return configError("q_lora_rank", o.QLoraRank, "must not exceed min(hidden, query width) = %d", min(hidden, qWidth))
		}
	}
	kr, vr, err := SplitKVRank(o.KVLoraRank, o.BalanceKVRatio)
	if err != nil {
		return err
	}
	keyWidth := a.NumKVHeads*a.HeadDim + a.RopeDim - o.QKMQADim
	if kr > min(hidden, keyWidth) {
		return configError("kv_lora_rank", o.KVLoraRank, "key share %d exceeds min(hidden, key width) = %d", kr, min(hidden, keyWidth))
	}
	valueWidth := a.NumKVHeads * a.HeadDim
	if vr > min(hidden, valueWidth) {
		return configError("kv_lora_rank", o.KVLoraRank, "value share %d exceeds min(hidden, value width) = %d", vr, min(hidden, valueWidth))
	}
	if o.UseQKVNorm && o.RMSNormEps <= 0 {
		return configError("rms_norm_eps", o.RMSNormEps, "must be positive when norms are enabled")
	}
	return nil
}

// SplitKVRank divides total between keys and values in the ratio key:value =
// ratio:1. A ratio of 1 halves the budget, the key side taking the odd one.
func SplitKVRank(total int, ratio float64) (int, int, error) {
	if total < 2 {
		return 0, 0, configError("kv_lora_rank", total, "must be at least 2")
	}
	if !(ratio > 0) || math.IsInf(ratio, 0) {
		return 0, 0, configError("balance_kv_ratio", ratio, "must be positive and finite")
	}
	k := int(math.Round(float64(total) * ratio / (1 + ratio)))
	v := total - k
	if k < 1 || v < 1 {
		return 0, 0, configError("balance_kv_ratio", ratio, "leaves %d key and %d value channels out of %d", k, v, total)
	}
	return k, v, nil
}
