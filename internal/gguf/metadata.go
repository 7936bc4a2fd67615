package gguf

import (
	"fmt"
	"math"
	"strings"
)

// Architecture returns general.architecture, "llama" when absent.
func (f *GGUFFile) Architecture() string {
	if arch, ok := f.KV["general.architecture"].(string); ok && arch != "" {
		return arch
	}
	return "llama"
}

// HParams returns the architecture-scoped keys with the "<arch>." prefix
// stripped and dots replaced by underscores, so "llama.attention.head_count"
// becomes "attention_head_count". Scalar values are normalised to int64,
// float64, bool or string.
func (f *GGUFFile) HParams() map[string]interface{} {
	prefix := f.Architecture() + "."
	out := make(map[string]interface{})
	for k, v := range f.KV {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if n, ok := normalize(v); ok {
			out[strings.ReplaceAll(strings.TrimPrefix(k, prefix), ".", "_")] = n
		}
	}
	return out
}

// Report summarises a checkpoint for logging.
type Report struct {
	Architecture    string
	ModelName       string
	TensorCount     int
	TotalParameters int64
	Quantized       []string
}

func (f *GGUFFile) Analyze() Report {
	r := Report{Architecture: f.Architecture(), TensorCount: len(f.Tensors)}
	if name, ok := f.KV["general.name"].(string); ok {
		r.ModelName = name
	}
	for _, t := range f.Tensors {
		r.TotalParameters += int64(t.Elements())
		if t.SizeBytes() == 0 {
			r.Quantized = append(r.Quantized, t.Name)
		}
	}
	return r
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// FindMissingTensors returns the names in want that the file lacks.
func (f *GGUFFile) FindMissingTensors(want []string) []string {
	have := make(map[string]bool, len(f.Tensors))
	for _, t := range f.Tensors {
		have[t.Name] = true
	}
	var missing []string
	for _, w := range want {
		if !have[w] {
			missing = append(missing, w)
		}
	}
	return missing
}

// Strings returns a string-array value such as tokenizer.ggml.tokens.
func (f *GGUFFile) Strings(key string) ([]string, error) {
	raw, ok := f.KV[key]
	if !ok {
		return nil, fmt.Errorf("gguf: missing %s", key)
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("gguf: %s is %T, want array", key, raw)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("gguf: %s[%d] is %T, want string", key, i, v)
		}
		out[i] = s
	}
	return out, nil
}

// KVUint returns the first key present with a non-negative integer value.
func KVUint(kv map[string]interface{}, keys ...string) (uint64, bool) {
	for _, key := range keys {
		v, ok := kv[key]
		if !ok {
			continue
		}
		n, ok := normalize(v)
		if !ok {
			continue
		}
		switch x := n.(type) {
		case int64:
			if x >= 0 {
				return uint64(x), true
			}
		case float64:
			if x >= 0 && x == math.Trunc(x) {
				return uint64(x), true
			}
		}
	}
	return 0, false
}

func normalize(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case uint8:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case int16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case int64:
		return x, true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case bool, string:
		return x, true
	default:
		return nil, false
	}
}
