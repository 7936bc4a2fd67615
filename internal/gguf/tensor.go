package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Float32s decodes a dense tensor. Block-quantized tensors yield ErrQuantized.
func (t *TensorInfo) Float32s() ([]float32, error) {
	n := t.Elements()
	size := t.SizeBytes()
	if size == 0 {
		return nil, ErrQuantized{Name: t.Name, Type: t.Type}
	}
	if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("tensor %s: have %d bytes, want %d", t.Name, len(t.Data), size)
	}

	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	default: // BF16
		return bfloat16.DecodeFloat32(t.Data[:size]), nil
	}
}

// Rows returns the GGML shape as (rows, cols): dims are stored fastest first,
// so a 2-D weight with ne = [in, out] is out rows of in columns.
func (t *TensorInfo) Rows() (int, int) {
	switch len(t.Dimensions) {
	case 0:
		return 1, 1
	case 1:
		return 1, int(t.Dimensions[0])
	default:
		cols := int(t.Dimensions[0])
		return int(t.Elements()) / cols, cols
	}
}
