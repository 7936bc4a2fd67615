// Package gguf reads and writes GGUF model files. Only dense F32, F16 and
// BF16 tensors can be decoded; block-quantized tensors are listed but not
// read.
package gguf

import "fmt"

const (
	Magic   uint32 = 0x46554747 // "GGUF" little-endian
	Version uint32 = 3

	DefaultAlignment = 32

	// smallest file that can hold magic, version and both counts
	headerSize = 24
)

// GGMLType is a tensor element encoding.
type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeBF16 GGMLType = 30
)

var typeNames = map[GGMLType]string{
	GGMLTypeF32: "F32", GGMLTypeF16: "F16", GGMLTypeBF16: "BF16",
	GGMLTypeQ4_0: "Q4_0", GGMLTypeQ4_1: "Q4_1", GGMLTypeQ5_0: "Q5_0", GGMLTypeQ8_0: "Q8_0",
	GGMLTypeQ2_K: "Q2_K", GGMLTypeQ3_K: "Q3_K", GGMLTypeQ4_K: "Q4_K",
	GGMLTypeQ5_K: "Q5_K", GGMLTypeQ6_K: "Q6_K", GGMLTypeQ8_K: "Q8_K",
}

func (t GGMLType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("GGMLType(%d)", uint32(t))
}

// elemSize is the byte width of a dense element, 0 for block-quantized types.
func (t GGMLType) elemSize() uint64 {
	switch t {
	case GGMLTypeF32:
		return 4
	case GGMLTypeF16, GGMLTypeBF16:
		return 2
	}
	return 0
}

// ValueType tags a metadata value on disk.
type ValueType uint32

const (
	ValueUint8 ValueType = iota
	ValueInt8
	ValueUint16
	ValueInt16
	ValueUint32
	ValueInt32
	ValueFloat32
	ValueBool
	ValueString
	ValueArray
	ValueUint64
	ValueInt64
	ValueFloat64
)

// TensorInfo describes one tensor. Dimensions are in GGML order, fastest
// varying first.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       GGMLType
	Offset     uint64 // relative to the start of the data section
	Data       []byte // view into the mapping
}

func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// SizeBytes is the encoded size of a dense tensor, 0 for block-quantized
// types.
func (t *TensorInfo) SizeBytes() uint64 {
	return t.Elements() * t.Type.elemSize()
}

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// GGUFFile is a parsed, memory-mapped GGUF file. Tensor data stays valid
// until Close.
type GGUFFile struct {
	Header     Header
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte
	DataOffset uint64
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("gguf: bad magic %#x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("gguf: version %d not supported (want 2 or 3)", e.Version)
}

// ErrQuantized is returned when a block-quantized tensor is read as floats.
type ErrQuantized struct {
	Name string
	Type GGMLType
}

func (e ErrQuantized) Error() string {
	return fmt.Sprintf("tensor %s has quantized type %s; only F32, F16 and BF16 checkpoints can be converted", e.Name, e.Type)
}
