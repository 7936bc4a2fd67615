package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

// Tensor is a dense tensor to be written. Shape is row-major (slowest first);
// it is reversed into GGML order on disk.
type Tensor struct {
	Name  string
	Shape []uint64
	Type  GGMLType // F32 or F16
	Data  []float32
}

// WriteFile writes a version 3 GGUF file. Keys are written in sorted order.
func WriteFile(path string, kv map[string]interface{}, tensors []Tensor) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	if err := Write(bw, kv, tensors); err != nil {
		return err
	}
	return bw.Flush()
}

func Write(w io.Writer, kv map[string]interface{}, tensors []Tensor) error {
	cw := &countingWriter{w: w}
	put := func(v interface{}) {
		if cw.err == nil {
			cw.err = binary.Write(cw, binary.LittleEndian, v)
		}
	}

	put(Magic)
	put(Version)
	put(uint64(len(tensors)))
	put(uint64(len(kv)))

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(cw, put, k)
		if err := writeValue(cw, put, kv[k], true); err != nil {
			return fmt.Errorf("kv %s: %w", k, err)
		}
	}

	var offset uint64
	sizes := make([]uint64, len(tensors))
	for i, t := range tensors {
		n := uint64(1)
		for _, d := range t.Shape {
			n *= d
		}
		if n != uint64(len(t.Data)) {
			return fmt.Errorf("tensor %s: shape %v needs %d values, have %d", t.Name, t.Shape, n, len(t.Data))
		}
		switch t.Type {
		case GGMLTypeF32:
			sizes[i] = n * 4
		case GGMLTypeF16:
			sizes[i] = n * 2
		default:
			return fmt.Errorf("tensor %s: cannot write type %s", t.Name, t.Type)
		}

		writeString(cw, put, t.Name)
		put(uint32(len(t.Shape)))
		for j := len(t.Shape) - 1; j >= 0; j-- {
			put(t.Shape[j])
		}
		put(uint32(t.Type))
		put(offset)
		offset = align(offset+sizes[i], DefaultAlignment)
	}

	pad := func() {
		if r := align(cw.n, DefaultAlignment) - cw.n; r > 0 && cw.err == nil {
			_, cw.err = cw.Write(make([]byte, r))
		}
	}
	pad()

	for _, t := range tensors {
		if t.Type == GGMLTypeF32 {
			put(t.Data)
		} else {
			bits := make([]uint16, len(t.Data))
			for i, v := range t.Data {
				bits[i] = float16.Fromfloat32(v).Bits()
			}
			put(bits)
		}
		pad()
	}
	return cw.err
}

func writeString(cw *countingWriter, put func(interface{}), s string) {
	put(uint64(len(s)))
	if cw.err == nil {
		_, cw.err = io.WriteString(cw, s)
	}
}

func writeValue(cw *countingWriter, put func(interface{}), v interface{}, tagged bool) error {
	tag := func(t ValueType) {
		if tagged {
			put(uint32(t))
		}
	}
	switch x := v.(type) {
	case uint32:
		tag(ValueUint32)
		put(x)
	case int32:
		tag(ValueInt32)
		put(x)
	case uint64:
		tag(ValueUint64)
		put(x)
	case int:
		tag(ValueInt64)
		put(int64(x))
	case int64:
		tag(ValueInt64)
		put(x)
	case float32:
		tag(ValueFloat32)
		put(math.Float32bits(x))
	case float64:
		tag(ValueFloat64)
		put(math.Float64bits(x))
	case bool:
		tag(ValueBool)
		var b uint8
		if x {
			b = 1
		}
		put(b)
	case string:
		tag(ValueString)
		writeString(cw, put, x)
	case []string:
		tag(ValueArray)
		put(uint32(ValueString))
		put(uint64(len(x)))
		for _, s := range x {
			writeString(cw, put, s)
		}
	case []float32:
		tag(ValueArray)
		put(uint32(ValueFloat32))
		put(uint64(len(x)))
		put(x)
	case []int32:
		tag(ValueArray)
		put(uint32(ValueInt32))
		put(uint64(len(x)))
		put(x)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

type countingWriter struct {
	w   io.Writer
	n   uint64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
