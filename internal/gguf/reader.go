package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-transmla/internal/logger"
)

// LoadFile maps path read-only and parses its header, metadata and tensor
// table. Call Close to release the mapping.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// the mapping outlives the descriptor
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < headerSize {
		return nil, fmt.Errorf("%s: %w", path, io.ErrUnexpectedEOF)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	file, err := parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Log.Debug("gguf loaded", "path", path, "version", file.Header.Version,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

func (f *GGUFFile) Close() error {
	if f.Data == nil {
		return nil
	}
	err := syscall.Munmap(f.Data)
	f.Data = nil
	return err
}

// decoder walks the mapping. The first short read sticks in err and every
// later read returns zero values.
type decoder struct {
	buf []byte
	off uint64
	err error
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) || d.off > uint64(len(d.buf))-n {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	return string(d.take(d.u64()))
}

func (d *decoder) value(t ValueType) interface{} {
	switch t {
	case ValueUint8:
		return d.u8()
	case ValueInt8:
		return int8(d.u8())
	case ValueUint16:
		return d.u16()
	case ValueInt16:
		return int16(d.u16())
	case ValueUint32:
		return d.u32()
	case ValueInt32:
		return int32(d.u32())
	case ValueUint64:
		return d.u64()
	case ValueInt64:
		return int64(d.u64())
	case ValueFloat32:
		return math.Float32frombits(d.u32())
	case ValueFloat64:
		return math.Float64frombits(d.u64())
	case ValueBool:
		return d.u8() != 0
	case ValueString:
		return d.str()
	case ValueArray:
		elem := ValueType(d.u32())
		n := d.u64()
		// cap the preallocation; a corrupt length fails on the first short read
		out := make([]interface{}, 0, min(n, 1<<16))
		for i := uint64(0); i < n && d.err == nil; i++ {
			out = append(out, d.value(elem))
		}
		return out
	}
	if d.err == nil {
		d.err = fmt.Errorf("unsupported metadata type %d", t)
	}
	return nil
}

func parse(data []byte) (*GGUFFile, error) {
	d := &decoder{buf: data}
	file := &GGUFFile{Data: data, KV: map[string]interface{}{}}

	h := &file.Header
	if h.Magic = d.u32(); h.Magic != Magic {
		return nil, ErrInvalidMagic{Magic: h.Magic}
	}
	if h.Version = d.u32(); h.Version < 2 || h.Version > Version {
		return nil, ErrUnsupportedVersion{Version: h.Version}
	}
	h.TensorCount, h.KVCount = d.u64(), d.u64()

	for i := uint64(0); i < h.KVCount && d.err == nil; i++ {
		key := d.str()
		val := d.value(ValueType(d.u32()))
		if d.err != nil {
			return nil, fmt.Errorf("kv %q: %w", key, d.err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < h.TensorCount && d.err == nil; i++ {
		t := &TensorInfo{Name: d.str()}
		ndims := d.u32()
		if d.err == nil && uint64(ndims)*8 > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: %d dimensions", t.Name, ndims)
		}
		t.Dimensions = make([]uint64, ndims)
		for j := range t.Dimensions {
			t.Dimensions[j] = d.u64()
		}
		t.Type = GGMLType(d.u32())
		t.Offset = d.u64()
		file.Tensors = append(file.Tensors, t)
	}
	if d.err != nil {
		return nil, fmt.Errorf("tensor table: %w", d.err)
	}

	alignment := uint64(DefaultAlignment)
	if a, ok := KVUint(file.KV, "general.alignment"); ok && a > 0 {
		alignment = a
	}
	file.DataOffset = align(d.off, alignment)

	size := uint64(len(data))
	for _, t := range file.Tensors {
		start := file.DataOffset + t.Offset
		if start > size {
			return nil, fmt.Errorf("tensor %s: offset %d past end of file", t.Name, t.Offset)
		}
		// quantized tensors run to the end; they are never decoded
		end := size
		if n := t.SizeBytes(); n > 0 {
			if end = start + n; end > size {
				return nil, fmt.Errorf("tensor %s: %d bytes past end of file", t.Name, end-size)
			}
		}
		t.Data = data[start:end]
	}
	return file, nil
}

func align(off, alignment uint64) uint64 {
	return (off + alignment - 1) / alignment * alignment
}
