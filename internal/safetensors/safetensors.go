// Package safetensors reads and writes the safetensors container: an 8-byte
// little-endian header length, a JSON header, then raw tensor bytes.
package safetensors

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

const maxHeader = 100 << 20

var ErrTensorNotFound = errors.New("safetensors: tensor not found")

type Info struct {
	DType   DType    `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

func (i Info) Elements() uint64 {
	n := uint64(1)
	for _, d := range i.Shape {
		n *= d
	}
	return n
}

// File is an open safetensors file. Tensor data is read on demand.
type File struct {
	f        *os.File
	base     int64
	Tensors  map[string]Info
	Metadata map[string]string
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := parseHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

func parseHeader(f *os.File) (*File, error) {
	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n <= 0 || n > maxHeader {
		return nil, fmt.Errorf("safetensors: header length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}
	st := &File{f: f, base: 8 + n, Tensors: make(map[string]Info, len(raw))}
	for k, v := range raw {
		if k == "__metadata__" {
			if err := json.Unmarshal(v, &st.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: metadata: %w", err)
			}
			continue
		}
		var info Info
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", k, err)
		}
		if info.DType.Size() == 0 {
			return nil, fmt.Errorf("safetensors: tensor %s has unsupported dtype %s", k, info.DType)
		}
		if want := int64(info.Elements()) * int64(info.DType.Size()); info.Offsets[1]-info.Offsets[0] != want {
			return nil, fmt.Errorf("safetensors: tensor %s spans %d bytes, shape needs %d", k, info.Offsets[1]-info.Offsets[0], want)
		}
		st.Tensors[k] = info
	}
	return st, nil
}

// Names returns tensor names in sorted order.
func (s *File) Names() []string {
	names := make([]string, 0, len(s.Tensors))
	for k := range s.Tensors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Float32s reads and widens a tensor to float32.
func (s *File) Float32s(name string) ([]float32, Info, error) {
	info, ok := s.Tensors[name]
	if !ok {
		return nil, info, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	buf := make([]byte, info.Offsets[1]-info.Offsets[0])
	if _, err := s.f.ReadAt(buf, s.base+info.Offsets[0]); err != nil {
		return nil, info, fmt.Errorf("safetensors: read %s: %w", name, err)
	}
	return decode(buf, info.DType), info, nil
}

func (s *File) Close() error { return s.f.Close() }

func decode(buf []byte, dt DType) []float32 {
	switch dt {
	case F16:
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
		return out
	case BF16:
		return bfloat16.DecodeFloat32(buf)
	default:
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out
	}
}

func encode(vals []float32, dt DType) []byte {
	switch dt {
	case F16:
		buf := make([]byte, len(vals)*2)
		for i, v := range vals {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
		return buf
	case BF16:
		return bfloat16.EncodeFloat32(vals)
	default:
		buf := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		return buf
	}
}

// Tensor is a named row-major tensor to be written.
type Tensor struct {
	Name  string
	Shape []uint64
	Data  []float32
}

// WriteFile writes tensors sorted by name, all stored as dt.
func WriteFile(path string, tensors []Tensor, dt DType, metadata map[string]string) (err error) {
	if dt.Size() == 0 {
		return fmt.Errorf("safetensors: unsupported dtype %q", dt)
	}
	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]interface{}, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, t := range sorted {
		info := Info{DType: dt, Shape: t.Shape}
		if info.Elements() != uint64(len(t.Data)) {
			return fmt.Errorf("safetensors: tensor %s: shape %v needs %d values, have %d", t.Name, t.Shape, info.Elements(), len(t.Data))
		}
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("safetensors: duplicate tensor %s", t.Name)
		}
		size := int64(len(t.Data) * dt.Size())
		info.Offsets = [2]int64{offset, offset + size}
		offset += size
		header[t.Name] = info
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header with spaces to an 8-byte boundary.
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, int64(len(hdr))); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, t := range sorted {
		if _, err := w.Write(encode(t.Data, dt)); err != nil {
			return err
		}
	}
	return w.Flush()
}
