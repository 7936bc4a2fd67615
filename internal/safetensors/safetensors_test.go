package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOpen(t *testing.T) {
	vals := []float32{1, -2, 0.5, 0.25, 3, -8}
	for _, dt := range []DType{F32, F16, BF16} {
		t.Run(string(dt), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.safetensors")
			require.NoError(t, WriteFile(path, []Tensor{
				{Name: "b.weight", Shape: []uint64{2, 3}, Data: vals},
				{Name: "a.weight", Shape: []uint64{2}, Data: vals[:2]},
			}, dt, map[string]string{"format": "pt"}))

			f, err := Open(path)
			require.NoError(t, err)
			defer f.Close()

			assert.Equal(t, []string{"a.weight", "b.weight"}, f.Names())
			assert.Equal(t, "pt", f.Metadata["format"])

			got, info, err := f.Float32s("b.weight")
			require.NoError(t, err)
			assert.Equal(t, dt, info.DType)
			assert.Equal(t, []uint64{2, 3}, info.Shape)
			// Every value is exactly representable in all three formats.
			assert.Equal(t, vals, got)

			_, _, err = f.Float32s("missing")
			assert.ErrorIs(t, err, ErrTensorNotFound)
		})
	}
}

func TestHeaderAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.safetensors")
	require.NoError(t, WriteFile(path, []Tensor{{Name: "w", Shape: []uint64{1}, Data: []float32{1}}}, F32, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint64(data)
	assert.Zero(t, n%8)
	assert.Len(t, data, 8+int(n)+4)
}

func TestWriteErrors(t *testing.T) {
	dir := t.TempDir()
	err := WriteFile(filepath.Join(dir, "a"), []Tensor{{Name: "w", Shape: []uint64{3}, Data: []float32{1}}}, F32, nil)
	assert.Error(t, err)

	err = WriteFile(filepath.Join(dir, "b"), nil, DType("I8"), nil)
	assert.Error(t, err)

	err = WriteFile(filepath.Join(dir, "c"), []Tensor{
		{Name: "w", Shape: []uint64{1}, Data: []float32{1}},
		{Name: "w", Shape: []uint64{1}, Data: []float32{1}},
	}, F32, nil)
	assert.Error(t, err)
}

func TestOpenRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, header string) string {
		p := filepath.Join(dir, name)
		buf := make([]byte, 8, 8+len(header))
		binary.LittleEndian.PutUint64(buf, uint64(len(header)))
		require.NoError(t, os.WriteFile(p, append(buf, header...), 0o644))
		return p
	}

	_, err := Open(write("dtype", `{"w":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`))
	assert.Error(t, err)

	_, err = Open(write("span", `{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`))
	assert.Error(t, err)

	_, err = Open(write("json", `{not json`))
	assert.Error(t, err)

	p := filepath.Join(dir, "huge")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1<<40)
	require.NoError(t, os.WriteFile(p, buf, 0o644))
	_, err = Open(p)
	assert.Error(t, err)
}
