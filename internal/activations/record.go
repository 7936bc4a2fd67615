// Package activations exports calibration activations as Arrow records, to
// IPC files on disk or to an Arrow Flight endpoint.
package activations

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/model"
)

const (
	colPosition = "position"
	colValid    = "valid"
	colValues   = "values"

	metaPass       = "pass"
	metaProjection = "projection"
	metaLayer      = "layer"
)

// Key identifies one exported stream.
type Key struct {
	Pass       string
	Projection model.Projection
	Layer      int
}

func (k Key) path() []string {
	return []string{k.Pass, string(k.Projection), strconv.Itoa(k.Layer)}
}

// Schema is the record layout for activations of the given width. Rows are
// sequence-major, so a batch's sequence length is one past its largest
// position.
func Schema(k Key, width int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaPass, metaProjection, metaLayer},
		[]string{k.Pass, string(k.Projection), strconv.Itoa(k.Layer)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: colPosition, Type: arrow.PrimitiveTypes.Int32},
		{Name: colValid, Type: arrow.FixedWidthTypes.Boolean},
		{Name: colValues, Type: arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// newRecord converts one batch. The caller releases the record.
func newRecord(mem memory.Allocator, schema *arrow.Schema, a calib.Activation) arrow.Record {
	rows, width := a.Data.Dims()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	pos := b.Field(0).(*array.Int32Builder)
	valid := b.Field(1).(*array.BooleanBuilder)
	list := b.Field(2).(*array.FixedSizeListBuilder)
	vals := list.ValueBuilder().(*array.Float32Builder)

	pos.Reserve(rows)
	valid.Reserve(rows)
	vals.Reserve(rows * width)
	for r := 0; r < rows; r++ {
		pos.Append(int32(r % a.SeqLen))
		valid.Append(r < len(a.Valid) && a.Valid[r])
		list.Append(true)
		for _, v := range a.Data.RawRowView(r) {
			vals.Append(float32(v))
		}
	}
	return b.NewRecord()
}

// keyOf recovers the stream identity from schema metadata.
func keyOf(schema *arrow.Schema) (Key, error) {
	md := schema.Metadata()
	get := func(name string) (string, error) {
		i := md.FindKey(name)
		if i < 0 {
			return "", fmt.Errorf("activations: schema metadata lacks %q", name)
		}
		return md.Values()[i], nil
	}
	var k Key
	var err error
	if k.Pass, err = get(metaPass); err != nil {
		return k, err
	}
	proj, err := get(metaProjection)
	if err != nil {
		return k, err
	}
	k.Projection = model.Projection(proj)
	layer, err := get(metaLayer)
	if err != nil {
		return k, err
	}
	if k.Layer, err = strconv.Atoi(layer); err != nil {
		return k, fmt.Errorf("activations: layer %q: %w", layer, err)
	}
	return k, nil
}

// fromRecord converts a record back into an activation.
func fromRecord(rec arrow.Record, batch int) (calib.Activation, error) {
	if rec.NumCols() != 3 {
		return calib.Activation{}, fmt.Errorf("activations: record has %d columns, want 3", rec.NumCols())
	}
	pos, ok := rec.Column(0).(*array.Int32)
	if !ok {
		return calib.Activation{}, fmt.Errorf("activations: column %s is %s", colPosition, rec.Column(0).DataType())
	}
	valid, ok := rec.Column(1).(*array.Boolean)
	if !ok {
		return calib.Activation{}, fmt.Errorf("activations: column %s is %s", colValid, rec.Column(1).DataType())
	}
	list, ok := rec.Column(2).(*array.FixedSizeList)
	if !ok {
		return calib.Activation{}, fmt.Errorf("activations: column %s is %s", colValues, rec.Column(2).DataType())
	}
	width := int(list.DataType().(*arrow.FixedSizeListType).Len())
	vals, ok := list.ListValues().(*array.Float32)
	if !ok {
		return calib.Activation{}, fmt.Errorf("activations: list values are %s", list.ListValues().DataType())
	}

	rows := int(rec.NumRows())
	seqLen := 0
	for r := 0; r < rows; r++ {
		seqLen = max(seqLen, int(pos.Value(r))+1)
	}
	if seqLen == 0 || rows%seqLen != 0 {
		return calib.Activation{}, fmt.Errorf("activations: %d rows is not a multiple of seq_len %d", rows, seqLen)
	}
	data := make([]float64, rows*width)
	flags := make([]bool, rows)
	for r := 0; r < rows; r++ {
		flags[r] = valid.Value(r)
		base := (list.Offset() + r) * width
		for j := 0; j < width; j++ {
			data[r*width+j] = float64(vals.Value(base + j))
		}
	}
	return calib.Activation{
		Data:   mat.NewDense(rows, width, data),
		Batch:  batch,
		SeqLen: seqLen,
		Valid:  flags,
	}, nil
}

// each walks every (projection, layer) stream of a set in a stable order.
func each(set *calib.Set, fn func(Key, []calib.Activation) error) error {
	for _, p := range set.Projections() {
		for _, layer := range set.Layers(p) {
			acts, _ := set.Layer(p, layer)
			if len(acts) == 0 {
				continue
			}
			if err := fn(Key{Pass: set.Pass, Projection: p, Layer: layer}, acts); err != nil {
				return err
			}
		}
	}
	return nil
}
