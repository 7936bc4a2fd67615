// Package calib runs calibration batches through a model and records the
// outputs of the attention projections.
package calib

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-transmla/internal/device"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/metrics"
	"github.com/23skdu/longbow-transmla/internal/model"
)

// Activation is the output of one projection for one calibration batch.
// Rows are sequence-major (s*SeqLen + t); rows of padding tokens are zero.
type Activation struct {
	Data   *mat.Dense
	Batch  int
	SeqLen int
	Valid  []bool
}

// ValidRows counts the rows backed by real tokens.
func (a Activation) ValidRows() int {
	n := 0
	for _, v := range a.Valid {
		if v {
			n++
		}
	}
	return n
}

// Set holds the activations of one calibration pass keyed by projection and
// layer index.
type Set struct {
	Pass       string
	NumBatches int
	acts       map[model.Projection]map[int][]Activation
}

func newSet(pass string, batches int) *Set {
	return &Set{Pass: pass, NumBatches: batches, acts: make(map[model.Projection]map[int][]Activation)}
}

// Layer returns the per-batch activations of projection p in layer i. The
// second result is false when the projection was not observed.
func (s *Set) Layer(p model.Projection, i int) ([]Activation, bool) {
	acts, ok := s.acts[p][i]
	return acts, ok
}

// Layers lists the layer indices with activations for p.
func (s *Set) Layers(p model.Projection) []int {
	out := make([]int, 0, len(s.acts[p]))
	for i := range s.acts[p] {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Projections lists the observed projections in canonical order.
func (s *Set) Projections() []model.Projection {
	var out []model.Projection
	for _, p := range model.Projections {
		if len(s.acts[p]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Bytes is the float64 payload held by the set.
func (s *Set) Bytes() int64 {
	var n int64
	for _, layers := range s.acts {
		for _, acts := range layers {
			for _, a := range acts {
				r, c := a.Data.Dims()
				n += int64(r * c * 8)
			}
		}
	}
	return n
}

// Matrices returns the data matrices of acts, in batch order.
func Matrices(acts []Activation) []*mat.Dense {
	out := make([]*mat.Dense, len(acts))
	for i, a := range acts {
		out[i] = a.Data
	}
	return out
}

// Sink receives every finished activation set.
type Sink interface {
	Write(ctx context.Context, set *Set) error
}

type options struct {
	dev  device.Device
	sink Sink
	pass string
}

type Option func(*options)

func WithDevice(d device.Device) Option { return func(o *options) { o.dev = d } }

func WithSink(s Sink) Option { return func(o *options) { o.sink = s } }

// WithPass labels the pass in logs, metrics and sinks.
func WithPass(name string) Option { return func(o *options) { o.pass = name } }

type recorder struct {
	proj    model.Projection
	layer   int
	outputs []*mat.Dense
}

func (r *recorder) observe(out *mat.Dense) {
	r.outputs = append(r.outputs, mat.DenseCopyOf(out))
}

// Run feeds batches through m in order with a forward hook on every present
// projection, then zeroes the rows of padding tokens. Hooks are removed on
// every exit path.
func Run(ctx context.Context, m *model.Model, batches []model.Batch, opts ...Option) (*Set, error) {
	o := options{pass: "calibration"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dev == nil {
		o.dev = device.NewCPU(0)
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("calibration pass %s: no batches", o.pass)
	}
	log := logger.Log.With("pass", o.pass)

	var recorders []*recorder
	var handles []*model.HookHandle
	defer func() {
		for _, h := range handles {
			h.Remove()
		}
		metrics.RecordHooks(-len(handles))
	}()
	for i, layer := range m.Layers {
		projs := layer.Attention().Projections()
		for _, p := range model.Projections {
			lin, ok := projs[p]
			if !ok || lin == nil {
				continue
			}
			rec := &recorder{proj: p, layer: i}
			recorders = append(recorders, rec)
			handles = append(handles, lin.RegisterForwardHook(rec.observe))
		}
	}
	metrics.RecordHooks(len(handles))

	valid := make([][]bool, len(batches))
	o.dev.Synchronize()
	start := time.Now()
	for bi := range batches {
		b := &batches[bi]
		valid[bi] = b.ValidRows()
		if _, err := m.Forward(ctx, b); err != nil {
			return nil, fmt.Errorf("calibration pass %s, batch %d: %w", o.pass, bi, err)
		}
	}
	o.dev.Synchronize()
	elapsed := time.Since(start)

	for _, h := range handles {
		h.Remove()
	}

	set := newSet(o.pass, len(batches))
	var g errgroup.Group
	g.SetLimit(o.dev.Workers())
	for _, rec := range recorders {
		if len(rec.outputs) != len(batches) {
			return nil, fmt.Errorf("projection %s layer %d: captured %d outputs for %d batches",
				rec.proj, rec.layer, len(rec.outputs), len(batches))
		}
	}
	for _, rec := range recorders {
		g.Go(func() error {
			for bi, out := range rec.outputs {
				zeroInvalid(out, valid[bi])
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, rec := range recorders {
		layers, ok := set.acts[rec.proj]
		if !ok {
			layers = make(map[int][]Activation)
			set.acts[rec.proj] = layers
		}
		acts := make([]Activation, len(rec.outputs))
		for bi, out := range rec.outputs {
			_, t := batches[bi].Size()
			acts[bi] = Activation{Data: out, Batch: bi, SeqLen: t, Valid: valid[bi]}
		}
		layers[rec.layer] = acts
	}

	bytes := set.Bytes()
	device.TrackAlloc(bytes)
	metrics.RecordCalibrationPass(o.pass, len(batches), bytes, elapsed)
	log.Info("calibration pass finished",
		"batches", len(batches),
		"hooks", len(handles),
		"bytes", bytes,
		"elapsed", elapsed)

	if o.sink != nil {
		if err := o.sink.Write(ctx, set); err != nil {
			return nil, fmt.Errorf("write activations: %w", err)
		}
	}
	return set, nil
}

// Release drops the tracked allocation of a set that is no longer needed.
func (s *Set) Release() {
	device.TrackAlloc(-s.Bytes())
	s.acts = nil
}

func zeroInvalid(m *mat.Dense, valid []bool) {
	for i, ok := range valid {
		if ok {
			continue
		}
		row := m.RawRowView(i)
		for j := range row {
			row[j] = 0
		}
	}
}
