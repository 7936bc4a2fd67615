package activations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/logger"
)

// DirSink writes one Arrow IPC file per (projection, layer) under
// <Dir>/<pass>/, holding one record per calibration batch.
type DirSink struct {
	Dir string
	mem memory.Allocator
}

func NewDirSink(dir string) *DirSink {
	return &DirSink{Dir: dir, mem: memory.NewGoAllocator()}
}

// FileName is the path of a stream relative to the sink directory.
func FileName(k Key) string {
	return filepath.Join(k.Pass, fmt.Sprintf("%s-layer%03d.arrow", k.Projection, k.Layer))
}

func (s *DirSink) Write(ctx context.Context, set *calib.Set) error {
	files := 0
	err := each(set, func(k Key, acts []calib.Activation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(s.Dir, FileName(k))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := s.writeFile(path, k, acts); err != nil {
			return fmt.Errorf("activations: %s: %w", path, err)
		}
		files++
		return nil
	})
	if err != nil {
		return err
	}
	logger.Log.Info("activations written", "dir", s.Dir, "pass", set.Pass, "files", files)
	return nil
}

func (s *DirSink) writeFile(path string, k Key, acts []calib.Activation) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	_, width := acts[0].Data.Dims()
	schema := Schema(k, width)
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	if err != nil {
		return err
	}
	for _, a := range acts {
		rec := newRecord(s.mem, schema, a)
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

// ReadFile reads a file written by DirSink.
func ReadFile(path string) (Key, []calib.Activation, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return Key{}, nil, fmt.Errorf("activations: %s: %w", path, err)
	}
	defer r.Close()

	k, err := keyOf(r.Schema())
	if err != nil {
		return k, nil, err
	}
	acts := make([]calib.Activation, 0, r.NumRecords())
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return k, nil, fmt.Errorf("activations: %s record %d: %w", path, i, err)
		}
		a, err := fromRecord(rec, i)
		if err != nil {
			return k, nil, err
		}
		acts = append(acts, a)
	}
	return k, acts, nil
}

// Tee fans a set out to several sinks in order, stopping at the first error.
func Tee(sinks ...calib.Sink) calib.Sink {
	return tee(sinks)
}

type tee []calib.Sink

func (t tee) Write(ctx context.Context, set *calib.Set) error {
	for _, s := range t {
		if err := s.Write(ctx, set); err != nil {
			return err
		}
	}
	return nil
}
