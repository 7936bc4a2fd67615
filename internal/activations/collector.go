package activations

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-transmla/internal/logger"
)

// Collector is a Flight service that stores every DoPut stream under Dir in
// the layout DirSink uses, so ReadFile works on either.
type Collector struct {
	flight.BaseFlightServer

	Dir string
	mem memory.Allocator

	mu      sync.Mutex
	streams map[Key]int64
}

func NewCollector(dir string) *Collector {
	return &Collector{Dir: dir, mem: memory.NewGoAllocator(), streams: map[Key]int64{}}
}

// Serve registers c on a new Flight server bound to addr. The caller runs
// Serve on the result and shuts it down.
func (c *Collector) Serve(addr string) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(c)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("activations: listen %s: %w", addr, err)
	}
	logger.Log.Info("activation collector listening", "addr", srv.Addr().String(), "dir", c.Dir)
	return srv, nil
}

func (c *Collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return err
	}
	defer rdr.Release()

	k, err := keyOf(rdr.Schema())
	if err != nil {
		return err
	}
	rows, err := c.store(k, rdr)
	if err != nil {
		logger.Log.Error("activation stream failed", "stream", k.path(), "error", err)
		return err
	}

	c.mu.Lock()
	c.streams[k] = rows
	c.mu.Unlock()
	logger.Log.Debug("activation stream stored", "stream", k.path(), "rows", rows)
	return stream.Send(&flight.PutResult{})
}

func (c *Collector) store(k Key, rdr *flight.Reader) (rows int64, err error) {
	path := filepath.Join(c.Dir, FileName(k))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rdr.Schema()), ipc.WithAllocator(c.mem))
	if err != nil {
		return 0, err
	}
	for rdr.Next() {
		rec := rdr.Record()
		if _, err := fromRecord(rec, 0); err != nil {
			_ = w.Close()
			return rows, err
		}
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return rows, err
		}
		rows += rec.NumRows()
	}
	if err := rdr.Err(); err != nil {
		_ = w.Close()
		return rows, err
	}
	return rows, w.Close()
}

// Streams lists the keys received so far, sorted by path.
func (c *Collector) Streams() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.streams))
	for k := range c.streams {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Pass != b.Pass {
			return a.Pass < b.Pass
		}
		if a.Projection != b.Projection {
			return a.Projection < b.Projection
		}
		return a.Layer < b.Layer
	})
	return out
}
