package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/23skdu/longbow-transmla/internal/metrics"
)

// ErrUnsupported is returned when a backend was requested that this build
// cannot drive.
var ErrUnsupported = errors.New("device backend not available in this build")

// Device is the compute target for calibration passes and PCA solves.
// Synchronize blocks until queued work is finished, so timings around a
// pass measure the pass and nothing else.
type Device interface {
	Name() string
	Synchronize()
	Workers() int
}

// CPU runs everything on host memory through gonum.
type CPU struct {
	workers int
}

func NewCPU(workers int) *CPU {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPU{workers: workers}
}

func (c *CPU) Name() string { return "cpu" }

// Synchronize is a no-op: host work is complete when the call returns.
func (c *CPU) Synchronize() {}

func (c *CPU) Workers() int { return c.workers }

// Resolve maps a --device value to a Device. "auto" picks the best backend
// available, which in this build is always the CPU.
func Resolve(name string, workers int) (Device, error) {
	switch strings.ToLower(name) {
	case "", "auto", "cpu":
		return NewCPU(workers), nil
	case "cuda", "gpu", "mps":
		return nil, fmt.Errorf("device %q: %w", name, ErrUnsupported)
	}
	return nil, fmt.Errorf("unknown device %q", name)
}

var allocatedBytes atomic.Int64

// TrackAlloc adjusts the tracked host allocation and publishes the total.
func TrackAlloc(delta int64) int64 {
	v := allocatedBytes.Add(delta)
	metrics.RecordHostMemory(v)
	return v
}

func AllocatedBytes() int64 {
	return allocatedBytes.Load()
}
