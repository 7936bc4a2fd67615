package model

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Hook observes the output of a Linear forward call. The matrix is owned by
// the model and may be reused; hooks that keep it must copy.
type Hook func(out *mat.Dense)

type hookEntry struct {
	id uint64
	fn Hook
}

// Linear is a bias-free projection y = x Wᵀ with Weight stored out × in.
type Linear struct {
	Weight *mat.Dense

	mu     sync.Mutex
	hooks  []hookEntry
	nextID uint64
}

func NewLinear(w *mat.Dense) *Linear {
	return &Linear{Weight: w}
}

func (l *Linear) In() int {
	_, c := l.Weight.Dims()
	return c
}

func (l *Linear) Out() int {
	r, _ := l.Weight.Dims()
	return r
}

// Forward projects every row of x and fires the registered hooks in
// registration order on the calling goroutine.
func (l *Linear) Forward(x mat.Matrix) *mat.Dense {
	var y mat.Dense
	y.Mul(x, l.Weight.T())

	l.mu.Lock()
	hooks := make([]hookEntry, len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	for _, h := range hooks {
		h.fn(&y)
	}
	return &y
}

// HookHandle detaches a hook. Remove is idempotent.
type HookHandle struct {
	l    *Linear
	id   uint64
	once sync.Once
}

func (l *Linear) RegisterForwardHook(fn Hook) *HookHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.hooks = append(l.hooks, hookEntry{id: l.nextID, fn: fn})
	return &HookHandle{l: l, id: l.nextID}
}

func (h *HookHandle) Remove() {
	h.once.Do(func() {
		h.l.mu.Lock()
		defer h.l.mu.Unlock()
		for i, e := range h.l.hooks {
			if e.id == h.id {
				h.l.hooks = append(h.l.hooks[:i], h.l.hooks[i+1:]...)
				return
			}
		}
	})
}

// HookCount reports how many hooks are attached.
func (l *Linear) HookCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hooks)
}

func (l *Linear) params() int {
	if l == nil {
		return 0
	}
	r, c := l.Weight.Dims()
	return r * c
}
