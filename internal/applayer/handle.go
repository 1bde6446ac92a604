package applayer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/applayer/internal/core"
)

// Handle is the opaque reference the host keeps for one flow state.
// The zero Handle is never issued.
type Handle uint64

// Closer is implemented by flow states that hold delegated resources.
type Closer interface {
	Close()
}

// HandleTable maps handles to flow states. A handle stays valid until
// Destroy is called for it, exactly once.
type HandleTable[F any] struct {
	next atomic.Uint64
	data sync.Map // map[Handle]F
}

// NewHandleTable creates an empty table.
func NewHandleTable[F any]() *HandleTable[F] {
	return &HandleTable[F]{}
}

// Add stores state and returns its new handle.
func (t *HandleTable[F]) Add(state F) Handle {
	h := Handle(t.next.Add(1))
	t.data.Store(h, state)
	return h
}

// Get returns the state behind h.
func (t *HandleTable[F]) Get(h Handle) (F, bool) {
	v, ok := t.data.Load(h)
	if !ok {
		var zero F
		return zero, false
	}
	return v.(F), true
}

// Destroy invalidates h and closes the state when it implements Closer.
func (t *HandleTable[F]) Destroy(h Handle) error {
	v, ok := t.data.LoadAndDelete(h)
	if !ok {
		return fmt.Errorf("handle %d: %w", h, core.ErrUnknownHandle)
	}
	if c, ok := v.(Closer); ok {
		c.Close()
	}
	return nil
}

// Range iterates over live handles until f returns false.
func (t *HandleTable[F]) Range(f func(h Handle, state F) bool) {
	t.data.Range(func(k, v any) bool {
		return f(k.(Handle), v.(F))
	})
}

// Count returns the number of live handles. O(n).
func (t *HandleTable[F]) Count() int {
	n := 0
	t.data.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
