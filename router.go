package canzero

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/notnil/canzero/canbus"
)

var (
	// ErrSealed is returned by Register after Seal.
	ErrSealed = errors.New("canzero: router sealed")
	// ErrDuplicateHandle is returned when two interfaces share a controller handle.
	ErrDuplicateHandle = errors.New("canzero: duplicate controller handle")
)

// Router maps controller handles to the Interface that owns them and turns
// controller events into dispatch loop wakeups. Interfaces are registered
// at startup; once sealed the table is only read.
//
// Router methods called by controllers run in their notification context:
// they do no bus I/O and never block.
type Router struct {
	mu     sync.RWMutex
	sealed bool
	owners map[canbus.Handle]*Interface

	unknown atomic.Uint64
}

var _ canbus.Events = (*Router)(nil)

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{owners: make(map[canbus.Handle]*Interface)}
}

// Register adds iface to the table and attaches the router to its controller.
func (r *Router) Register(iface *Interface) error {
	h := iface.ctrl.Handle()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.owners[h]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandle, h)
	}
	r.owners[h] = iface
	iface.routed.Store(true)
	iface.ctrl.Attach(r)
	return nil
}

// Seal freezes the table.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the interface owning h.
func (r *Router) Lookup(h canbus.Handle) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.owners[h]
	return iface, ok
}

// Unknown counts events for handles nobody registered.
func (r *Router) Unknown() uint64 { return r.unknown.Load() }

// RxPending masks further notification on fifo until the dispatch loop
// re-arms it, then wakes the loop.
func (r *Router) RxPending(h canbus.Handle, fifo canbus.FIFO) {
	iface, ok := r.Lookup(h)
	if !ok {
		r.unknown.Add(1)
		return
	}
	iface.ctrl.DisableNotify(fifo)
	iface.notify()
}

// BusError acknowledges the controller error so traffic resumes.
func (r *Router) BusError(h canbus.Handle) {
	iface, ok := r.Lookup(h)
	if !ok {
		r.unknown.Add(1)
		return
	}
	iface.ctrl.ResetError()
	iface.irqErrs.Add(1)
	iface.notify()
}
