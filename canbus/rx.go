package canbus

import "sync"

// rxState holds the receive side shared by controller implementations: two
// bounded FIFOs behind an acceptance filter, per-FIFO notification and the
// error flag. Events are raised outside the lock.
type rxState struct {
	handle Handle

	mu         sync.Mutex
	depth      int
	filter     FilterMode
	fifos      [NumFIFOs][]Frame
	notify     [NumFIFOs]bool
	events     Events
	errPending bool
	overruns   uint64
}

func (r *rxState) setFilter(m FilterMode) {
	r.mu.Lock()
	r.filter = m
	r.mu.Unlock()
}

func (r *rxState) attach(ev Events) {
	r.mu.Lock()
	r.events = ev
	r.mu.Unlock()
}

// push routes f through the filter into a FIFO, dropping it when the FIFO
// is full, and raises RxPending if that FIFO's notification is enabled.
func (r *rxState) push(f Frame) {
	r.mu.Lock()
	q, ok := r.filter.Route(f)
	if !ok {
		r.mu.Unlock()
		return
	}
	if len(r.fifos[q]) >= r.depth {
		r.overruns++
		r.mu.Unlock()
		return
	}
	r.fifos[q] = append(r.fifos[q], f)
	var ev Events
	if r.notify[q] {
		ev = r.events
	}
	r.mu.Unlock()
	if ev != nil {
		ev.RxPending(r.handle, q)
	}
}

func (r *rxState) fill(q FIFO) int {
	if q >= NumFIFOs {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fifos[q])
}

func (r *rxState) read(q FIFO) (Frame, error) {
	if q >= NumFIFOs {
		return Frame{}, ErrInvalidFIFO
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fifos[q]) == 0 {
		return Frame{}, ErrEmpty
	}
	f := r.fifos[q][0]
	r.fifos[q] = r.fifos[q][1:]
	return f, nil
}

// enable turns notification on. Like a level-triggered interrupt it fires at
// once when the FIFO already holds frames.
func (r *rxState) enable(q FIFO) {
	if q >= NumFIFOs {
		return
	}
	r.mu.Lock()
	r.notify[q] = true
	ev := r.events
	fire := len(r.fifos[q]) > 0
	r.mu.Unlock()
	if fire && ev != nil {
		ev.RxPending(r.handle, q)
	}
}

func (r *rxState) disable(q FIFO) {
	if q >= NumFIFOs {
		return
	}
	r.mu.Lock()
	r.notify[q] = false
	r.mu.Unlock()
}

func (r *rxState) enabled(q FIFO) bool {
	if q >= NumFIFOs {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notify[q]
}

func (r *rxState) raiseError() {
	r.mu.Lock()
	r.errPending = true
	ev := r.events
	r.mu.Unlock()
	if ev != nil {
		ev.BusError(r.handle)
	}
}

func (r *rxState) errorPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errPending
}

func (r *rxState) resetError() {
	r.mu.Lock()
	r.errPending = false
	r.mu.Unlock()
}

func (r *rxState) overrunCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}
