package canbus

import (
	"sync"
	"sync/atomic"
)

// Relay fans received frames out to any number of subscribers via filters.
//
// Publish has the shape of the upper-layer relay callback, so a Relay can be
// handed straight to an interface's receive path. Publish never blocks: a
// subscriber whose channel is full misses the frame.
type Relay struct {
	mu     sync.RWMutex
	closed bool
	subs   map[uint64]*subscriber
	next   uint64

	dropped atomic.Uint64
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
}

// NewRelay creates an empty relay.
func NewRelay() *Relay {
	return &Relay{subs: make(map[uint64]*subscriber)}
}

// Publish delivers f to every subscriber whose filter matches.
func (r *Relay) Publish(f Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if s.filter != nil && !s.filter(f) {
			continue
		}
		select {
		case s.ch <- f:
		default:
			r.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber with the provided filter and channel
// buffer. The returned cancel function closes the channel.
func (r *Relay) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer)}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := r.next
	r.next++
	r.subs[id] = s
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if cur, ok := r.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(r.subs, id)
		}
		r.mu.Unlock()
	}
	return s.ch, cancel
}

// Dropped counts frames not delivered because a subscriber was full.
func (r *Relay) Dropped() uint64 { return r.dropped.Load() }

// Close closes all subscriber channels. Later subscriptions are closed at once.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, s := range r.subs {
		close(s.ch)
		delete(r.subs, id)
	}
	return nil
}
