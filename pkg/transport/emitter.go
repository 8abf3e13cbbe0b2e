package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Emitter is the event channel shared by adapter implementations. Emit never blocks the radio
// callback that calls it: when the consumer falls behind, events are dropped and counted.
type Emitter struct {
	ch      chan Event
	lock    sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewEmitter returns an Emitter with a buffer of size events. Non-positive sizes use
// EventBufferSize.
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = EventBufferSize
	}
	return &Emitter{ch: make(chan Event, size)}
}

// Emit queues ev, stamping its time if unset. It returns false if the event was dropped.
func (e *Emitter) Emit(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Events returns the receive side of the channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close closes the channel. Later calls to Emit are ignored.
func (e *Emitter) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
