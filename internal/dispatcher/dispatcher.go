// Package dispatcher serializes work onto a single goroutine.
//
// A Dispatcher fans in the event streams of any number of transport adapters and interleaves
// them with commands submitted through [Dispatcher.Do]. Events and commands run one at a time on
// the listening goroutine, so state they touch needs no locking. Events from one source are
// handled in the order the source emitted them.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/pkg/transport"
)

// ErrStopped is returned by Do when the dispatcher is not listening.
var ErrStopped = errors.New("dispatcher: not running")

const (
	eventBufferSize   = 64
	commandBufferSize = 16
)

// Handler processes one adapter event on the listening goroutine.
type Handler func(transport.Event)

type source struct {
	name   string
	events <-chan transport.Event
}

type command struct {
	fn   func()
	done chan struct{}
}

// Dispatcher routes adapter events and commands to a single goroutine.
type Dispatcher struct {
	handler  Handler
	sources  []source
	events   chan transport.Event
	commands chan command

	doneLock  sync.Mutex
	terminate chan struct{}
	done      chan bool
	forwards  sync.WaitGroup
}

// New creates a Dispatcher that passes adapter events to handler.
func New(handler Handler) *Dispatcher {
	return &Dispatcher{
		handler:  handler,
		events:   make(chan transport.Event, eventBufferSize),
		commands: make(chan command, commandBufferSize),
		done:     make(chan bool),
	}
}

// AddSource registers an event stream. Sources must be added before Start.
func (d *Dispatcher) AddSource(name string, events <-chan transport.Event) {
	d.sources = append(d.sources, source{name: name, events: events})
}

// Start runs the listening loop in a new goroutine. Returns an error if the loop does not signal
// it's ready before ctx expires.
func (d *Dispatcher) Start(ctx context.Context) error {
	ready := make(chan struct{})
	go d.listen(ready)
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) listen(ready chan<- struct{}) {
	d.doneLock.Lock()
	if d.terminate != nil {
		d.doneLock.Unlock()
		return
	}
	d.terminate = make(chan struct{})
	terminate := d.terminate
	d.doneLock.Unlock()

	for _, src := range d.sources {
		d.forwards.Add(1)
		go d.forward(src, terminate)
	}
	log.Debug("Dispatcher listening on %d sources", len(d.sources))
	close(ready)

	defer func() {
		d.done <- true
	}()
	for {
		select {
		case ev := <-d.events:
			d.handler(ev)
		case cmd := <-d.commands:
			cmd.fn()
			close(cmd.done)
		case <-terminate:
			d.forwards.Wait()
			return
		}
	}
}

// forward copies one source onto the shared event channel until the source closes or the
// dispatcher stops.
func (d *Dispatcher) forward(src source, terminate <-chan struct{}) {
	defer d.forwards.Done()
	for {
		select {
		case ev, open := <-src.events:
			if !open {
				log.Debug("Event source %s closed", src.name)
				return
			}
			select {
			case d.events <- ev:
			case <-terminate:
				return
			}
		case <-terminate:
			return
		}
	}
}

// Do runs fn on the listening goroutine and waits for it to finish. It returns ErrStopped if the
// dispatcher is not running, or ctx.Err() if ctx expires first. In the latter case fn may still
// run later.
func (d *Dispatcher) Do(ctx context.Context, fn func()) error {
	d.doneLock.Lock()
	terminate := d.terminate
	d.doneLock.Unlock()
	if terminate == nil {
		return ErrStopped
	}

	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case d.commands <- cmd:
	case <-terminate:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-terminate:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns true between Start and Stop.
func (d *Dispatcher) Running() bool {
	d.doneLock.Lock()
	defer d.doneLock.Unlock()
	return d.terminate != nil
}

// Stop signals the listening goroutine to exit and waits for it. Events still buffered are
// discarded.
func (d *Dispatcher) Stop() {
	d.doneLock.Lock()
	defer d.doneLock.Unlock()
	if d.terminate != nil {
		close(d.terminate)
		d.terminate = nil
		<-d.done
	}
}
