package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/ridelink/sensor-hub/pkg/orchestrator"
)

// ErrQueueFull is returned when a sink drops an event because its buffer is full.
var ErrQueueFull = errors.New("sink queue full")

// Chan buffers events for an in-process consumer such as the console.
type Chan struct {
	events chan orchestrator.Event
	lock   sync.Mutex
	closed bool
}

// NewChan creates a Chan holding up to size undelivered events.
func NewChan(size int) *Chan {
	return &Chan{events: make(chan orchestrator.Event, size)}
}

func (c *Chan) Publish(_ context.Context, ev orchestrator.Event) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events returns the channel consumers read from. It is closed by Close.
func (c *Chan) Events() <-chan orchestrator.Event {
	return c.events
}

func (c *Chan) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}
