// Package transport defines the contract between the orchestrator and the radio-specific
// adapters that talk to peripherals.
//
// An [Adapter] owns one radio. It reports everything it hears as [Event] values on a single
// channel, in the order it heard them, and performs connects and disconnects on request. Adapters
// never touch the device registry; the orchestrator is the only writer.
package transport

//go:generate mockgen -destination=../../mocks/transport_adapter.go -package=mocks -mock_names=Adapter=TransportAdapter . Adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// EventKind distinguishes the events an adapter emits.
type EventKind int

const (
	// EventDiscovered carries either an Advertisement (BLE) or a pre-built Device (ANT).
	EventDiscovered EventKind = iota + 1
	EventConnected
	EventDisconnected
	// EventData carries a RawEvent to be normalized.
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventData:
		return "data"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one observation reported by an adapter.
type Event struct {
	Kind     EventKind
	Protocol sensor.Protocol
	// DeviceID is the registry-wide id (already prefixed by the adapter).
	DeviceID      string
	Advertisement *sensor.Advertisement
	Device        *sensor.Device
	Data          *sensor.RawEvent
	// Err is the reason for an unsolicited disconnect, if known.
	Err  error
	Time time.Time
}

// Adapter is implemented by every radio transport.
//
// StartScanning and StopScanning must be idempotent. StartScanning returns once the radio is
// scanning; ctx bounds only that start-up, and the scan runs until StopScanning or Close. Connect and Disconnect block until the
// transport has completed (or failed) the operation and must honour ctx cancellation. Close
// releases the radio and closes the Events channel; it is safe to call more than once.
type Adapter interface {
	Protocol() sensor.Protocol
	StartScanning(ctx context.Context) error
	StopScanning() error
	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error
	Events() <-chan Event
	Close() error
}

// EventBufferSize is the default capacity of adapter event channels.
const EventBufferSize = 256
