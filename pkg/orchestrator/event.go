package orchestrator

import (
	"context"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// EventType names an outward event.
type EventType string

const (
	// EventScanResult reports a newly discovered or updated device.
	EventScanResult EventType = "scan-result"
	// EventDeviceStatus reports a connection state change, including failures.
	EventDeviceStatus EventType = "device-status"
	// EventSensorData carries one accepted reading.
	EventSensorData EventType = "sensor-data"
)

// Event is what the orchestrator reports to its Sink. Device and Reading are copies owned by the
// receiver.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	DeviceID  string                 `json:"deviceId"`
	Status    sensor.ConnectionState `json:"status,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Device    *sensor.Device         `json:"device,omitempty"`
	Reading   *sensor.Reading        `json:"reading,omitempty"`
}

// Sink receives outward events. Publish is called from the registry goroutine and must not
// block; implementations that do I/O queue internally.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
