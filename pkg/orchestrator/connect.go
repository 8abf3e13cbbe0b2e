package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// ConnectDevice connects to a discovered device through the adapter that owns its protocol and
// returns true on success. Failures are not returned as errors: the device moves to the error
// state and a device-status event carries the cause. Connecting an already connected device
// succeeds immediately.
//
// Concurrent calls for the same device share one transport attempt and all observe its result.
func (o *Orchestrator) ConnectDevice(ctx context.Context, id string) bool {
	result, _, _ := o.flights.Do("connect:"+id, func() (any, error) {
		return o.connect(ctx, id), nil
	})
	return result.(bool)
}

func (o *Orchestrator) connect(ctx context.Context, id string) bool {
	var (
		known     bool
		connected bool
		protocol  sensor.Protocol
		record    *sensor.Device
	)
	err := o.do(ctx, func() {
		d := o.lookup(id)
		if d == nil {
			o.publishStatus(nil, id, sensor.StateError, sensor.ErrUnknownDevice)
			return
		}
		known = true
		protocol = d.Protocol
		record = d.Clone()
		if d.Connected {
			connected = true
			return
		}
		d.State = sensor.StateConnecting
		o.publishStatus(d, id, sensor.StateConnecting, nil)
	})
	if err != nil {
		o.logger.Warning("Cannot connect %s: %s", id, err)
		return false
	}
	if !known {
		o.logger.Warning("Connect requested for unknown device %s", id)
		return false
	}
	if connected {
		return true
	}

	adapter, ok := o.adapters[protocol]
	if !ok {
		o.fail(id, sensor.StateError, fmt.Errorf("%w %s", sensor.ErrNoAdapter, protocol))
		return false
	}

	started := time.Now()
	connectErr := adapter.Connect(ctx, id)
	o.cfg.Metrics.ConnectAttempt(protocol.String(), time.Since(started), connectErr == nil)
	if connectErr != nil {
		o.logger.Warning("Failed to connect %s: %s", id, connectErr)
		o.cfg.Metrics.TransportError(protocol.String(), "connect")
		o.fail(id, sensor.StateError, connectErr)
		return false
	}

	err = o.do(context.Background(), func() {
		d := o.lookup(id)
		if d == nil {
			// The scan that discovered it was restarted while connecting.
			d = record
		}
		o.markConnected(d)
	})
	if err != nil {
		o.logger.Warning("Connected %s but the registry is unavailable: %s", id, err)
		return false
	}
	o.logger.Info("Connected %s", id)
	return true
}

// DisconnectDevice disconnects a connected device and returns true on success. A device that is
// not connected yields false and a device-status event.
func (o *Orchestrator) DisconnectDevice(ctx context.Context, id string) bool {
	result, _, _ := o.flights.Do("disconnect:"+id, func() (any, error) {
		return o.disconnect(ctx, id), nil
	})
	return result.(bool)
}

func (o *Orchestrator) disconnect(ctx context.Context, id string) bool {
	var protocol sensor.Protocol
	err := o.do(ctx, func() {
		d, ok := o.connected[id]
		if !ok {
			cause := sensor.ErrNotConnected
			if o.lookup(id) == nil {
				cause = sensor.ErrUnknownDevice
			}
			o.publishStatus(o.lookup(id), id, sensor.StateError, cause)
			return
		}
		protocol = d.Protocol
	})
	if err != nil {
		o.logger.Warning("Cannot disconnect %s: %s", id, err)
		return false
	}
	if protocol == sensor.ProtocolUnknown {
		o.logger.Warning("Disconnect requested for %s which is not connected", id)
		return false
	}

	adapter, ok := o.adapters[protocol]
	if !ok {
		o.fail(id, sensor.StateError, fmt.Errorf("%w %s", sensor.ErrNoAdapter, protocol))
		return false
	}
	if err := adapter.Disconnect(ctx, id); err != nil {
		o.logger.Warning("Failed to disconnect %s: %s", id, err)
		o.cfg.Metrics.TransportError(protocol.String(), "disconnect")
		o.fail(id, "", err)
		return false
	}

	err = o.do(context.Background(), func() {
		if d, ok := o.connected[id]; ok {
			o.markDisconnected(d, nil)
		}
	})
	if err != nil {
		o.logger.Warning("Disconnected %s but the registry is unavailable: %s", id, err)
		return false
	}
	o.logger.Info("Disconnected %s", id)
	return true
}

// fail records a failed operation. An empty state leaves the device state unchanged.
func (o *Orchestrator) fail(id string, state sensor.ConnectionState, cause error) {
	err := o.do(context.Background(), func() {
		d := o.lookup(id)
		status := state
		if d != nil {
			if state != "" {
				d.State = state
			}
			status = d.State
		}
		if status == "" {
			status = sensor.StateError
		}
		o.publishStatus(d, id, status, cause)
	})
	if err != nil {
		o.logger.Debug("Could not record failure for %s: %s", id, err)
	}
}

// markConnected must run on the registry goroutine. It moves d from the discovered set to the
// connected one.
func (o *Orchestrator) markConnected(d *sensor.Device) bool {
	_, already := o.connected[d.ID]
	d.Connected = true
	d.State = sensor.StateConnected
	d.LastSeen = time.Now()
	delete(o.discovered, d.ID)
	o.connected[d.ID] = d
	o.updateGauges()
	if o.cfg.Cache != nil {
		o.cfg.Cache.Remember(d)
	}
	if !already {
		o.publishStatus(d, d.ID, sensor.StateConnected, nil)
	}
	return !already
}

// markDisconnected must run on the registry goroutine. A non-nil cause means the link was lost
// rather than closed on request. The device goes back to the discovered set.
func (o *Orchestrator) markDisconnected(d *sensor.Device, cause error) {
	delete(o.connected, d.ID)
	o.discovered[d.ID] = d
	d.Connected = false
	d.State = sensor.StateDisconnected
	if cause != nil {
		d.State = sensor.StateError
	}
	o.updateGauges()
	o.publishStatus(d, d.ID, d.State, cause)
}
