package orchestrator

import (
	"time"

	"github.com/ridelink/sensor-hub/pkg/identify"
	"github.com/ridelink/sensor-hub/pkg/normalize"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/transport"
)

// handleEvent runs on the registry goroutine for every adapter event.
func (o *Orchestrator) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDiscovered:
		o.onDiscovered(ev)
	case transport.EventConnected:
		o.onConnected(ev)
	case transport.EventDisconnected:
		o.onDisconnected(ev)
	case transport.EventData:
		o.onData(ev)
	default:
		o.logger.Debug("Ignoring %s event from %s", ev.Kind, ev.Protocol)
	}
}

// deviceFromEvent builds a fresh record from whatever the adapter reported.
func deviceFromEvent(ev transport.Event) *sensor.Device {
	switch {
	case ev.Device != nil:
		d := ev.Device.Clone()
		if d.Protocol == sensor.ProtocolUnknown {
			d.Protocol = ev.Protocol
		}
		d.ID = d.Protocol.DeviceID(d.ID)
		if d.Type == "" {
			d.Type = sensor.TypeUnknown
		}
		if d.Capabilities == nil {
			d.Capabilities = []string{}
		}
		return d
	case ev.Advertisement != nil:
		return identify.DeviceFromAdvertisement(*ev.Advertisement, identify.Identify(*ev.Advertisement))
	}
	return nil
}

func (o *Orchestrator) onDiscovered(ev transport.Event) {
	fresh := deviceFromEvent(ev)
	if fresh == nil || fresh.ID == "" {
		o.logger.Debug("Discovery event from %s without a device", ev.Protocol)
		return
	}
	if o.cfg.Cache != nil && o.cfg.Cache.Enrich(fresh) {
		fresh.DisplayName = identify.DisplayName(fresh.Name, fresh.Type, fresh.Manufacturer, fresh.Model, fresh.BatteryLevel)
	}

	d := o.lookup(fresh.ID)
	if d == nil {
		fresh.State = sensor.StateDiscovered
		o.discovered[fresh.ID] = fresh
		o.logger.Debug("Discovered %s (%s, confidence %d)", fresh.ID, fresh.Type, fresh.Confidence)
		d = fresh
	} else {
		mergeDevice(d, fresh)
		if _, connected := o.connected[d.ID]; !connected {
			o.discovered[d.ID] = d
		}
	}
	o.updateGauges()
	o.publish(Event{Type: EventScanResult, DeviceID: d.ID, Status: d.State, Device: d.Clone()})
}

// mergeDevice folds a newer observation into an existing record. The connection state is kept
// unless the device had failed or dropped, in which case being heard again makes it available.
func mergeDevice(d, fresh *sensor.Device) {
	if fresh.Name != "" {
		d.Name = fresh.Name
	}
	if fresh.Confidence >= d.Confidence || d.Type == sensor.TypeUnknown {
		if fresh.Type != sensor.TypeUnknown || d.Type == sensor.TypeUnknown {
			d.Type = fresh.Type
		}
		d.Confidence = fresh.Confidence
	}
	if fresh.Manufacturer != "" {
		d.Manufacturer = fresh.Manufacturer
	}
	if fresh.Model != "" {
		d.Model = fresh.Model
	}
	if fresh.FirmwareVersion != "" {
		d.FirmwareVersion = fresh.FirmwareVersion
	}
	if fresh.BatteryLevel != nil {
		level := *fresh.BatteryLevel
		d.BatteryLevel = &level
	}
	d.SignalStrength = fresh.SignalStrength
	d.Capabilities = identify.MergeCapabilities(d.Capabilities, fresh.Capabilities)
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	for k, v := range fresh.Metadata {
		d.Metadata[k] = v
	}
	if !fresh.LastSeen.IsZero() {
		d.LastSeen = fresh.LastSeen
	}
	switch d.State {
	case sensor.StateError, sensor.StateDisconnected, "":
		d.State = sensor.StateDiscovered
	}
	d.DisplayName = identify.DisplayName(d.Name, d.Type, d.Manufacturer, d.Model, d.BatteryLevel)
}

// onConnected accepts connections the orchestrator did not initiate as well as confirmations of
// its own. Only a new connection is reported.
func (o *Orchestrator) onConnected(ev transport.Event) {
	id := ev.Protocol.DeviceID(ev.DeviceID)
	d := o.lookup(id)
	if fresh := deviceFromEvent(ev); fresh != nil {
		if d == nil {
			d = fresh
			o.discovered[id] = d
		} else {
			mergeDevice(d, fresh)
		}
	}
	if d == nil {
		d = &sensor.Device{
			ID:           id,
			Name:         id,
			Type:         sensor.TypeUnknown,
			Protocol:     ev.Protocol,
			Capabilities: []string{},
			LastSeen:     time.Now(),
		}
		d.DisplayName = identify.DisplayName(d.Name, d.Type, "", "", nil)
	}
	if o.markConnected(d) {
		o.logger.Info("Transport %s reports %s connected", ev.Protocol, id)
	}
}

func (o *Orchestrator) onDisconnected(ev transport.Event) {
	id := ev.Protocol.DeviceID(ev.DeviceID)
	d, ok := o.connected[id]
	if !ok {
		o.logger.Debug("Ignoring disconnect of %s which is not connected", id)
		return
	}
	if ev.Err != nil {
		o.logger.Warning("Lost connection to %s: %s", id, ev.Err)
	} else {
		o.logger.Info("Transport %s reports %s disconnected", ev.Protocol, id)
	}
	o.markDisconnected(d, ev.Err)
}

// onData normalizes a sample and reports it. It never touches the device sets and never waits
// for the session service.
func (o *Orchestrator) onData(ev transport.Event) {
	if ev.Data == nil {
		return
	}
	raw := *ev.Data
	if raw.DeviceID != "" {
		raw.DeviceID = ev.Protocol.DeviceID(raw.DeviceID)
	}

	reading, err := o.cfg.Normalizer.Parse(o.baseCtx, raw, ev.Protocol)
	if err != nil {
		if rejected, ok := normalize.IsReject(err); ok {
			o.cfg.Metrics.ReadingRejected(string(rejected.Reason))
		}
		o.logger.Debug("Dropped sample from %s: %s", raw.DeviceID, err)
		return
	}
	if reading.SessionID == "" {
		reading.SessionID = o.sessions.id()
	}
	o.cfg.Metrics.ReadingAccepted(string(reading.MetricType), reading.Quality)
	o.publish(Event{
		Type:      EventSensorData,
		Timestamp: reading.Timestamp,
		DeviceID:  reading.DeviceID,
		Reading:   reading,
	})
}
