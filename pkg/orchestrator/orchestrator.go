// Package orchestrator owns the device registry and coordinates the transport adapters.
//
// An [Orchestrator] merges the event streams of one adapter per protocol into a single registry
// goroutine. That goroutine is the only writer of the discovered and connected device sets;
// callers read them through snapshot accessors that return deep copies. Transport calls that may
// take seconds (starting a radio, connecting to a peripheral) run on the caller's goroutine and
// post their outcome back to the registry.
//
// Nothing here fails for expected conditions: a missing radio degrades scanning to the remaining
// transports, connect failures become a false result plus a device-status event, and rejected
// samples are logged and dropped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ridelink/sensor-hub/internal/dispatcher"
	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/internal/metrics"
	"github.com/ridelink/sensor-hub/pkg/cache"
	"github.com/ridelink/sensor-hub/pkg/normalize"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/session"
	"github.com/ridelink/sensor-hub/pkg/transport"
)

// DefaultScanDuration bounds a scan that is never stopped explicitly.
const DefaultScanDuration = 60 * time.Second

// sessionLookupTimeout bounds one background session lookup.
const sessionLookupTimeout = 2 * time.Second

// Config holds the collaborators of an Orchestrator. Only Normalizer is required.
type Config struct {
	// ScanDuration is how long a scan runs before stopping itself. Zero means DefaultScanDuration.
	ScanDuration time.Duration
	Normalizer   *normalize.Normalizer
	// Sessions stamps readings the normalizer left without a session. It is polled in the
	// background every SessionRefresh (default DefaultSessionRefresh); while it has no session or
	// has never answered, readings carry an ad hoc id generated once per Orchestrator.
	Sessions       session.Provider
	SessionRefresh time.Duration
	Sink     Sink
	Metrics  *metrics.Metrics
	// Cache, if set, fills identification gaps of newly discovered devices and learns from
	// connected ones.
	Cache *cache.DeviceCache
}

// Orchestrator is the single authoritative registry of devices.
type Orchestrator struct {
	cfg        Config
	adapters   map[sensor.Protocol]transport.Adapter
	protocols  []sensor.Protocol
	dispatcher *dispatcher.Dispatcher
	logger     log.Logger
	flights    singleflight.Group
	sessions   *sessionTracker
	baseCtx    context.Context
	cancel     context.CancelFunc

	// Owned by the registry goroutine.
	discovered map[string]*sensor.Device
	connected  map[string]*sensor.Device

	// Guarded by lifecycle.
	lifecycle      sync.Mutex
	scanning       bool
	scanGeneration uint64
	scanTimer      *time.Timer
	closed         bool
}

// New creates an Orchestrator for the given adapters, at most one per protocol. Call Start before
// using it.
func New(cfg Config, adapters ...transport.Adapter) (*Orchestrator, error) {
	if cfg.Normalizer == nil {
		return nil, errors.New("orchestrator: a normalizer is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("orchestrator: at least one transport adapter is required")
	}
	if cfg.ScanDuration <= 0 {
		cfg.ScanDuration = DefaultScanDuration
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewAdHoc()
	}

	o := &Orchestrator{
		cfg:        cfg,
		adapters:   make(map[sensor.Protocol]transport.Adapter),
		logger:     log.For("orchestrator"),
		discovered: make(map[string]*sensor.Device),
		connected:  make(map[string]*sensor.Device),
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	o.sessions = newSessionTracker(cfg.Sessions, cfg.SessionRefresh, o.logger)
	o.dispatcher = dispatcher.New(o.handleEvent)
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, errors.New("orchestrator: nil transport adapter")
		}
		p := adapter.Protocol()
		if _, ok := o.adapters[p]; ok {
			return nil, fmt.Errorf("orchestrator: more than one adapter for protocol %s", p)
		}
		o.adapters[p] = adapter
		o.protocols = append(o.protocols, p)
		o.dispatcher.AddSource(p.String(), adapter.Events())
	}
	sort.Slice(o.protocols, func(i, j int) bool { return o.protocols[i] < o.protocols[j] })
	return o, nil
}

// Start resolves the active session and launches the registry goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.sessions.start(o.baseCtx)
	return o.dispatcher.Start(ctx)
}

// do runs fn on the registry goroutine.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	return o.dispatcher.Do(ctx, fn)
}

// Scanning returns true while a scan is running.
func (o *Orchestrator) Scanning() bool {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.scanning
}

// DiscoveredDevices returns a copy of the devices seen since the last scan started that are not
// connected, sorted by id. Connecting moves a device to ConnectedDevices; disconnecting moves it
// back.
func (o *Orchestrator) DiscoveredDevices() []*sensor.Device {
	return o.snapshot(func() map[string]*sensor.Device { return o.discovered })
}

// ConnectedDevices returns a copy of the connected devices, sorted by id.
func (o *Orchestrator) ConnectedDevices() []*sensor.Device {
	return o.snapshot(func() map[string]*sensor.Device { return o.connected })
}

func (o *Orchestrator) snapshot(set func() map[string]*sensor.Device) []*sensor.Device {
	devices := []*sensor.Device{}
	err := o.do(context.Background(), func() {
		for _, d := range set() {
			devices = append(devices, d.Clone())
		}
	})
	if err != nil {
		o.logger.Debug("Snapshot unavailable: %s", err)
		return []*sensor.Device{}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Device returns a copy of one device from either set.
func (o *Orchestrator) Device(id string) (*sensor.Device, bool) {
	var found *sensor.Device
	err := o.do(context.Background(), func() {
		if d := o.lookup(id); d != nil {
			found = d.Clone()
		}
	})
	return found, err == nil && found != nil
}

// lookup must run on the registry goroutine.
func (o *Orchestrator) lookup(id string) *sensor.Device {
	if d, ok := o.connected[id]; ok {
		return d
	}
	return o.discovered[id]
}

// publish must run on the registry goroutine.
func (o *Orchestrator) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if o.cfg.Sink == nil {
		return
	}
	if err := o.cfg.Sink.Publish(o.baseCtx, ev); err != nil {
		o.logger.Warning("Failed to publish %s event for %s: %s", ev.Type, ev.DeviceID, err)
	}
}

func (o *Orchestrator) publishStatus(d *sensor.Device, id string, status sensor.ConnectionState, cause error) {
	ev := Event{Type: EventDeviceStatus, DeviceID: id, Status: status}
	if d != nil {
		ev.Device = d.Clone()
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	o.publish(ev)
}

func (o *Orchestrator) updateGauges() {
	o.cfg.Metrics.SetRegistrySize(len(o.discovered), len(o.connected))
}

// Shutdown stops scanning, disconnects every connected device in parallel, closes the adapters
// and stops the registry goroutine. It carries on past individual failures and returns them
// joined.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifecycle.Lock()
	if o.closed {
		o.lifecycle.Unlock()
		return nil
	}
	o.closed = true
	o.stopScanningLocked()
	o.lifecycle.Unlock()

	var errs []error
	connected := o.ConnectedDevices()
	results := make(chan error, len(connected))
	for _, d := range connected {
		go func(id string) {
			if !o.DisconnectDevice(ctx, id) {
				results <- fmt.Errorf("disconnect %s failed", id)
				return
			}
			results <- nil
		}(d.ID)
	}
	for range connected {
		if err := <-results; err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range o.protocols {
		if err := o.adapters[p].Close(); err != nil {
			o.logger.Warning("Error closing %s transport: %s", p, err)
			errs = append(errs, fmt.Errorf("close %s: %w", p, err))
		}
	}
	o.dispatcher.Stop()
	o.cancel()
	o.sessions.wait()
	o.logger.Info("Shut down with %d errors", len(errs))
	return errors.Join(errs...)
}
