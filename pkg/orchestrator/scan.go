package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/transport"
)

// StartScanning clears the discovered set and starts every adapter scanning. It is a no-op while a
// scan is already running. A transport that fails to start is logged and skipped, and scanning
// proceeds on the others; StartScanning only returns an error if the orchestrator is shut down or
// ctx expires before the registry could be reset.
//
// The scan stops itself after Config.ScanDuration unless StopScanning is called first.
func (o *Orchestrator) StartScanning(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.closed {
		return sensor.ErrAdapterClosed
	}
	if o.scanning {
		o.logger.Debug("Scan already running")
		return nil
	}
	err := o.do(ctx, func() {
		o.discovered = make(map[string]*sensor.Device)
		o.updateGauges()
	})
	if err != nil {
		return err
	}
	o.scanning = true
	o.scanGeneration++
	generation := o.scanGeneration
	o.cfg.Metrics.SetScanning(true)

	started := o.eachAdapter(func(p sensor.Protocol, adapter transport.Adapter) error {
		return adapter.StartScanning(ctx)
	}, "scan")
	if started == 0 {
		o.logger.Warning("No transport could start scanning; no devices will be discovered")
	} else {
		o.logger.Info("Scanning on %d of %d transports for %s", started, len(o.adapters), o.cfg.ScanDuration)
	}

	o.scanTimer = time.AfterFunc(o.cfg.ScanDuration, func() {
		o.autoStop(generation)
	})
	return nil
}

// StopScanning stops every adapter scanning. The discovered set is kept, and connect attempts in
// flight are not affected. It is a no-op when no scan is running.
func (o *Orchestrator) StopScanning() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.stopScanningLocked()
}

func (o *Orchestrator) autoStop(generation uint64) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	// A timer belonging to an earlier scan may fire after a restart.
	if !o.scanning || generation != o.scanGeneration {
		return
	}
	o.logger.Info("Scan duration elapsed")
	o.stopScanningLocked()
}

func (o *Orchestrator) stopScanningLocked() {
	if !o.scanning {
		return
	}
	o.scanning = false
	o.scanGeneration++
	if o.scanTimer != nil {
		o.scanTimer.Stop()
		o.scanTimer = nil
	}
	o.eachAdapter(func(p sensor.Protocol, adapter transport.Adapter) error {
		return adapter.StopScanning()
	}, "stop-scan")
	o.cfg.Metrics.SetScanning(false)
	o.logger.Info("Scanning stopped")
}

// eachAdapter runs fn against every adapter concurrently and returns how many succeeded. Failures
// are logged and counted, never returned.
func (o *Orchestrator) eachAdapter(fn func(sensor.Protocol, transport.Adapter) error, operation string) int {
	var (
		wg        sync.WaitGroup
		lock      sync.Mutex
		succeeded int
	)
	for _, p := range o.protocols {
		wg.Add(1)
		go func(p sensor.Protocol, adapter transport.Adapter) {
			defer wg.Done()
			if err := fn(p, adapter); err != nil {
				o.logger.Warning("Transport %s failed to %s: %s", p, operation, err)
				o.cfg.Metrics.TransportError(p.String(), operation)
				return
			}
			lock.Lock()
			succeeded++
			lock.Unlock()
		}(p, o.adapters[p])
	}
	wg.Wait()
	return succeeded
}
