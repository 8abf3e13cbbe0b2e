// Package ble is the Bluetooth Low Energy transport. It scans for advertising sensors, connects
// over GATT, reads the Device Information and Battery services, and subscribes to the measurement
// characteristics of the Heart Rate, Cycling Power, Cycling Speed and Cadence and Fitness Machine
// services.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goble "github.com/go-ble/ble"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/pkg/identify"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/transport"
)

var (
	ErrAdapterInvalidID = sensor.NewError("the bluetooth adapter ID is invalid", false)
	errLinkLost         = sensor.NewError("bluetooth link lost", true)
)

// DefaultAdvertisementInterval limits how often the same peripheral is reported while scanning.
const DefaultAdvertisementInterval = time.Second

var deviceInfoFields = map[string]func(*sensor.DeviceInfo, string){
	identify.CharManufacturerName: func(i *sensor.DeviceInfo, v string) { i.ManufacturerName = v },
	identify.CharModelNumber:      func(i *sensor.DeviceInfo, v string) { i.ModelNumber = v },
	identify.CharSerialNumber:     func(i *sensor.DeviceInfo, v string) { i.SerialNumber = v },
	identify.CharHardwareRevision: func(i *sensor.DeviceInfo, v string) { i.HardwareRevision = v },
	identify.CharFirmwareRevision: func(i *sensor.DeviceInfo, v string) { i.FirmwareRevision = v },
	identify.CharSoftwareRevision: func(i *sensor.DeviceInfo, v string) { i.SoftwareRevision = v },
}

var measurementChars = map[string]bool{
	identify.CharHeartRateMeasurement:    true,
	identify.CharCyclingPowerMeasurement: true,
	identify.CharCSCMeasurement:          true,
	identify.CharIndoorBikeData:          true,
}

// Config configures the BLE adapter.
type Config struct {
	// AdapterID selects the host controller, e.g. "hci1". Empty uses the default.
	AdapterID string
	// WheelCircumference in metres, used to derive speed from wheel revolutions.
	WheelCircumference float64
	// AdvertisementInterval limits repeated discovery events per peripheral. Zero means
	// DefaultAdvertisementInterval.
	AdvertisementInterval time.Duration
}

type connection struct {
	client    peripheral
	decoder   *decoder
	requested bool
}

// Adapter implements transport.Adapter over go-ble.
type Adapter struct {
	cfg     Config
	radio   radio
	emitter *transport.Emitter
	logger  log.Logger

	lock        sync.Mutex
	stopScan    context.CancelFunc
	scanDone    chan struct{}
	seen        map[string]sensor.Advertisement
	lastEmitted map[string]time.Time
	connections map[string]*connection
	closed      bool
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter opens the host controller. It fails with an error wrapping
// sensor.ErrTransportUnavailable when no usable controller exists.
func NewAdapter(cfg Config) (*Adapter, error) {
	device, err := newDevice(cfg.AdapterID)
	if err != nil {
		if errors.Is(err, ErrAdapterInvalidID) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", sensor.ErrTransportUnavailable, err)
	}
	return newAdapter(cfg, deviceRadio{device: device}), nil
}

func newAdapter(cfg Config, r radio) *Adapter {
	if cfg.AdvertisementInterval <= 0 {
		cfg.AdvertisementInterval = DefaultAdvertisementInterval
	}
	return &Adapter{
		cfg:         cfg,
		radio:       r,
		emitter:     transport.NewEmitter(transport.EventBufferSize),
		logger:      log.For("ble"),
		seen:        make(map[string]sensor.Advertisement),
		lastEmitted: make(map[string]time.Time),
		connections: make(map[string]*connection),
	}
}

func (a *Adapter) Protocol() sensor.Protocol {
	return sensor.ProtocolBLE
}

func (a *Adapter) Events() <-chan transport.Event {
	return a.emitter.Events()
}

// Dropped returns how many events were discarded because the consumer fell behind.
func (a *Adapter) Dropped() uint64 {
	return a.emitter.Dropped()
}

// StartScanning runs the scan in the background until StopScanning or Close.
func (a *Adapter) StartScanning(context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.closed {
		return sensor.ErrAdapterClosed
	}
	if a.stopScan != nil {
		return nil
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.stopScan, a.scanDone = cancel, done
	a.lastEmitted = make(map[string]time.Time)

	go func() {
		defer close(done)
		err := a.radio.Scan(scanCtx, a.onAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warning("Scan ended: %s", err)
		}
		a.lock.Lock()
		if a.scanDone == done {
			a.stopScan, a.scanDone = nil, nil
		}
		a.lock.Unlock()
		cancel()
	}()
	a.logger.Debug("Scanning")
	return nil
}

// StopScanning cancels the scan and waits for the radio to acknowledge.
func (a *Adapter) StopScanning() error {
	a.lock.Lock()
	cancel, done := a.stopScan, a.scanDone
	a.stopScan, a.scanDone = nil, nil
	a.lock.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	a.logger.Debug("Scan stopped")
	return nil
}

func (a *Adapter) onAdvertisement(adv sensor.Advertisement) {
	if adv.Address == "" {
		return
	}
	if adv.SeenAt.IsZero() {
		adv.SeenAt = time.Now()
	}
	a.lock.Lock()
	prev, known := a.seen[adv.Address]
	if known {
		// Scan responses carry only part of the payload; keep what earlier packets said.
		adv = mergeAdvertisement(prev, adv)
	}
	a.seen[adv.Address] = adv
	throttled := known && adv.SeenAt.Sub(a.lastEmitted[adv.Address]) < a.cfg.AdvertisementInterval &&
		adv.LocalName == prev.LocalName && len(adv.ServiceUUIDs) == len(prev.ServiceUUIDs)
	if !throttled {
		a.lastEmitted[adv.Address] = adv.SeenAt
	}
	a.lock.Unlock()
	if throttled {
		return
	}
	a.emitDiscovered(adv)
}

func (a *Adapter) emitDiscovered(adv sensor.Advertisement) {
	a.emitter.Emit(transport.Event{
		Kind:          transport.EventDiscovered,
		Protocol:      sensor.ProtocolBLE,
		DeviceID:      sensor.ProtocolBLE.DeviceID(adv.Address),
		Advertisement: &adv,
	})
}

func mergeAdvertisement(prev, next sensor.Advertisement) sensor.Advertisement {
	if next.LocalName == "" {
		next.LocalName = prev.LocalName
	}
	if len(next.ManufacturerData) == 0 {
		next.ManufacturerData = prev.ManufacturerData
	}
	if len(next.ServiceUUIDs) == 0 {
		next.ServiceUUIDs = prev.ServiceUUIDs
	}
	if len(next.Characteristics) == 0 {
		next.Characteristics = prev.Characteristics
	}
	if next.Info.Empty() {
		next.Info = prev.Info
	}
	if next.BatteryLevel == nil {
		next.BatteryLevel = prev.BatteryLevel
	}
	if next.TxPower == 0 {
		next.TxPower = prev.TxPower
	}
	return next
}

// Connect dials the peripheral, discovers its profile and subscribes to every supported
// measurement. The enriched advertisement is reported as a discovery event so the device is
// re-identified from its full GATT profile.
func (a *Adapter) Connect(ctx context.Context, deviceID string) error {
	address := sensor.ProtocolBLE.NativeID(deviceID)
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return sensor.ErrAdapterClosed
	}
	if _, ok := a.connections[address]; ok {
		a.lock.Unlock()
		return nil
	}
	a.lock.Unlock()

	a.logger.Debug("Dialing %s...", address)
	client, err := a.radio.Dial(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", sensor.ErrConnectTimeout, err)
		}
		return fmt.Errorf("ble: failed to dial %s: %w", address, err)
	}

	conn := &connection{client: client, decoder: newDecoder(a.cfg.WheelCircumference)}
	adv, err := a.setup(address, conn)
	if err != nil {
		_ = client.ClearSubscriptions()
		_ = client.CancelConnection()
		return err
	}

	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		_ = client.CancelConnection()
		return sensor.ErrAdapterClosed
	}
	a.connections[address] = conn
	a.seen[address] = adv
	a.lock.Unlock()

	a.emitDiscovered(adv)
	go a.watch(address, conn)
	a.logger.Info("Connected to %s (%s)", address, adv.LocalName)
	return nil
}

// setup discovers the profile, reads static characteristics and subscribes to measurements.
func (a *Adapter) setup(address string, conn *connection) (sensor.Advertisement, error) {
	profile, err := conn.client.DiscoverProfile(true)
	if err != nil {
		return sensor.Advertisement{}, fmt.Errorf("ble: failed to discover profile of %s: %w", address, err)
	}

	a.lock.Lock()
	adv, ok := a.seen[address]
	a.lock.Unlock()
	if !ok {
		adv = sensor.Advertisement{Address: address, Connectable: true}
	}
	adv.SeenAt = time.Now()
	adv.ServiceUUIDs = nil
	adv.Characteristics = nil

	deviceID := sensor.ProtocolBLE.DeviceID(address)
	subscribed := 0
	for _, service := range profile.Services {
		serviceUUID := identify.NormalizeUUID(service.UUID.String())
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, serviceUUID)
		for _, c := range service.Characteristics {
			uuid := identify.NormalizeUUID(c.UUID.String())
			adv.Characteristics = append(adv.Characteristics, sensor.Characteristic{
				UUID:       uuid,
				Service:    serviceUUID,
				Properties: fromProperty(c.Property),
			})

			if set, ok := deviceInfoFields[uuid]; ok && c.Property&goble.CharRead != 0 {
				if value, err := conn.client.ReadCharacteristic(c); err == nil {
					set(&adv.Info, strings.TrimRight(string(value), "\x00 "))
				} else {
					a.logger.Debug("Failed to read %s on %s: %s", uuid, address, err)
				}
			}

			if uuid == identify.CharBatteryLevel {
				a.setupBattery(address, conn, c, &adv)
			}

			if measurementChars[uuid] && c.Property&(goble.CharNotify|goble.CharIndicate) != 0 {
				indicate := c.Property&goble.CharNotify == 0
				if err := conn.client.Subscribe(c, indicate, a.measurementHandler(deviceID, uuid, conn)); err != nil {
					return adv, fmt.Errorf("ble: failed to subscribe to %s on %s: %w", uuid, address, err)
				}
				subscribed++
			}
		}
	}
	a.logger.Debug("Subscribed to %d measurements on %s", subscribed, address)
	return adv, nil
}

func (a *Adapter) setupBattery(address string, conn *connection, c *goble.Characteristic, adv *sensor.Advertisement) {
	if c.Property&goble.CharRead != 0 {
		if value, err := conn.client.ReadCharacteristic(c); err == nil {
			if level, err := decodeBattery(value); err == nil {
				adv.BatteryLevel = &level
			}
		}
	}
	if c.Property&goble.CharNotify == 0 {
		return
	}
	err := conn.client.Subscribe(c, false, func(value []byte) {
		level, err := decodeBattery(value)
		if err != nil {
			a.logger.Debug("Bad battery notification from %s: %s", address, err)
			return
		}
		a.lock.Lock()
		updated := a.seen[address]
		updated.BatteryLevel = &level
		updated.SeenAt = time.Now()
		a.seen[address] = updated
		a.lock.Unlock()
		a.emitDiscovered(updated)
	})
	if err != nil {
		a.logger.Debug("Battery notifications unavailable on %s: %s", address, err)
	}
}

func (a *Adapter) measurementHandler(deviceID, uuid string, conn *connection) goble.NotificationHandler {
	return func(value []byte) {
		samples, err := conn.decoder.decode(uuid, value)
		if err != nil {
			a.logger.Debug("Bad %s notification from %s: %s", uuid, deviceID, err)
			return
		}
		now := time.Now()
		a.lock.Lock()
		rssi := a.seen[sensor.ProtocolBLE.NativeID(deviceID)].RSSI
		a.lock.Unlock()
		var signal *int
		if rssi != 0 {
			normalized := sensor.NormalizeRSSI(rssi)
			signal = &normalized
		}
		for _, s := range samples {
			ts := now
			a.emitter.Emit(transport.Event{
				Kind:     transport.EventData,
				Protocol: sensor.ProtocolBLE,
				DeviceID: deviceID,
				Data: &sensor.RawEvent{
					DeviceID:       deviceID,
					Type:           string(s.metric),
					Value:          s.value,
					Timestamp:      &ts,
					RawData:        s.raw,
					SignalStrength: signal,
				},
			})
		}
	}
}

// watch reports a link that drops without Disconnect being called.
func (a *Adapter) watch(address string, conn *connection) {
	<-conn.client.Disconnected()
	a.lock.Lock()
	current, ok := a.connections[address]
	requested := conn.requested
	if ok && current == conn {
		delete(a.connections, address)
	}
	a.lock.Unlock()
	if requested || !ok || current != conn {
		return
	}
	a.logger.Warning("Lost connection to %s", address)
	a.emitter.Emit(transport.Event{
		Kind:     transport.EventDisconnected,
		Protocol: sensor.ProtocolBLE,
		DeviceID: sensor.ProtocolBLE.DeviceID(address),
		Err:      errLinkLost,
	})
}

// Disconnect closes the link to a connected peripheral.
func (a *Adapter) Disconnect(_ context.Context, deviceID string) error {
	address := sensor.ProtocolBLE.NativeID(deviceID)
	a.lock.Lock()
	conn, ok := a.connections[address]
	if ok {
		conn.requested = true
		delete(a.connections, address)
	}
	a.lock.Unlock()
	if !ok {
		return sensor.ErrNotConnected
	}
	return closeConnection(conn)
}

func closeConnection(conn *connection) error {
	err1 := conn.client.ClearSubscriptions()
	err2 := conn.client.CancelConnection()
	return errors.Join(err1, err2)
}

// Close stops scanning, drops every connection and releases the controller.
func (a *Adapter) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return nil
	}
	a.closed = true
	conns := a.connections
	a.connections = make(map[string]*connection)
	for _, conn := range conns {
		conn.requested = true
	}
	a.lock.Unlock()

	_ = a.StopScanning()
	var errs []error
	for address, conn := range conns {
		if err := closeConnection(conn); err != nil {
			errs = append(errs, fmt.Errorf("ble: failed to disconnect %s: %w", address, err))
		}
	}
	if err := a.radio.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ble: failed to stop device: %w", err))
	}
	a.emitter.Close()
	return errors.Join(errs...)
}
