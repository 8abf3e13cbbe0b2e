// Package ant is the ANT+ transport. The radio is an ANT+ USB stick owned by a gateway process
// that bridges it onto MQTT:
//
//	<prefix>/command    hub -> gateway: {"requestId", "command", "deviceNumber", "deviceType"}
//	<prefix>/status     gateway -> hub: {"requestId", "deviceNumber", "deviceType", "state", "error"}
//	<prefix>/broadcast  gateway -> hub: {"deviceNumber", "deviceType", "transmissionType", "rssi", "payload"}
//
// Commands are "scan" and "stop" (search for any device) and "open" and "close" (track one
// device on a dedicated channel). Broadcast payloads are the raw 8 byte data pages, base64
// encoded. The adapter identifies devices from their channel id and decodes the data pages of
// open channels.
package ant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/pkg/identify"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/transport"
)

const (
	DefaultTopicPrefix       = "ant"
	DefaultCommandTimeout    = 10 * time.Second
	DefaultDiscoveryInterval = time.Second
)

const (
	commandScan  = "scan"
	commandStop  = "stop"
	commandOpen  = "open"
	commandClose = "close"

	stateOpen   = "open"
	stateClosed = "closed"
	stateError  = "error"
)

var errChannelClosed = sensor.NewError("ant channel closed by gateway", true)

// Config configures the gateway adapter.
type Config struct {
	TopicPrefix string
	QoS         byte
	// CommandTimeout bounds the wait for the gateway to acknowledge open and close. Zero means
	// DefaultCommandTimeout.
	CommandTimeout time.Duration
	// DiscoveryInterval limits repeated discovery events per device while scanning.
	DiscoveryInterval  time.Duration
	WheelCircumference float64
}

type command struct {
	RequestID    string `json:"requestId"`
	Command      string `json:"command"`
	DeviceNumber uint16 `json:"deviceNumber,omitempty"`
	DeviceType   uint8  `json:"deviceType,omitempty"`
}

type status struct {
	RequestID    string `json:"requestId"`
	DeviceNumber uint16 `json:"deviceNumber"`
	DeviceType   uint8  `json:"deviceType"`
	State        string `json:"state"`
	Error        string `json:"error"`
}

type broadcast struct {
	DeviceNumber     uint16     `json:"deviceNumber"`
	DeviceType       uint8      `json:"deviceType"`
	TransmissionType uint8      `json:"transmissionType"`
	RSSI             int        `json:"rssi"`
	Payload          []byte     `json:"payload"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// channel is what the adapter knows about one device.
type channel struct {
	profile     identify.ANTProfile
	decoder     *decoder
	open        bool
	closing     bool
	lastEmitted time.Time
}

// Adapter implements transport.Adapter for an MQTT-bridged ANT+ gateway.
type Adapter struct {
	cfg     Config
	client  mqtt.Client
	emitter *transport.Emitter
	logger  log.Logger

	lock     sync.Mutex
	scanning bool
	channels map[string]*channel
	pending  map[string]chan status
	closed   bool
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter subscribes to the gateway topics on an already connected client. The client is not
// disconnected by Close since it may be shared.
func NewAdapter(client mqtt.Client, cfg Config) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("ant: an MQTT client is required")
	}
	if cfg.QoS > 2 {
		return nil, errors.New("ant: MQTT QoS must be 0, 1 or 2")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}

	a := &Adapter{
		cfg:      cfg,
		client:   client,
		emitter:  transport.NewEmitter(transport.EventBufferSize),
		logger:   log.For("ant"),
		channels: make(map[string]*channel),
		pending:  make(map[string]chan status),
	}
	filters := map[string]byte{a.topic("status"): cfg.QoS, a.topic("broadcast"): cfg.QoS}
	token := client.SubscribeMultiple(filters, a.onMessage)
	if !token.WaitTimeout(cfg.CommandTimeout) {
		return nil, fmt.Errorf("%w: timed out subscribing to gateway topics", sensor.ErrTransportUnavailable)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s", sensor.ErrTransportUnavailable, err)
	}
	return a, nil
}

func (a *Adapter) topic(name string) string {
	return a.cfg.TopicPrefix + "/" + name
}

func (a *Adapter) Protocol() sensor.Protocol {
	return sensor.ProtocolANT
}

func (a *Adapter) Events() <-chan transport.Event {
	return a.emitter.Events()
}

// Dropped returns how many events were discarded because the consumer fell behind.
func (a *Adapter) Dropped() uint64 {
	return a.emitter.Dropped()
}

// StartScanning asks the gateway to open its search channel.
func (a *Adapter) StartScanning(ctx context.Context) error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return sensor.ErrAdapterClosed
	}
	if a.scanning {
		a.lock.Unlock()
		return nil
	}
	a.scanning = true
	for _, ch := range a.channels {
		ch.lastEmitted = time.Time{}
	}
	a.lock.Unlock()

	if err := a.send(ctx, command{Command: commandScan}); err != nil {
		a.lock.Lock()
		a.scanning = false
		a.lock.Unlock()
		return err
	}
	a.logger.Debug("Scanning")
	return nil
}

// StopScanning closes the gateway's search channel. Open device channels are unaffected.
func (a *Adapter) StopScanning() error {
	a.lock.Lock()
	wasScanning := a.scanning
	a.scanning = false
	a.lock.Unlock()
	if !wasScanning {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CommandTimeout)
	defer cancel()
	return a.send(ctx, command{Command: commandStop})
}

// Connect opens a dedicated channel for the device and waits for the gateway to confirm it.
func (a *Adapter) Connect(ctx context.Context, deviceID string) error {
	native := sensor.ProtocolANT.NativeID(deviceID)
	number, deviceType, err := parseNativeID(native)
	if err != nil {
		return err
	}
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return sensor.ErrAdapterClosed
	}
	if ch, ok := a.channels[native]; ok && ch.open {
		a.lock.Unlock()
		return nil
	}
	a.lock.Unlock()

	reply, err := a.request(ctx, command{Command: commandOpen, DeviceNumber: number, DeviceType: deviceType})
	if err != nil {
		return err
	}
	if reply.State != stateOpen {
		return fmt.Errorf("ant: gateway refused to open %s: %s", native, reply.Error)
	}

	a.lock.Lock()
	ch := a.channelFor(number, deviceType)
	ch.open, ch.closing = true, false
	ch.decoder = newDecoder(a.cfg.WheelCircumference)
	a.lock.Unlock()
	a.logger.Info("Opened channel to %s", native)
	return nil
}

// Disconnect closes the device's channel.
func (a *Adapter) Disconnect(ctx context.Context, deviceID string) error {
	native := sensor.ProtocolANT.NativeID(deviceID)
	a.lock.Lock()
	ch, ok := a.channels[native]
	if !ok || !ch.open {
		a.lock.Unlock()
		return sensor.ErrNotConnected
	}
	ch.closing = true
	number, deviceType := ch.profile.DeviceNumber, ch.profile.DeviceType
	a.lock.Unlock()

	reply, err := a.request(ctx, command{Command: commandClose, DeviceNumber: number, DeviceType: deviceType})
	a.lock.Lock()
	ch.closing = false
	if err == nil && reply.State != stateError {
		ch.open = false
	}
	a.lock.Unlock()
	if err != nil {
		return err
	}
	if reply.State == stateError {
		return fmt.Errorf("ant: gateway failed to close %s: %s", native, reply.Error)
	}
	return nil
}

// Close stops scanning, asks the gateway to close every open channel and unsubscribes.
func (a *Adapter) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return nil
	}
	a.closed = true
	var open []*channel
	for _, ch := range a.channels {
		if ch.open {
			ch.open, ch.closing = false, true
			open = append(open, ch)
		}
	}
	a.lock.Unlock()

	errs := []error{a.StopScanning()}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CommandTimeout)
	defer cancel()
	for _, ch := range open {
		err := a.send(ctx, command{Command: commandClose, DeviceNumber: ch.profile.DeviceNumber, DeviceType: ch.profile.DeviceType})
		if err != nil {
			errs = append(errs, fmt.Errorf("ant: failed to close %s: %w", ch.profile.NativeID(), err))
		}
	}
	token := a.client.Unsubscribe(a.topic("status"), a.topic("broadcast"))
	if err := waitToken(ctx, token); err != nil {
		errs = append(errs, fmt.Errorf("ant: failed to unsubscribe: %w", err))
	}
	a.emitter.Close()
	return errors.Join(errs...)
}

// send publishes cmd and waits for the broker to accept it.
func (a *Adapter) send(ctx context.Context, cmd command) error {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := waitToken(ctx, a.client.Publish(a.topic("command"), a.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("ant: failed to send %s: %w", cmd.Command, err)
	}
	return nil
}

// request sends cmd and waits for the gateway's status reply.
func (a *Adapter) request(ctx context.Context, cmd command) (status, error) {
	cmd.RequestID = uuid.NewString()
	reply := make(chan status, 1)
	a.lock.Lock()
	a.pending[cmd.RequestID] = reply
	a.lock.Unlock()
	defer func() {
		a.lock.Lock()
		delete(a.pending, cmd.RequestID)
		a.lock.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()
	if err := a.send(ctx, cmd); err != nil {
		return status{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return status{}, fmt.Errorf("%w: no reply to %s %d:%d", sensor.ErrConnectTimeout, cmd.Command, cmd.DeviceNumber, cmd.DeviceType)
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	switch msg.Topic() {
	case a.topic("status"):
		var s status
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			a.logger.Debug("Ignoring malformed status: %s", err)
			return
		}
		a.onStatus(s)
	case a.topic("broadcast"):
		var b broadcast
		if err := json.Unmarshal(msg.Payload(), &b); err != nil {
			a.logger.Debug("Ignoring malformed broadcast: %s", err)
			return
		}
		a.onBroadcast(b)
	}
}

func (a *Adapter) onStatus(s status) {
	a.lock.Lock()
	if reply, ok := a.pending[s.RequestID]; ok && s.RequestID != "" {
		a.lock.Unlock()
		select {
		case reply <- s:
		default:
		}
		return
	}

	native := identify.ANTProfile{DeviceNumber: s.DeviceNumber, DeviceType: s.DeviceType}.NativeID()
	ch, known := a.channels[native]
	var ev *transport.Event
	switch {
	case a.closed:
	case s.State == stateOpen && (!known || !ch.open):
		// The gateway reopened a channel on its own, e.g. after restarting.
		ch = a.channelFor(s.DeviceNumber, s.DeviceType)
		ch.open = true
		ch.decoder = newDecoder(a.cfg.WheelCircumference)
		ev = &transport.Event{Kind: transport.EventConnected}
	case (s.State == stateClosed || s.State == stateError) && known && ch.open && !ch.closing:
		ch.open = false
		ev = &transport.Event{Kind: transport.EventDisconnected, Err: errChannelClosed}
		if s.Error != "" {
			ev.Err = fmt.Errorf("%w: %s", errChannelClosed, s.Error)
		}
	}
	a.lock.Unlock()
	if ev == nil {
		return
	}
	ev.Protocol = sensor.ProtocolANT
	ev.DeviceID = sensor.ProtocolANT.DeviceID(native)
	if ev.Kind == transport.EventDisconnected {
		a.logger.Warning("Gateway closed channel to %s: %s", native, ev.Err)
	}
	a.emitter.Emit(*ev)
}

// channelFor returns the channel for a device, creating it if necessary. The caller holds lock.
func (a *Adapter) channelFor(number uint16, deviceType uint8) *channel {
	native := identify.ANTProfile{DeviceNumber: number, DeviceType: deviceType}.NativeID()
	ch, ok := a.channels[native]
	if !ok {
		ch = &channel{profile: identify.ANTProfile{DeviceNumber: number, DeviceType: deviceType}}
		a.channels[native] = ch
	}
	return ch
}

func (a *Adapter) onBroadcast(b broadcast) {
	if len(b.Payload) != pageSize {
		a.logger.Debug("Ignoring broadcast from %d:%d: %s", b.DeviceNumber, b.DeviceType, errShortPage)
		return
	}
	now := time.Now()
	if b.Timestamp != nil {
		now = *b.Timestamp
	}

	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return
	}
	_, known := a.channels[identify.ANTProfile{DeviceNumber: b.DeviceNumber, DeviceType: b.DeviceType}.NativeID()]
	ch := a.channelFor(b.DeviceNumber, b.DeviceType)
	ch.profile.TransmissionType = b.TransmissionType
	ch.profile.SeenAt = now
	if b.RSSI != 0 {
		ch.profile.RSSI = b.RSSI
	}
	changed := applyIdentity(&ch.profile, b.Payload)

	var device *sensor.Device
	due := a.scanning && now.Sub(ch.lastEmitted) >= a.cfg.DiscoveryInterval
	if !known || changed || due {
		if a.scanning || ch.open {
			ch.lastEmitted = now
			device = identify.DeviceFromANTProfile(ch.profile, identify.FromANTProfile(ch.profile))
		}
	}

	var samples []sample
	if ch.open {
		var err error
		if samples, err = ch.decoder.decode(b.DeviceType, b.Payload); err != nil {
			a.logger.Debug("Bad page from %s: %s", ch.profile.NativeID(), err)
		}
	}
	rssi := ch.profile.RSSI
	deviceID := sensor.ProtocolANT.DeviceID(ch.profile.NativeID())
	a.lock.Unlock()

	if device != nil {
		a.emitter.Emit(transport.Event{
			Kind:     transport.EventDiscovered,
			Protocol: sensor.ProtocolANT,
			DeviceID: deviceID,
			Device:   device,
		})
	}
	var signal *int
	if rssi != 0 {
		normalized := sensor.NormalizeRSSI(rssi)
		signal = &normalized
	}
	for _, s := range samples {
		ts := now
		a.emitter.Emit(transport.Event{
			Kind:     transport.EventData,
			Protocol: sensor.ProtocolANT,
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

// parseNativeID splits "<device number>:<device type>".
func parseNativeID(native string) (uint16, uint8, error) {
	var number uint16
	var deviceType uint8
	if _, err := fmt.Sscanf(native, "%d:%d", &number, &deviceType); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed ANT device id %q", sensor.ErrUnknownDevice, native)
	}
	return number, deviceType, nil
}
