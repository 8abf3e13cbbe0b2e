// Package sensor defines the canonical device and reading model shared by the identification,
// normalization and orchestration layers.
//
// Everything that crosses a package boundary in this module is expressed with these types: a
// transport adapter describes what it heard as an [Advertisement] or a [RawEvent], and the core
// turns those into [Device] records and [Reading] samples.
package sensor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceType classifies a peripheral by the primary quantity it measures.
type DeviceType string

const (
	TypeHeartRate DeviceType = "heart_rate"
	TypePower     DeviceType = "power"
	TypeCadence   DeviceType = "cadence"
	TypeSpeed     DeviceType = "speed"
	TypeTrainer   DeviceType = "trainer"
	TypeUnknown   DeviceType = "unknown"
)

// MetricTypes lists every DeviceType a Reading may carry (all types except TypeUnknown).
var MetricTypes = []DeviceType{TypeHeartRate, TypePower, TypeCadence, TypeSpeed, TypeTrainer}

// Label returns a human readable label, e.g. "Heart Rate".
func (t DeviceType) Label() string {
	switch t {
	case TypeHeartRate:
		return "Heart Rate"
	case TypePower:
		return "Power"
	case TypeCadence:
		return "Cadence"
	case TypeSpeed:
		return "Speed"
	case TypeTrainer:
		return "Trainer"
	}
	return "Unknown"
}

// IsMetric returns true if readings of this type can be produced.
func (t DeviceType) IsMetric() bool {
	for _, m := range MetricTypes {
		if m == t {
			return true
		}
	}
	return false
}

// Protocol identifies the wireless transport a device is reached through. It is chosen once when a
// device record is created and used to route every later operation to the owning adapter.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	// ProtocolANT is the short-range radio broadcast protocol (ANT+ device profiles).
	ProtocolANT
	// ProtocolBLE is Bluetooth Low Energy GATT.
	ProtocolBLE
)

var protocolNames = map[Protocol]string{
	ProtocolANT: "short_range_radio",
	ProtocolBLE: "ble",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseProtocol accepts the canonical names as well as the common aliases "ant" and "ant+".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short_range_radio", "ant", "ant+", "antplus":
		return ProtocolANT, nil
	case "ble", "bluetooth":
		return ProtocolBLE, nil
	}
	return ProtocolUnknown, fmt.Errorf("unknown protocol '%s'", s)
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(b []byte) error {
	parsed, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IDPrefix is prepended to transport-native identifiers so that device ids are unique across the
// whole registry.
func (p Protocol) IDPrefix() string {
	switch p {
	case ProtocolANT:
		return "ant:"
	case ProtocolBLE:
		return "ble:"
	}
	return ""
}

// DeviceID encodes a transport-native identifier (a MAC address, an ANT device number) into a
// registry-wide device id. It is idempotent.
func (p Protocol) DeviceID(native string) string {
	prefix := p.IDPrefix()
	if strings.HasPrefix(native, prefix) {
		return native
	}
	return prefix + native
}

// NativeID strips the transport prefix added by DeviceID.
func (p Protocol) NativeID(deviceID string) string {
	return strings.TrimPrefix(deviceID, p.IDPrefix())
}

// ProtocolOf recovers the protocol encoded in a device id.
func ProtocolOf(deviceID string) Protocol {
	for p := range protocolNames {
		if strings.HasPrefix(deviceID, p.IDPrefix()) {
			return p
		}
	}
	return ProtocolUnknown
}

// Device is the registry record for one physical peripheral.
type Device struct {
	ID              string          `json:"deviceId"`
	Name            string          `json:"name"`
	DisplayName     string          `json:"displayName"`
	Type            DeviceType      `json:"type"`
	Protocol        Protocol        `json:"protocol"`
	Connected       bool            `json:"isConnected"`
	State           ConnectionState `json:"state"`
	SignalStrength  int             `json:"signalStrength"`
	BatteryLevel    *int            `json:"batteryLevel,omitempty"`
	Manufacturer    string          `json:"manufacturer,omitempty"`
	Model           string          `json:"model,omitempty"`
	FirmwareVersion string          `json:"firmwareVersion,omitempty"`
	Capabilities    []string        `json:"capabilities"`
	Confidence      int             `json:"confidence"`
	LastSeen        time.Time       `json:"lastSeen"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// Clone returns a deep copy of d so that callers cannot reach registry state through it.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.BatteryLevel != nil {
		level := *d.BatteryLevel
		c.BatteryLevel = &level
	}
	if d.Capabilities != nil {
		c.Capabilities = append([]string(nil), d.Capabilities...)
	}
	c.Metadata = cloneMap(d.Metadata)
	return &c
}

// HasCapability returns true if tag is among the device's capabilities.
func (d *Device) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Reading is one accepted telemetry sample. Readings are only ever constructed by the normalizer
// after validation.
type Reading struct {
	DeviceID   string         `json:"deviceId"`
	SessionID  string         `json:"sessionId"`
	Timestamp  time.Time      `json:"timestamp"`
	MetricType DeviceType     `json:"metricType"`
	Value      float64        `json:"value"`
	Unit       string         `json:"unit"`
	Quality    int            `json:"quality"`
	RawData    map[string]any `json:"rawData,omitempty"`
}

// RawEvent is a protocol-specific sample as emitted by a transport adapter, before validation.
type RawEvent struct {
	DeviceID  string         `json:"deviceId"`
	Type      string         `json:"type"`
	Value     any            `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	RawData   map[string]any `json:"rawData,omitempty"`
	// SignalStrength is the 0-100 normalized signal quality at the time of the sample, if known.
	SignalStrength *int `json:"signalStrength,omitempty"`
}

// Numeric interprets v as a float64. Strings are not accepted: transports must deliver numbers.
func Numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// NormalizeRSSI maps a received signal strength in dBm onto the 0-100 scale used by Device and
// RawEvent. -100 dBm or weaker maps to 0, -50 dBm or stronger maps to 100.
func NormalizeRSSI(dBm int) int {
	if dBm >= 0 {
		// Some stacks report 0 (or 127) when RSSI is unavailable.
		return 0
	}
	v := 2 * (dBm + 100)
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	}
	return v
}

// CloneMap returns a deep copy of a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	return cloneMap(m)
}
