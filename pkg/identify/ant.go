package identify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// ANT+ device type codes as assigned by the ANT+ device profiles.
const (
	ANTDeviceHeartRate    uint8 = 120
	ANTDevicePower        uint8 = 11
	ANTDeviceSpeedCadence uint8 = 121
	ANTDeviceCadence      uint8 = 122
	ANTDeviceSpeed        uint8 = 123
	ANTDeviceFitnessEquip uint8 = 17
)

const (
	antProfileConfidence = 90
	antManufacturerBonus = 10
)

type antProfile struct {
	deviceType   sensor.DeviceType
	capabilities []string
}

// The ANT device type is a protocol guarantee, so profile classification starts from a high
// confidence instead of summing evidence.
var antProfiles = map[uint8]antProfile{
	ANTDeviceHeartRate:    {sensor.TypeHeartRate, []string{CapHeartRate, CapLiveHeartRate}},
	ANTDevicePower:        {sensor.TypePower, []string{CapPower, CapLivePower, CapPowerCalibration}},
	ANTDeviceSpeedCadence: {sensor.TypeCadence, []string{CapSpeed, CapCadence, CapLiveSpeedCadence}},
	ANTDeviceCadence:      {sensor.TypeCadence, []string{CapCadence, CapLiveSpeedCadence}},
	ANTDeviceSpeed:        {sensor.TypeSpeed, []string{CapSpeed, CapLiveSpeedCadence}},
	ANTDeviceFitnessEquip: {sensor.TypeTrainer, []string{CapFitnessMachine, CapTrainerControl, CapLiveTrainerData, CapResistanceControl}},
}

// ANTProfile describes a device seen on an ANT channel.
type ANTProfile struct {
	DeviceNumber     uint16
	DeviceType       uint8
	TransmissionType uint8
	// ManufacturerID is 0 until common data page 80 has been received.
	ManufacturerID uint16
	ModelNumber    uint16
	SerialNumber   uint32
	BatteryLevel   *int
	RSSI           int
	SeenAt         time.Time
}

// NativeID is the transport-native identifier, "<device number>:<device type>".
func (p ANTProfile) NativeID() string {
	return strconv.Itoa(int(p.DeviceNumber)) + ":" + strconv.Itoa(int(p.DeviceType))
}

// FromANTProfile classifies an ANT peripheral from its channel id. Unknown device type codes yield
// TypeUnknown with confidence 0.
func FromANTProfile(p ANTProfile) Identification {
	profile, ok := antProfiles[p.DeviceType]
	if !ok {
		return Identification{
			Type:         sensor.TypeUnknown,
			Category:     CategoryUnknown,
			Confidence:   0,
			Capabilities: []string{CapBroadcastOnly},
		}
	}

	ident := Identification{
		Type:       profile.deviceType,
		Category:   CategoryOf(profile.deviceType),
		Confidence: antProfileConfidence,
		Scores:     []RuleScore{{Rule: "ant-profile", Score: antProfileConfidence}},
	}
	caps := newTagSet()
	caps.add(profile.capabilities...)
	caps.add(CapBroadcastOnly, CapCommonDataPages)
	if p.BatteryLevel != nil {
		caps.add(CapBatteryReporting)
	}
	ident.Capabilities = caps.list()

	if name, ok := ANTManufacturer(p.ManufacturerID); ok {
		ident.Manufacturer = name
		ident.Confidence = clamp(ident.Confidence+antManufacturerBonus, 0, 100)
		ident.Scores = append(ident.Scores, RuleScore{Rule: "manufacturer", Score: antManufacturerBonus})
	}
	if p.ModelNumber != 0 {
		ident.Model = fmt.Sprintf("Model %d", p.ModelNumber)
	}
	return ident
}

// DeviceFromANTProfile builds a registry record for an ANT peripheral.
func DeviceFromANTProfile(p ANTProfile, ident Identification) *sensor.Device {
	seen := p.SeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	name := ident.Type.Label() + " Sensor " + strconv.Itoa(int(p.DeviceNumber))
	if ident.Manufacturer != "" {
		name = ident.Manufacturer + " " + ident.Type.Label() + " " + strconv.Itoa(int(p.DeviceNumber))
	}
	d := &sensor.Device{
		ID:             sensor.ProtocolANT.DeviceID(p.NativeID()),
		Name:           name,
		Type:           ident.Type,
		Protocol:       sensor.ProtocolANT,
		State:          sensor.StateDiscovered,
		SignalStrength: sensor.NormalizeRSSI(p.RSSI),
		Manufacturer:   ident.Manufacturer,
		Model:          ident.Model,
		Capabilities:   ident.Capabilities,
		Confidence:     ident.Confidence,
		LastSeen:       seen,
		Metadata: map[string]any{
			"deviceNumber":     int(p.DeviceNumber),
			"deviceType":       int(p.DeviceType),
			"transmissionType": int(p.TransmissionType),
			"category":         ident.Category,
		},
	}
	if p.ManufacturerID != 0 {
		d.Metadata["manufacturerId"] = int(p.ManufacturerID)
	}
	if p.SerialNumber != 0 {
		d.Metadata["serialNumber"] = strconv.FormatUint(uint64(p.SerialNumber), 10)
	}
	if p.BatteryLevel != nil {
		level := *p.BatteryLevel
		d.BatteryLevel = &level
	}
	if d.Capabilities == nil {
		d.Capabilities = []string{}
	}
	d.DisplayName = DisplayName(d.Name, d.Type, d.Manufacturer, d.Model, d.BatteryLevel)
	return d
}
