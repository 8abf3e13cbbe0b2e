package sensor

import "time"

// CharacteristicProperty is a bit set of GATT characteristic properties.
type CharacteristicProperty uint8

const (
	PropRead CharacteristicProperty = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// Has returns true if every bit in other is set.
func (p CharacteristicProperty) Has(other CharacteristicProperty) bool {
	return p&other == other
}

// Characteristic describes one GATT characteristic discovered on a connected peripheral.
type Characteristic struct {
	UUID       string                 `json:"uuid"`
	Service    string                 `json:"service,omitempty"`
	Properties CharacteristicProperty `json:"properties"`
}

// DeviceInfo holds the strings read from the Device Information service (0x180A).
type DeviceInfo struct {
	ManufacturerName string `json:"manufacturerName,omitempty"`
	ModelNumber      string `json:"modelNumber,omitempty"`
	SerialNumber     string `json:"serialNumber,omitempty"`
	HardwareRevision string `json:"hardwareRevision,omitempty"`
	FirmwareRevision string `json:"firmwareRevision,omitempty"`
	SoftwareRevision string `json:"softwareRevision,omitempty"`
}

// Empty returns true if no field is set.
func (i DeviceInfo) Empty() bool {
	return i == DeviceInfo{}
}

// Advertisement is what a BLE adapter knows about a peripheral: the broadcast payload seen while
// scanning, optionally enriched with services and characteristics discovered after connecting.
type Advertisement struct {
	Address          string           `json:"address"`
	LocalName        string           `json:"localName,omitempty"`
	ManufacturerData []byte           `json:"manufacturerData,omitempty"`
	ServiceUUIDs     []string         `json:"serviceUuids,omitempty"`
	Characteristics  []Characteristic `json:"characteristics,omitempty"`
	Info             DeviceInfo       `json:"info,omitempty"`
	BatteryLevel     *int             `json:"batteryLevel,omitempty"`
	// RSSI is the raw received signal strength in dBm.
	RSSI        int       `json:"rssi"`
	TxPower     int       `json:"txPower,omitempty"`
	Connectable bool      `json:"connectable"`
	SeenAt      time.Time `json:"seenAt"`
}
