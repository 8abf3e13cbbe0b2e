package identify

import "encoding/binary"

const manufacturerScore = 15

// bluetoothCompanies is a subset of the Bluetooth SIG assigned company identifiers, limited to
// vendors that ship fitness sensors or the radios inside them.
var bluetoothCompanies = map[uint16]string{
	0x004C: "Apple",
	0x0059: "Nordic Semiconductor",
	0x006B: "Polar",
	0x0087: "Garmin",
	0x009F: "Suunto",
	0x0171: "Wahoo Fitness",
	0x0689: "Tacx",
	0x094A: "Zwift",
}

// antManufacturers maps ANT+ manufacturer ids, as carried in common data page 80, to names.
var antManufacturers = map[uint16]string{
	1:   "Garmin",
	7:   "SRAM",
	9:   "Saris",
	23:  "Suunto",
	32:  "Wahoo Fitness",
	69:  "Stages Cycling",
	86:  "Elite",
	89:  "Tacx",
	123: "Polar",
	263: "Favero",
}

// ManufacturerInfo is decoded from the manufacturer-specific advertisement field.
type ManufacturerInfo struct {
	CompanyID   uint16
	CompanyName string
	Payload     []byte
}

// ParseManufacturerData decodes the little-endian company identifier at the start of a
// manufacturer-specific data field. Unknown companies and short payloads yield false.
func ParseManufacturerData(data []byte) (*ManufacturerInfo, bool) {
	if len(data) < 2 {
		return nil, false
	}
	id := binary.LittleEndian.Uint16(data[:2])
	name, ok := bluetoothCompanies[id]
	if !ok {
		return nil, false
	}
	return &ManufacturerInfo{
		CompanyID:   id,
		CompanyName: name,
		Payload:     append([]byte(nil), data[2:]...),
	}, true
}

// ANTManufacturer returns the name registered for an ANT+ manufacturer id.
func ANTManufacturer(id uint16) (string, bool) {
	name, ok := antManufacturers[id]
	return name, ok
}
