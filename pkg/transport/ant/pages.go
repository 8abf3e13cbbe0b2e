package ant

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/ridelink/sensor-hub/pkg/identify"
	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// DefaultWheelCircumference is a 700x25c road wheel, in metres.
const DefaultWheelCircumference = 2.105

// Every ANT+ broadcast carries an 8 byte payload.
const pageSize = 8

const (
	pageHRManufacturer    = 2
	pageHRProduct         = 3
	pageHRBattery         = 7
	pageSCManufacturer    = 2
	pageSCProduct         = 3
	pageSCBattery         = 4
	pagePowerStandard     = 0x10
	pageFEGeneral         = 0x10
	pageFETrainer         = 0x19
	pageFEBasicResistance = 0x30
	pageManufacturerInfo  = 0x50
	pageProductInfo       = 0x51
	pageBatteryStatus     = 0x52
)

var errShortPage = errors.New("ant: broadcast payload is not 8 bytes")

// batteryStatus maps the 3-bit battery status field onto a percentage.
var batteryStatus = map[byte]int{
	1: 100, // new
	2: 80,  // good
	3: 50,  // ok
	4: 20,  // low
	5: 5,   // critical
}

type sample struct {
	metric sensor.DeviceType
	value  float64
	raw    map[string]any
}

// revCounter turns the 16-bit event time and revolution count of the speed and cadence profiles
// into deltas.
type revCounter struct {
	revs  uint16
	time  uint16
	valid bool
}

// update returns the revolutions and seconds since the previous event. ok is false for the first
// event and for repeats of the last event.
func (c *revCounter) update(revs, eventTime uint16) (deltaRevs, seconds float64, ok bool) {
	if !c.valid {
		c.revs, c.time, c.valid = revs, eventTime, true
		return 0, 0, false
	}
	dt := eventTime - c.time
	if dt == 0 {
		return 0, 0, false
	}
	dr := revs - c.revs
	c.revs, c.time = revs, eventTime
	return float64(dr), float64(dt) / 1024, true
}

type decoder struct {
	circumference float64
	speed         revCounter
	cadence       revCounter
}

func newDecoder(circumference float64) *decoder {
	if circumference <= 0 {
		circumference = DefaultWheelCircumference
	}
	return &decoder{circumference: circumference}
}

// pageNumber strips the toggle bit used by the heart rate and single speed or cadence profiles.
func pageNumber(deviceType uint8, page []byte) byte {
	switch deviceType {
	case identify.ANTDeviceHeartRate, identify.ANTDeviceSpeed, identify.ANTDeviceCadence:
		return page[0] & 0x7f
	}
	return page[0]
}

// decode extracts measurements from one data page.
func (d *decoder) decode(deviceType uint8, page []byte) ([]sample, error) {
	if len(page) != pageSize {
		return nil, errShortPage
	}
	num := pageNumber(deviceType, page)
	switch deviceType {
	case identify.ANTDeviceHeartRate:
		if num >= 0x40 {
			return nil, nil
		}
		return []sample{{metric: sensor.TypeHeartRate, value: float64(page[7]), raw: map[string]any{
			"page":           int(num),
			"heartBeatCount": int(page[6]),
		}}}, nil
	case identify.ANTDevicePower:
		return d.decodePower(num, page), nil
	case identify.ANTDeviceSpeed:
		return d.decodeSpeed(page[4:]), nil
	case identify.ANTDeviceCadence:
		return d.decodeCadence(page[4:]), nil
	case identify.ANTDeviceSpeedCadence:
		return append(d.decodeCadence(page[:4]), d.decodeSpeed(page[4:])...), nil
	case identify.ANTDeviceFitnessEquip:
		return d.decodeFitnessEquipment(num, page), nil
	}
	return nil, nil
}

func (d *decoder) decodePower(num byte, page []byte) []sample {
	if num != pagePowerStandard {
		return nil
	}
	raw := map[string]any{"page": int(num), "eventCount": int(page[1])}
	if page[2] != 0xff {
		raw["pedalPower"] = int(page[2] & 0x7f)
	}
	out := []sample{{metric: sensor.TypePower, value: float64(binary.LittleEndian.Uint16(page[6:])), raw: raw}}
	if page[3] != 0xff {
		out = append(out, sample{metric: sensor.TypeCadence, value: float64(page[3]), raw: map[string]any{"page": int(num)}})
	}
	return out
}

// decodeSpeed reads an event time and cumulative wheel revolutions from b.
func (d *decoder) decodeSpeed(b []byte) []sample {
	revs, seconds, ok := d.speed.update(binary.LittleEndian.Uint16(b[2:]), binary.LittleEndian.Uint16(b))
	if !ok {
		return nil
	}
	kmh := revs * d.circumference / seconds * 3.6
	return []sample{{metric: sensor.TypeSpeed, value: kmh, raw: map[string]any{
		"wheelRevolutions": revs,
		"eventSeconds":     seconds,
	}}}
}

// decodeCadence reads an event time and cumulative crank revolutions from b.
func (d *decoder) decodeCadence(b []byte) []sample {
	revs, seconds, ok := d.cadence.update(binary.LittleEndian.Uint16(b[2:]), binary.LittleEndian.Uint16(b))
	if !ok {
		return nil
	}
	return []sample{{metric: sensor.TypeCadence, value: revs / seconds * 60, raw: map[string]any{
		"crankRevolutions": revs,
		"eventSeconds":     seconds,
	}}}
}

func (d *decoder) decodeFitnessEquipment(num byte, page []byte) []sample {
	raw := map[string]any{"page": int(num)}
	switch num {
	case pageFEGeneral:
		speed := binary.LittleEndian.Uint16(page[4:])
		if speed == 0xffff {
			return nil
		}
		// 0.001 m/s units.
		return []sample{{metric: sensor.TypeSpeed, value: float64(speed) * 0.0036, raw: raw}}
	case pageFETrainer:
		var out []sample
		if page[2] != 0xff {
			out = append(out, sample{metric: sensor.TypeCadence, value: float64(page[2]), raw: raw})
		}
		power := uint16(page[5]) | uint16(page[6]&0x0f)<<8
		if power != 0xfff {
			out = append(out, sample{metric: sensor.TypePower, value: float64(power), raw: sensor.CloneMap(raw)})
		}
		return out
	case pageFEBasicResistance:
		// 0.5% units.
		return []sample{{metric: sensor.TypeTrainer, value: math.Min(float64(page[7])/2, 100), raw: raw}}
	}
	return nil
}

// applyIdentity updates p from manufacturer, product and battery pages and reports whether
// anything changed.
func applyIdentity(p *identify.ANTProfile, page []byte) bool {
	if len(page) != pageSize {
		return false
	}
	before := *p
	var beforeBattery int
	if p.BatteryLevel != nil {
		beforeBattery = *p.BatteryLevel
	}

	num := pageNumber(p.DeviceType, page)
	switch p.DeviceType {
	case identify.ANTDeviceHeartRate:
		switch num {
		case pageHRManufacturer:
			p.ManufacturerID = uint16(page[1])
		case pageHRProduct:
			p.ModelNumber = uint16(page[3])
		case pageHRBattery:
			if page[1] <= 100 {
				setBattery(p, int(page[1]))
			}
		}
	case identify.ANTDeviceSpeed, identify.ANTDeviceCadence:
		switch num {
		case pageSCManufacturer:
			p.ManufacturerID = uint16(page[1])
		case pageSCProduct:
			p.ModelNumber = uint16(page[3])
		case pageSCBattery:
			if level, ok := batteryStatus[(page[3]>>4)&0x07]; ok {
				setBattery(p, level)
			}
		}
	case identify.ANTDevicePower, identify.ANTDeviceFitnessEquip:
		switch num {
		case pageManufacturerInfo:
			p.ManufacturerID = binary.LittleEndian.Uint16(page[4:])
			p.ModelNumber = binary.LittleEndian.Uint16(page[6:])
		case pageProductInfo:
			p.SerialNumber = binary.LittleEndian.Uint32(page[4:])
		case pageBatteryStatus:
			if level, ok := batteryStatus[(page[7]>>4)&0x07]; ok {
				setBattery(p, level)
			}
		}
	}

	changed := p.ManufacturerID != before.ManufacturerID || p.ModelNumber != before.ModelNumber ||
		p.SerialNumber != before.SerialNumber
	if p.BatteryLevel != nil && (before.BatteryLevel == nil || *p.BatteryLevel != beforeBattery) {
		changed = true
	}
	return changed
}

func setBattery(p *identify.ANTProfile, level int) {
	p.BatteryLevel = &level
}
