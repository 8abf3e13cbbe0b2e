package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ridelink/sensor-hub/pkg/identify"
	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// DefaultWheelCircumference is a 700x25c road wheel, in metres.
const DefaultWheelCircumference = 2.105

var errTruncated = errors.New("measurement truncated")

// sample is one decoded value, before it becomes a sensor.RawEvent.
type sample struct {
	metric sensor.DeviceType
	value  float64
	raw    map[string]any
}

// revCounter turns cumulative revolution counts and 1/1024 s event times into rates. Both fields
// wrap: event times at 16 bits, counts at the width given by mask.
type revCounter struct {
	mask     uint32
	last     uint32
	lastTime uint16
	valid    bool
}

// update returns the revolutions and seconds elapsed since the previous event. ok is false for
// the first event and for repeats of the previous event.
func (c *revCounter) update(count uint32, eventTime uint16) (revs, seconds float64, ok bool) {
	if !c.valid {
		c.last, c.lastTime, c.valid = count, eventTime, true
		return 0, 0, false
	}
	dt := eventTime - c.lastTime
	dc := (count - c.last) & c.mask
	c.last, c.lastTime = count, eventTime
	if dt == 0 {
		return 0, 0, false
	}
	return float64(dc), float64(dt) / 1024, true
}

// decoder holds per-connection state for measurements that are reported as cumulative counters.
type decoder struct {
	circumference float64
	crank         revCounter
	wheel         revCounter
}

func newDecoder(circumference float64) *decoder {
	if circumference <= 0 {
		circumference = DefaultWheelCircumference
	}
	return &decoder{
		circumference: circumference,
		crank:         revCounter{mask: 0xffff},
		wheel:         revCounter{mask: 0xffffffff},
	}
}

// decode dispatches on the normalized characteristic UUID. Unknown characteristics yield nothing.
func (d *decoder) decode(uuid string, b []byte) ([]sample, error) {
	switch uuid {
	case identify.CharHeartRateMeasurement:
		return decodeHeartRate(b)
	case identify.CharCyclingPowerMeasurement:
		return d.decodeCyclingPower(b)
	case identify.CharCSCMeasurement:
		return d.decodeCSC(b)
	case identify.CharIndoorBikeData:
		return decodeIndoorBikeData(b)
	}
	return nil, nil
}

// decodeHeartRate parses a Heart Rate Measurement (0x2A37).
func decodeHeartRate(b []byte) ([]sample, error) {
	if len(b) < 2 {
		return nil, errTruncated
	}
	flags := b[0]
	raw := map[string]any{"flags": int(flags)}
	var bpm float64
	i := 1
	if flags&0x01 != 0 {
		if len(b) < 3 {
			return nil, errTruncated
		}
		bpm = float64(binary.LittleEndian.Uint16(b[1:]))
		i = 3
	} else {
		bpm = float64(b[1])
		i = 2
	}
	if flags&0x04 != 0 {
		raw["sensorContact"] = flags&0x02 != 0
	}
	if flags&0x08 != 0 {
		if len(b) < i+2 {
			return nil, errTruncated
		}
		raw["energyExpended"] = int(binary.LittleEndian.Uint16(b[i:]))
		i += 2
	}
	if flags&0x10 != 0 {
		var intervals []any
		for ; i+1 < len(b); i += 2 {
			rr := binary.LittleEndian.Uint16(b[i:])
			intervals = append(intervals, math.Round(float64(rr)*1000/1024))
		}
		raw["rrIntervalsMs"] = intervals
	}
	return []sample{{metric: sensor.TypeHeartRate, value: bpm, raw: raw}}, nil
}

// decodeCyclingPower parses a Cycling Power Measurement (0x2A63). Cadence is derived from the
// crank revolution data when present.
func (d *decoder) decodeCyclingPower(b []byte) ([]sample, error) {
	if len(b) < 4 {
		return nil, errTruncated
	}
	flags := binary.LittleEndian.Uint16(b)
	power := int16(binary.LittleEndian.Uint16(b[2:]))
	raw := map[string]any{"flags": int(flags)}
	i := 4
	if flags&0x01 != 0 {
		if len(b) < i+1 {
			return nil, errTruncated
		}
		raw["pedalPowerBalance"] = float64(b[i]) / 2
		i++
	}
	if flags&0x04 != 0 {
		i += 2
	}
	if flags&0x10 != 0 {
		i += 6
	}
	samples := []sample{{metric: sensor.TypePower, value: float64(power), raw: raw}}
	if flags&0x20 != 0 {
		if len(b) < i+4 {
			return nil, errTruncated
		}
		count := binary.LittleEndian.Uint16(b[i:])
		eventTime := binary.LittleEndian.Uint16(b[i+2:])
		if revs, seconds, ok := d.crank.update(uint32(count), eventTime); ok {
			samples = append(samples, sample{
				metric: sensor.TypeCadence,
				value:  revs / seconds * 60,
				raw:    map[string]any{"crankRevolutions": int(count), "lastCrankEventTime": int(eventTime)},
			})
		}
	}
	return samples, nil
}

// decodeCSC parses a CSC Measurement (0x2A5B) into speed and cadence.
func (d *decoder) decodeCSC(b []byte) ([]sample, error) {
	if len(b) < 1 {
		return nil, errTruncated
	}
	flags := b[0]
	var samples []sample
	i := 1
	if flags&0x01 != 0 {
		if len(b) < i+6 {
			return nil, errTruncated
		}
		count := binary.LittleEndian.Uint32(b[i:])
		eventTime := binary.LittleEndian.Uint16(b[i+4:])
		i += 6
		if revs, seconds, ok := d.wheel.update(count, eventTime); ok {
			samples = append(samples, sample{
				metric: sensor.TypeSpeed,
				value:  revs * d.circumference / seconds * 3.6,
				raw: map[string]any{
					"wheelRevolutions":    float64(count),
					"lastWheelEventTime":  int(eventTime),
					"wheelCircumferenceM": d.circumference,
				},
			})
		}
	}
	if flags&0x02 != 0 {
		if len(b) < i+4 {
			return nil, errTruncated
		}
		count := binary.LittleEndian.Uint16(b[i:])
		eventTime := binary.LittleEndian.Uint16(b[i+2:])
		if revs, seconds, ok := d.crank.update(uint32(count), eventTime); ok {
			samples = append(samples, sample{
				metric: sensor.TypeCadence,
				value:  revs / seconds * 60,
				raw:    map[string]any{"crankRevolutions": int(count), "lastCrankEventTime": int(eventTime)},
			})
		}
	}
	return samples, nil
}

// decodeIndoorBikeData parses FTMS Indoor Bike Data (0x2AD2). Only the instantaneous fields are
// reported; averages and totals are skipped.
func decodeIndoorBikeData(b []byte) ([]sample, error) {
	if len(b) < 2 {
		return nil, errTruncated
	}
	flags := binary.LittleEndian.Uint16(b)
	raw := map[string]any{"flags": int(flags)}
	var samples []sample
	i := 2
	field := func(size int) ([]byte, error) {
		if len(b) < i+size {
			return nil, fmt.Errorf("%w at offset %d", errTruncated, i)
		}
		v := b[i : i+size]
		i += size
		return v, nil
	}

	// Bit 0 is "more data": instantaneous speed is present when it is clear.
	if flags&0x01 == 0 {
		v, err := field(2)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample{metric: sensor.TypeSpeed, value: float64(binary.LittleEndian.Uint16(v)) / 100, raw: raw})
	}
	if flags&0x02 != 0 {
		if _, err := field(2); err != nil {
			return nil, err
		}
	}
	if flags&0x04 != 0 {
		v, err := field(2)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample{metric: sensor.TypeCadence, value: float64(binary.LittleEndian.Uint16(v)) / 2, raw: raw})
	}
	if flags&0x08 != 0 {
		if _, err := field(2); err != nil {
			return nil, err
		}
	}
	if flags&0x10 != 0 {
		if _, err := field(3); err != nil {
			return nil, err
		}
	}
	if flags&0x20 != 0 {
		v, err := field(2)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample{metric: sensor.TypeTrainer, value: float64(int16(binary.LittleEndian.Uint16(v))), raw: raw})
	}
	if flags&0x40 != 0 {
		v, err := field(2)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample{metric: sensor.TypePower, value: float64(int16(binary.LittleEndian.Uint16(v))), raw: raw})
	}
	return samples, nil
}

// decodeBattery parses a Battery Level (0x2A19).
func decodeBattery(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errTruncated
	}
	if b[0] > 100 {
		return 0, fmt.Errorf("battery level %d out of range", b[0])
	}
	return int(b[0]), nil
}
