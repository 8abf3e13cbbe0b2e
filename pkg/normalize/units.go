package normalize

import (
	"math"
	"strings"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// Canonical units.
const (
	UnitBPM     = "bpm"
	UnitWatts   = "W"
	UnitRPM     = "rpm"
	UnitKPH     = "km/h"
	UnitPercent = "%"
)

// Range is the accepted interval for one metric, inclusive on both ends. Decimals is the number of
// decimal places values are rounded to, or -1 to keep them as delivered.
type Range struct {
	Min      float64
	Max      float64
	Unit     string
	Decimals int
}

// Contains reports whether v lies inside r.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Heart rate below 30 bpm or above 250 bpm is not physiological. Power above 2500 W exceeds
// sprint peaks. Cadence above 250 rpm and speed above 120 km/h are sensor glitches.
var metricRanges = map[sensor.DeviceType]Range{
	sensor.TypeHeartRate: {Min: 30, Max: 250, Unit: UnitBPM, Decimals: 0},
	sensor.TypePower:     {Min: 0, Max: 2500, Unit: UnitWatts, Decimals: -1},
	sensor.TypeCadence:   {Min: 0, Max: 250, Unit: UnitRPM, Decimals: 0},
	sensor.TypeSpeed:     {Min: 0, Max: 120, Unit: UnitKPH, Decimals: 2},
	sensor.TypeTrainer:   {Min: 0, Max: 100, Unit: UnitPercent, Decimals: -1},
}

// RangeOf returns the accepted range for a metric type.
func RangeOf(t sensor.DeviceType) (Range, bool) {
	r, ok := metricRanges[t]
	return r, ok
}

var typeTokens = map[string]sensor.DeviceType{
	"heart_rate":         sensor.TypeHeartRate,
	"heartrate":          sensor.TypeHeartRate,
	"hr":                 sensor.TypeHeartRate,
	"bpm":                sensor.TypeHeartRate,
	"power":              sensor.TypePower,
	"watts":              sensor.TypePower,
	"instant_power":      sensor.TypePower,
	"cadence":            sensor.TypeCadence,
	"rpm":                sensor.TypeCadence,
	"crank_cadence":      sensor.TypeCadence,
	"speed":              sensor.TypeSpeed,
	"kmh":                sensor.TypeSpeed,
	"wheel_speed":        sensor.TypeSpeed,
	"trainer":            sensor.TypeTrainer,
	"resistance":         sensor.TypeTrainer,
	"trainer_resistance": sensor.TypeTrainer,
}

// MetricType maps a transport's type token onto a metric type. Tokens are matched
// case-insensitively, with '-' and ' ' treated as '_'.
func MetricType(token string) (sensor.DeviceType, bool) {
	key := strings.ToLower(strings.TrimSpace(token))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	t, ok := typeTokens[key]
	return t, ok
}

func round(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
