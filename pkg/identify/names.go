package identify

import (
	"strings"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// maxNameScore is the most the name rule can contribute. A pattern's own confidence scales it.
const maxNameScore = 25

// Category labels returned with name matches.
const (
	CategoryHeartRateMonitor = "heart-rate-monitor"
	CategoryPowerMeter       = "power-meter"
	CategoryCadenceSensor    = "cadence-sensor"
	CategorySpeedSensor      = "speed-sensor"
	CategorySmartTrainer     = "smart-trainer"
	CategoryUnknown          = "unknown"
)

// CategoryOf returns the category label for a device type.
func CategoryOf(t sensor.DeviceType) string {
	switch t {
	case sensor.TypeHeartRate:
		return CategoryHeartRateMonitor
	case sensor.TypePower:
		return CategoryPowerMeter
	case sensor.TypeCadence:
		return CategoryCadenceSensor
	case sensor.TypeSpeed:
		return CategorySpeedSensor
	case sensor.TypeTrainer:
		return CategorySmartTrainer
	}
	return CategoryUnknown
}

type namePattern struct {
	pattern      string // lower case substring
	deviceType   sensor.DeviceType
	manufacturer string
	model        string
	confidence   int // 0-100, how much a match on this pattern alone says about the device
}

// namePatterns is registration ordered. Matching picks the longest pattern; ties go to the entry
// registered first.
var namePatterns = []namePattern{
	// Trainers
	{"kickr core", sensor.TypeTrainer, "Wahoo Fitness", "KICKR CORE", 95},
	{"kickr snap", sensor.TypeTrainer, "Wahoo Fitness", "KICKR SNAP", 95},
	{"kickr bike", sensor.TypeTrainer, "Wahoo Fitness", "KICKR BIKE", 95},
	{"kickr", sensor.TypeTrainer, "Wahoo Fitness", "KICKR", 85},
	{"tacx neo", sensor.TypeTrainer, "Tacx", "NEO", 95},
	{"tacx flux", sensor.TypeTrainer, "Tacx", "Flux", 95},
	{"tacx flow", sensor.TypeTrainer, "Tacx", "Flow", 95},
	{"tacx", sensor.TypeTrainer, "Tacx", "", 70},
	{"direto", sensor.TypeTrainer, "Elite", "Direto", 90},
	{"suito", sensor.TypeTrainer, "Elite", "Suito", 90},
	{"zwift hub", sensor.TypeTrainer, "Zwift", "Hub", 95},
	{"saris h3", sensor.TypeTrainer, "Saris", "H3", 95},
	{"wattbike", sensor.TypeTrainer, "Wattbike", "", 80},

	// Heart rate monitors
	{"tickr x", sensor.TypeHeartRate, "Wahoo Fitness", "TICKR X", 95},
	{"tickr fit", sensor.TypeHeartRate, "Wahoo Fitness", "TICKR FIT", 95},
	{"tickr", sensor.TypeHeartRate, "Wahoo Fitness", "TICKR", 90},
	{"polar h10", sensor.TypeHeartRate, "Polar", "H10", 95},
	{"polar h9", sensor.TypeHeartRate, "Polar", "H9", 95},
	{"polar oh1", sensor.TypeHeartRate, "Polar", "OH1", 95},
	{"polar verity", sensor.TypeHeartRate, "Polar", "Verity Sense", 95},
	{"polar", sensor.TypeHeartRate, "Polar", "", 70},
	{"hrm-pro", sensor.TypeHeartRate, "Garmin", "HRM-Pro", 95},
	{"hrm-dual", sensor.TypeHeartRate, "Garmin", "HRM-Dual", 95},
	{"hrm-run", sensor.TypeHeartRate, "Garmin", "HRM-Run", 95},
	{"hrm", sensor.TypeHeartRate, "", "", 60},
	{"heart rate", sensor.TypeHeartRate, "", "", 50},
	{"heartrate", sensor.TypeHeartRate, "", "", 50},

	// Power meters
	{"assioma", sensor.TypePower, "Favero", "Assioma", 90},
	{"stages", sensor.TypePower, "Stages Cycling", "", 80},
	{"4iiii", sensor.TypePower, "4iiii", "", 80},
	{"quarq", sensor.TypePower, "SRAM", "Quarq", 85},
	{"rally", sensor.TypePower, "Garmin", "Rally", 80},
	{"vector", sensor.TypePower, "Garmin", "Vector", 75},
	{"powertap", sensor.TypePower, "PowerTap", "", 80},
	{"power", sensor.TypePower, "", "", 50},

	// Speed and cadence
	{"wahoo rpm", sensor.TypeCadence, "Wahoo Fitness", "RPM", 90},
	{"wahoo speed", sensor.TypeSpeed, "Wahoo Fitness", "SPEED", 90},
	{"blue sc", sensor.TypeCadence, "Wahoo Fitness", "Blue SC", 90},
	{"garmin speed", sensor.TypeSpeed, "Garmin", "Speed Sensor", 90},
	{"garmin cadence", sensor.TypeCadence, "Garmin", "Cadence Sensor", 90},
	{"cadence", sensor.TypeCadence, "", "", 50},
	{"speed", sensor.TypeSpeed, "", "", 50},

	{"trainer", sensor.TypeTrainer, "", "", 50},
}

// NameMatch describes the best pattern found in a device name.
type NameMatch struct {
	Type         sensor.DeviceType
	Category     string
	Manufacturer string
	Model        string
	Confidence   int
	Pattern      string
}

// AnalyzeName pattern-matches known vendor and model substrings, case-insensitively. The longest
// matching pattern wins, so "KICKR CORE 1A2B" resolves to the KICKR CORE entry rather than the
// generic KICKR one.
func AnalyzeName(name string) (*NameMatch, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return nil, false
	}

	best := -1
	for i, p := range namePatterns {
		if !strings.Contains(lower, p.pattern) {
			continue
		}
		if best < 0 || len(p.pattern) > len(namePatterns[best].pattern) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}

	p := namePatterns[best]
	return &NameMatch{
		Type:         p.deviceType,
		Category:     CategoryOf(p.deviceType),
		Manufacturer: p.manufacturer,
		Model:        p.model,
		Confidence:   p.confidence,
		Pattern:      p.pattern,
	}, true
}
