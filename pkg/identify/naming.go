package identify

import (
	"fmt"
	"strings"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// DeviceName picks a stable name for a peripheral: the advertised local name when there is one,
// otherwise "<manufacturer> <model>", otherwise "<type> Sensor <suffix>" where suffix is the last
// four hex digits of the native address.
func DeviceName(localName string, t sensor.DeviceType, manufacturer, model, nativeID string) string {
	if name := strings.TrimSpace(localName); name != "" {
		return name
	}
	if manufacturer != "" && model != "" {
		return manufacturer + " " + model
	}
	name := t.Label() + " Sensor"
	if suffix := addressSuffix(nativeID); suffix != "" {
		name += " " + suffix
	}
	return name
}

// DisplayName builds the label shown to users. Manufacturer and model replace the raw name when
// both are known, and the battery level is appended when reported:
//
//	Wahoo Fitness KICKR CORE (85%)
//	TICKR 1A2B
//	Heart Rate Sensor
func DisplayName(name string, t sensor.DeviceType, manufacturer, model string, battery *int) string {
	var base string
	switch {
	case manufacturer != "" && model != "":
		base = manufacturer + " " + model
	case strings.TrimSpace(name) != "":
		base = strings.TrimSpace(name)
	case manufacturer != "":
		base = manufacturer + " " + t.Label()
	default:
		base = t.Label() + " Sensor"
	}
	if battery != nil {
		base = fmt.Sprintf("%s (%d%%)", base, *battery)
	}
	return base
}

func addressSuffix(nativeID string) string {
	var hexDigits []rune
	for _, r := range strings.ToUpper(nativeID) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') {
			hexDigits = append(hexDigits, r)
		}
	}
	if len(hexDigits) < 4 {
		return string(hexDigits)
	}
	return string(hexDigits[len(hexDigits)-4:])
}
