package identify

import "strings"

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb, without dashes.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// Well-known 16-bit service UUIDs, in the canonical form returned by NormalizeUUID.
const (
	ServiceHeartRate         = "180d"
	ServiceCyclingPower      = "1818"
	ServiceCyclingSpeedCad   = "1816"
	ServiceFitnessMachine    = "1826"
	ServiceBattery           = "180f"
	ServiceDeviceInformation = "180a"
)

// Well-known 16-bit characteristic UUIDs.
const (
	CharHeartRateMeasurement    = "2a37"
	CharCyclingPowerMeasurement = "2a63"
	CharCyclingPowerControl     = "2a66"
	CharCSCMeasurement          = "2a5b"
	CharSCControlPoint          = "2a55"
	CharSensorLocation          = "2a5d"
	CharIndoorBikeData          = "2ad2"
	CharFitnessControlPoint     = "2ad9"
	CharResistanceRange         = "2ad6"
	CharPowerRange              = "2ad8"
	CharBatteryLevel            = "2a19"
	CharManufacturerName        = "2a29"
	CharModelNumber             = "2a24"
	CharSerialNumber            = "2a25"
	CharHardwareRevision        = "2a27"
	CharFirmwareRevision        = "2a26"
	CharSoftwareRevision        = "2a28"
)

// NormalizeUUID converts a UUID in any of the usual notations (dashed or not, upper or lower case,
// "0x" prefixed, 16/32/128 bit) to a canonical lower-case form. UUIDs derived from the Bluetooth
// base UUID collapse to their 16-bit short form, e.g. "0000180D-0000-1000-8000-00805F9B34FB" and
// "0x180D" both become "180d".
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	switch {
	case len(u) == 32 && strings.HasSuffix(u, bluetoothBaseSuffix) && strings.HasPrefix(u, "0000"):
		return u[4:8]
	case len(u) == 32 && strings.HasSuffix(u, bluetoothBaseSuffix):
		return u[:8]
	case len(u) == 8 && strings.HasPrefix(u, "0000"):
		return u[4:]
	}
	return u
}

func normalizeAll(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	seen := make(map[string]bool, len(uuids))
	for _, u := range uuids {
		n := NormalizeUUID(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
