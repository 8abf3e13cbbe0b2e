package identify

import "github.com/ridelink/sensor-hub/pkg/sensor"

// Capability tags attached to devices. Tags are free-form strings so that adapters and the UI can
// add their own, but the ones below are produced by this package.
const (
	CapHeartRate          = "heart-rate"
	CapPower              = "power"
	CapCyclingPower       = "cycling-power"
	CapSpeed              = "speed"
	CapCadence            = "cadence"
	CapFitnessMachine     = "fitness-machine"
	CapTrainerControl     = "trainer-control"
	CapBattery            = "battery"
	CapDeviceInformation  = "device-information"
	CapResistanceControl  = "supports-resistance-control"
	CapPowerCalibration   = "supports-power-calibration"
	CapWheelCalibration   = "supports-wheel-calibration"
	CapBatteryReporting   = "battery-reporting"
	CapSensorLocation     = "sensor-location"
	CapResistanceRange    = "resistance-range"
	CapPowerRange         = "power-range"
	CapLiveHeartRate      = "live-heart-rate"
	CapLivePower          = "live-power"
	CapLiveSpeedCadence   = "live-speed-cadence"
	CapLiveTrainerData    = "live-trainer-data"
	CapBroadcastOnly      = "broadcast-only"
	CapCommonDataPages    = "common-data-pages"
	CapManufacturerDataAD = "manufacturer-data"
)

// Score contributions of the service rule. The total is capped at maxServiceScore.
const (
	primaryServiceScore    = 40
	additionalServiceScore = 10
	genericServiceScore    = 5
	maxServiceScore        = 60
)

type serviceInfo struct {
	uuid         string
	name         string
	deviceType   sensor.DeviceType
	primary      bool
	capabilities []string
}

var serviceTable = []serviceInfo{
	{ServiceHeartRate, "Heart Rate", sensor.TypeHeartRate, true, []string{CapHeartRate}},
	{ServiceCyclingPower, "Cycling Power", sensor.TypePower, true, []string{CapPower, CapCyclingPower}},
	{ServiceCyclingSpeedCad, "Cycling Speed and Cadence", sensor.TypeCadence, true, []string{CapSpeed, CapCadence}},
	{ServiceFitnessMachine, "Fitness Machine", sensor.TypeTrainer, true, []string{CapFitnessMachine, CapTrainerControl}},
	{ServiceBattery, "Battery", sensor.TypeUnknown, false, []string{CapBattery}},
	{ServiceDeviceInformation, "Device Information", sensor.TypeUnknown, false, []string{CapDeviceInformation}},
}

var servicesByUUID = func() map[string]serviceInfo {
	m := make(map[string]serviceInfo, len(serviceTable))
	for _, s := range serviceTable {
		m[s.uuid] = s
	}
	return m
}()

// ServiceName returns the SIG name of a well-known service, or "" if it is not in the table.
func ServiceName(uuid string) string {
	return servicesByUUID[NormalizeUUID(uuid)].name
}

// ServiceAnalysis is the result of classifying a list of advertised or discovered services.
type ServiceAnalysis struct {
	// Services lists the recognized services in canonical short form, in input order.
	Services     []string
	Capabilities []string
	// PrimaryType is the type of the first primary cycling service, or TypeUnknown.
	PrimaryType sensor.DeviceType
	// Confidence is the service rule's contribution, 0 to 60.
	Confidence int
}

// AnalyzeServices maps well-known service UUIDs to capability tags. When a device exposes more
// than one primary cycling service the first one (in the order given) determines PrimaryType and
// the others only add capabilities.
func AnalyzeServices(uuids []string) ServiceAnalysis {
	result := ServiceAnalysis{PrimaryType: sensor.TypeUnknown}
	caps := newTagSet()
	for _, uuid := range normalizeAll(uuids) {
		info, ok := servicesByUUID[uuid]
		if !ok {
			continue
		}
		result.Services = append(result.Services, uuid)
		caps.add(info.capabilities...)
		switch {
		case info.primary && result.PrimaryType == sensor.TypeUnknown:
			result.PrimaryType = info.deviceType
			result.Confidence += primaryServiceScore
		case info.primary:
			result.Confidence += additionalServiceScore
		default:
			result.Confidence += genericServiceScore
		}
	}
	result.Confidence = clamp(result.Confidence, 0, maxServiceScore)
	result.Capabilities = caps.list()
	return result
}
