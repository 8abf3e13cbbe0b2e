package identify

import "github.com/ridelink/sensor-hub/pkg/sensor"

const (
	characteristicScore    = 5
	maxCharacteristicScore = 20
)

type characteristicRule struct {
	uuid     string
	requires []sensor.CharacteristicProperty // any of
	tag      string
}

var characteristicRules = []characteristicRule{
	{CharHeartRateMeasurement, []sensor.CharacteristicProperty{sensor.PropNotify}, CapLiveHeartRate},
	{CharCyclingPowerMeasurement, []sensor.CharacteristicProperty{sensor.PropNotify}, CapLivePower},
	{CharCSCMeasurement, []sensor.CharacteristicProperty{sensor.PropNotify}, CapLiveSpeedCadence},
	{CharIndoorBikeData, []sensor.CharacteristicProperty{sensor.PropNotify}, CapLiveTrainerData},
	{CharFitnessControlPoint, []sensor.CharacteristicProperty{sensor.PropWrite, sensor.PropIndicate}, CapResistanceControl},
	{CharCyclingPowerControl, []sensor.CharacteristicProperty{sensor.PropWrite, sensor.PropIndicate}, CapPowerCalibration},
	{CharSCControlPoint, []sensor.CharacteristicProperty{sensor.PropWrite, sensor.PropIndicate}, CapWheelCalibration},
	{CharBatteryLevel, []sensor.CharacteristicProperty{sensor.PropRead, sensor.PropNotify}, CapBatteryReporting},
	{CharSensorLocation, []sensor.CharacteristicProperty{sensor.PropRead}, CapSensorLocation},
	{CharResistanceRange, []sensor.CharacteristicProperty{sensor.PropRead}, CapResistanceRange},
	{CharPowerRange, []sensor.CharacteristicProperty{sensor.PropRead}, CapPowerRange},
}

// CharacteristicAnalysis is the result of classifying discovered characteristics.
type CharacteristicAnalysis struct {
	Characteristics []string
	Capabilities    []string
	Confidence      int
}

// AnalyzeCharacteristics derives fine-grained capability tags from characteristic properties,
// e.g. a writable Fitness Machine Control Point means the trainer accepts resistance commands.
func AnalyzeCharacteristics(chars []sensor.Characteristic) CharacteristicAnalysis {
	var result CharacteristicAnalysis
	caps := newTagSet()
	seen := make(map[string]bool)
	for _, c := range chars {
		uuid := NormalizeUUID(c.UUID)
		if uuid == "" {
			continue
		}
		if !seen[uuid] {
			seen[uuid] = true
			result.Characteristics = append(result.Characteristics, uuid)
		}
		for _, rule := range characteristicRules {
			if rule.uuid != uuid {
				continue
			}
			for _, prop := range rule.requires {
				if c.Properties.Has(prop) {
					caps.add(rule.tag)
					break
				}
			}
		}
	}
	result.Capabilities = caps.list()
	result.Confidence = clamp(characteristicScore*len(result.Capabilities), 0, maxCharacteristicScore)
	return result
}
