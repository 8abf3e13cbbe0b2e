package identify_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ridelink/sensor-hub/pkg/identify"
	"github.com/ridelink/sensor-hub/pkg/sensor"
)

func scoreOf(ident identify.Identification, rule string) int {
	for _, s := range ident.Scores {
		if s.Rule == rule {
			return s.Score
		}
	}
	return -1
}

var _ = Describe("Identify", func() {
	Describe("NormalizeUUID", func() {
		It("collapses base UUIDs to the short form", func() {
			Expect(identify.NormalizeUUID("0000180D-0000-1000-8000-00805F9B34FB")).To(Equal("180d"))
			Expect(identify.NormalizeUUID("0x180D")).To(Equal("180d"))
			Expect(identify.NormalizeUUID("0000180d")).To(Equal("180d"))
		})

		It("keeps vendor UUIDs intact", func() {
			Expect(identify.NormalizeUUID("A026EE01-0A7D-4AB3-97FA-F1500F9FEB8B")).To(Equal("a026ee010a7d4ab397faf1500f9feb8b"))
		})
	})

	Describe("AnalyzeServices", func() {
		It("uses the first primary service for the type", func() {
			result := identify.AnalyzeServices([]string{"1818", "180D", "180F"})
			Expect(result.PrimaryType).To(Equal(sensor.TypePower))
			Expect(result.Confidence).To(Equal(55))
			Expect(result.Capabilities).To(ContainElements(identify.CapPower, identify.CapHeartRate, identify.CapBattery))
		})

		It("caps the service contribution", func() {
			result := identify.AnalyzeServices([]string{"1826", "1818", "1816", "180d", "180f", "180a"})
			Expect(result.Confidence).To(Equal(60))
		})

		It("ignores unknown services", func() {
			result := identify.AnalyzeServices([]string{"feed", ""})
			Expect(result.PrimaryType).To(Equal(sensor.TypeUnknown))
			Expect(result.Confidence).To(BeZero())
			Expect(result.Services).To(BeEmpty())
		})
	})

	Describe("AnalyzeName", func() {
		It("prefers the longest matching pattern", func() {
			match, ok := identify.AnalyzeName("KICKR CORE 1A2B")
			Expect(ok).To(BeTrue())
			Expect(match.Pattern).To(Equal("kickr core"))
			Expect(match.Model).To(Equal("KICKR CORE"))
			Expect(match.Type).To(Equal(sensor.TypeTrainer))
		})

		It("is case-insensitive", func() {
			match, ok := identify.AnalyzeName("polar H10 ABC123")
			Expect(ok).To(BeTrue())
			Expect(match.Manufacturer).To(Equal("Polar"))
			Expect(match.Model).To(Equal("H10"))
		})

		It("returns false when nothing matches", func() {
			_, ok := identify.AnalyzeName("Mystery Box")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("ParseManufacturerData", func() {
		It("decodes little-endian company identifiers", func() {
			info, ok := identify.ParseManufacturerData([]byte{0x71, 0x01, 0xAA})
			Expect(ok).To(BeTrue())
			Expect(info.CompanyName).To(Equal("Wahoo Fitness"))
			Expect(info.Payload).To(Equal([]byte{0xAA}))
		})

		It("rejects short payloads", func() {
			_, ok := identify.ParseManufacturerData([]byte{0x71})
			Expect(ok).To(BeFalse())
		})
	})

	Describe("AnalyzeCharacteristics", func() {
		It("requires a matching property", func() {
			result := identify.AnalyzeCharacteristics([]sensor.Characteristic{
				{UUID: "2ad9", Properties: sensor.PropWrite},
				{UUID: "2a37", Properties: sensor.PropRead},
			})
			Expect(result.Capabilities).To(Equal([]string{identify.CapResistanceControl}))
			Expect(result.Confidence).To(Equal(5))
		})
	})

	Describe("Identify", func() {
		It("classifies a heart rate strap from its service", func() {
			ident := identify.Identify(sensor.Advertisement{
				Address:      "aa:bb:cc:dd:ee:ff",
				LocalName:    "TICKR 1A2B",
				ServiceUUIDs: []string{"0000180d-0000-1000-8000-00805f9b34fb"},
			})
			Expect(ident.Type).To(Equal(sensor.TypeHeartRate))
			Expect(ident.Category).To(Equal(identify.CategoryHeartRateMonitor))
			Expect(ident.Manufacturer).To(Equal("Wahoo Fitness"))
			Expect(scoreOf(ident, "services")).To(Equal(40))
			Expect(scoreOf(ident, "name")).To(Equal(22))
			Expect(ident.Confidence).To(Equal(62))
		})

		It("lets services override the name", func() {
			ident := identify.Identify(sensor.Advertisement{
				LocalName:    "Power Thing",
				ServiceUUIDs: []string{"180d"},
			})
			Expect(ident.Type).To(Equal(sensor.TypeHeartRate))
		})

		It("lets the name tell speed from cadence on a CSC sensor", func() {
			speed := identify.Identify(sensor.Advertisement{LocalName: "Wahoo SPEED 1A2B", ServiceUUIDs: []string{"1816"}})
			Expect(speed.Type).To(Equal(sensor.TypeSpeed))
			Expect(speed.Model).To(Equal("SPEED"))

			cadence := identify.Identify(sensor.Advertisement{LocalName: "Wahoo CADENCE 1A2B", ServiceUUIDs: []string{"1816"}})
			Expect(cadence.Type).To(Equal(sensor.TypeCadence))

			unnamed := identify.Identify(sensor.Advertisement{ServiceUUIDs: []string{"1816"}})
			Expect(unnamed.Type).To(Equal(sensor.TypeCadence))
		})

		It("does not let a speed name override other services", func() {
			ident := identify.Identify(sensor.Advertisement{LocalName: "Speed", ServiceUUIDs: []string{"1818"}})
			Expect(ident.Type).To(Equal(sensor.TypePower))
		})

		It("returns unknown with zero confidence for empty input", func() {
			ident := identify.Identify(sensor.Advertisement{})
			Expect(ident.Type).To(Equal(sensor.TypeUnknown))
			Expect(ident.Confidence).To(BeZero())
			Expect(ident.Capabilities).To(BeEmpty())
		})

		It("discards weak guesses", func() {
			ident := identify.Identify(sensor.Advertisement{LocalName: "Speed"})
			Expect(ident.Confidence).To(BeNumerically("<", identify.MinClassificationConfidence))
			Expect(ident.Type).To(Equal(sensor.TypeUnknown))
		})

		It("never exceeds 100", func() {
			level := 80
			ident := identify.Identify(sensor.Advertisement{
				LocalName:        "KICKR CORE 1A2B",
				ManufacturerData: []byte{0x71, 0x01},
				ServiceUUIDs:     []string{"1826", "1818", "1816", "180d", "180f", "180a"},
				Characteristics: []sensor.Characteristic{
					{UUID: "2ad2", Properties: sensor.PropNotify},
					{UUID: "2ad9", Properties: sensor.PropWrite | sensor.PropIndicate},
					{UUID: "2a63", Properties: sensor.PropNotify},
					{UUID: "2a19", Properties: sensor.PropRead},
					{UUID: "2ad8", Properties: sensor.PropRead},
				},
				Info:         sensor.DeviceInfo{ManufacturerName: "Wahoo Fitness LLC", ModelNumber: "KICKR CORE"},
				BatteryLevel: &level,
			})
			Expect(ident.Confidence).To(Equal(100))
			Expect(ident.Type).To(Equal(sensor.TypeTrainer))
			Expect(ident.Manufacturer).To(Equal("Wahoo Fitness LLC"))
		})

		It("is deterministic", func() {
			adv := sensor.Advertisement{LocalName: "Assioma DUO", ServiceUUIDs: []string{"1818"}, ManufacturerData: []byte{0x87, 0x00}}
			Expect(identify.Identify(adv)).To(Equal(identify.Identify(adv)))
		})
	})

	Describe("DeviceFromAdvertisement", func() {
		It("builds a discovered BLE device", func() {
			level := 85
			seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			adv := sensor.Advertisement{
				Address:      "aa:bb:cc:dd:ee:ff",
				ServiceUUIDs: []string{"1826"},
				Info:         sensor.DeviceInfo{ManufacturerName: "Wahoo Fitness", ModelNumber: "KICKR CORE", FirmwareRevision: "4.2.1"},
				BatteryLevel: &level,
				RSSI:         -60,
				SeenAt:       seen,
			}
			device := identify.DeviceFromAdvertisement(adv, identify.Identify(adv))
			Expect(device.ID).To(Equal("ble:aa:bb:cc:dd:ee:ff"))
			Expect(device.Protocol).To(Equal(sensor.ProtocolBLE))
			Expect(device.State).To(Equal(sensor.StateDiscovered))
			Expect(device.Name).To(Equal("Wahoo Fitness KICKR CORE"))
			Expect(device.DisplayName).To(Equal("Wahoo Fitness KICKR CORE (85%)"))
			Expect(device.SignalStrength).To(Equal(80))
			Expect(device.FirmwareVersion).To(Equal("4.2.1"))
			Expect(device.LastSeen).To(Equal(seen))
			Expect(device.Connected).To(BeFalse())

			level = 10
			Expect(*device.BatteryLevel).To(Equal(85))
		})
	})

	Describe("DisplayName", func() {
		It("falls back to the type label", func() {
			Expect(identify.DisplayName("", sensor.TypeCadence, "", "", nil)).To(Equal("Cadence Sensor"))
			Expect(identify.DisplayName("", sensor.TypePower, "Favero", "", nil)).To(Equal("Favero Power"))
			Expect(identify.DisplayName("TICKR 1A2B", sensor.TypeHeartRate, "", "", nil)).To(Equal("TICKR 1A2B"))
		})

		It("names anonymous devices after their address", func() {
			Expect(identify.DeviceName("", sensor.TypeSpeed, "", "", "aa:bb:cc:dd:ee:ff")).To(Equal("Speed Sensor EEFF"))
		})
	})

	Describe("FromANTProfile", func() {
		It("classifies a heart rate monitor", func() {
			ident := identify.FromANTProfile(identify.ANTProfile{DeviceNumber: 12345, DeviceType: identify.ANTDeviceHeartRate})
			Expect(ident.Type).To(Equal(sensor.TypeHeartRate))
			Expect(ident.Confidence).To(Equal(90))
			Expect(ident.Capabilities).To(ContainElement(identify.CapBroadcastOnly))
		})

		It("adds the manufacturer bonus", func() {
			ident := identify.FromANTProfile(identify.ANTProfile{DeviceType: identify.ANTDeviceFitnessEquip, ManufacturerID: 89})
			Expect(ident.Type).To(Equal(sensor.TypeTrainer))
			Expect(ident.Manufacturer).To(Equal("Tacx"))
			Expect(ident.Confidence).To(Equal(100))
		})

		It("maps combined speed and cadence sensors to cadence", func() {
			ident := identify.FromANTProfile(identify.ANTProfile{DeviceType: identify.ANTDeviceSpeedCadence})
			Expect(ident.Type).To(Equal(sensor.TypeCadence))
			Expect(ident.Capabilities).To(ContainElements(identify.CapSpeed, identify.CapCadence))
		})

		It("returns unknown for unassigned device types", func() {
			ident := identify.FromANTProfile(identify.ANTProfile{DeviceType: 200})
			Expect(ident.Type).To(Equal(sensor.TypeUnknown))
			Expect(ident.Confidence).To(BeZero())
		})

		It("builds a device with an ANT id", func() {
			p := identify.ANTProfile{DeviceNumber: 4242, DeviceType: identify.ANTDevicePower}
			device := identify.DeviceFromANTProfile(p, identify.FromANTProfile(p))
			Expect(device.ID).To(Equal("ant:4242:11"))
			Expect(device.Protocol).To(Equal(sensor.ProtocolANT))
			Expect(device.DisplayName).To(Equal("Power Sensor 4242"))
		})
	})
})
