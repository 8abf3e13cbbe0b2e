package normalize_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/ridelink/sensor-hub/mocks"
	"github.com/ridelink/sensor-hub/pkg/normalize"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/session"
)

func intPtr(v int) *int {
	return &v
}

var _ = Describe("Normalizer", func() {
	var (
		ctx   context.Context
		now   time.Time
		stamp time.Time
		n     *normalize.Normalizer
	)

	rawEvent := func(metric string, value any) sensor.RawEvent {
		ts := stamp
		return sensor.RawEvent{
			DeviceID:  "hr-1",
			Type:      metric,
			Value:     value,
			Timestamp: &ts,
			RawData:   map[string]any{"page": 4},
		}
	}

	expectReject := func(reading *sensor.Reading, err error, reason normalize.Reason) {
		Expect(reading).To(BeNil())
		reject, ok := normalize.IsReject(err)
		Expect(ok).To(BeTrue())
		Expect(reject.Reason).To(Equal(reason))
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
		stamp = now.Add(-time.Second)
		n = normalize.New(normalize.WithClock(func() time.Time { return now }))
	})

	Describe("Parse", func() {
		It("accepts an in-range heart rate with full quality", func() {
			reading, err := n.Parse(ctx, rawEvent("heart_rate", 165), sensor.ProtocolANT)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.MetricType).To(Equal(sensor.TypeHeartRate))
			Expect(reading.Value).To(Equal(165.0))
			Expect(reading.Unit).To(Equal("bpm"))
			Expect(reading.Quality).To(Equal(100))
			Expect(reading.Timestamp).To(Equal(stamp))
			Expect(reading.DeviceID).To(Equal("hr-1"))
			Expect(reading.SessionID).To(BeEmpty())
		})

		It("rejects an implausible heart rate without clamping", func() {
			reading, err := n.Parse(ctx, rawEvent("heart_rate", 25), sensor.ProtocolANT)
			expectReject(reading, err, normalize.ReasonOutOfRange)
		})

		It("rounds speed to two decimals", func() {
			reading, err := n.Parse(ctx, rawEvent("speed", 35.237), sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.Value).To(Equal(35.24))
			Expect(reading.Unit).To(Equal("km/h"))
		})

		It("rounds heart rate and cadence to integers", func() {
			reading, err := n.Parse(ctx, rawEvent("hr", 72.6), sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.Value).To(Equal(73.0))

			reading, err = n.Parse(ctx, rawEvent("rpm", 89.4), sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.MetricType).To(Equal(sensor.TypeCadence))
			Expect(reading.Value).To(Equal(89.0))
		})

		It("keeps power and trainer values as delivered", func() {
			reading, err := n.Parse(ctx, rawEvent("watts", 251.5), sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.Value).To(Equal(251.5))
			Expect(reading.Unit).To(Equal("W"))

			reading, err = n.Parse(ctx, rawEvent("Trainer-Resistance", 12.5), sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.MetricType).To(Equal(sensor.TypeTrainer))
			Expect(reading.Unit).To(Equal("%"))
		})

		DescribeTable("range boundaries",
			func(metric string, value float64, accepted bool) {
				reading, err := n.Parse(ctx, rawEvent(metric, value), sensor.ProtocolBLE)
				if accepted {
					Expect(err).ToNot(HaveOccurred())
					Expect(reading).ToNot(BeNil())
				} else {
					expectReject(reading, err, normalize.ReasonOutOfRange)
				}
			},
			Entry("heart rate floor", "heart_rate", 30.0, true),
			Entry("heart rate ceiling", "heart_rate", 250.0, true),
			Entry("heart rate above ceiling", "heart_rate", 251.0, false),
			Entry("negative power", "power", -1.0, false),
			Entry("power ceiling", "power", 2500.0, true),
			Entry("excessive power", "power", 2500.5, false),
			Entry("cadence above ceiling", "cadence", 251.0, false),
			Entry("speed ceiling", "speed", 120.0, true),
			Entry("excessive speed", "speed", 120.01, false),
			Entry("trainer above 100", "trainer", 100.5, false),
		)

		It("rejects events without a device id", func() {
			raw := rawEvent("power", 200)
			raw.DeviceID = " "
			reading, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
			expectReject(reading, err, normalize.ReasonMissingDeviceID)
		})

		It("rejects events without a type", func() {
			reading, err := n.Parse(ctx, rawEvent("", 200), sensor.ProtocolBLE)
			expectReject(reading, err, normalize.ReasonMissingType)
		})

		It("rejects unknown types", func() {
			reading, err := n.Parse(ctx, rawEvent("altitude", 200), sensor.ProtocolBLE)
			expectReject(reading, err, normalize.ReasonUnknownType)
			Expect(err.Error()).To(ContainSubstring("altitude"))
		})

		It("rejects non-numeric values", func() {
			for _, value := range []any{"165", nil, true, math.NaN(), math.Inf(1)} {
				reading, err := n.Parse(ctx, rawEvent("heart_rate", value), sensor.ProtocolBLE)
				expectReject(reading, err, normalize.ReasonNotNumeric)
			}
		})

		It("is deterministic for identical input", func() {
			raw := rawEvent("power", 230)
			first, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			second, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("uses the clock when no timestamp is given", func() {
			raw := rawEvent("power", 230)
			raw.Timestamp = nil
			reading, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.Timestamp).To(Equal(now))
			Expect(reading.Quality).To(Equal(90))
		})

		It("sanitizes raw data", func() {
			raw := rawEvent("power", 230)
			raw.RawData = map[string]any{
				"api_key": "abc",
				"nested":  map[string]any{"Auth-Token": "xyz", "name": strings.Repeat("é", 300)},
			}
			reading, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
			Expect(err).ToNot(HaveOccurred())
			Expect(reading.RawData).ToNot(HaveKey("api_key"))
			nested := reading.RawData["nested"].(map[string]any)
			Expect(nested).ToNot(HaveKey("Auth-Token"))
			Expect([]rune(nested["name"].(string))).To(HaveLen(normalize.MaxStringLength))
			Expect(raw.RawData).To(HaveKey("api_key"))
		})

		Context("with a session provider", func() {
			var ctrl *gomock.Controller

			BeforeEach(func() {
				ctrl = gomock.NewController(GinkgoT())
			})

			It("stamps the active session", func() {
				provider := mocks.NewSessionProvider(ctrl)
				provider.EXPECT().ActiveSessionID(gomock.Any()).Return("ride-1", nil)
				n = normalize.New(normalize.WithSessionProvider(provider))
				reading, err := n.Parse(ctx, rawEvent("cadence", 90), sensor.ProtocolANT)
				Expect(err).ToNot(HaveOccurred())
				Expect(reading.SessionID).To(Equal("ride-1"))
			})

			It("leaves the session empty when the lookup fails", func() {
				provider := mocks.NewSessionProvider(ctrl)
				provider.EXPECT().ActiveSessionID(gomock.Any()).Return("", errors.New("unreachable"))
				n = normalize.New(normalize.WithSessionProvider(provider))
				reading, err := n.Parse(ctx, rawEvent("cadence", 90), sensor.ProtocolANT)
				Expect(err).ToNot(HaveOccurred())
				Expect(reading.SessionID).To(BeEmpty())
			})

			It("leaves the session empty without an active session", func() {
				n = normalize.New(normalize.WithSessionProvider(session.Static("")))
				reading, err := n.Parse(ctx, rawEvent("cadence", 90), sensor.ProtocolANT)
				Expect(err).ToNot(HaveOccurred())
				Expect(reading.SessionID).To(BeEmpty())
			})
		})

		Context("with duplicate suppression", func() {
			BeforeEach(func() {
				n = normalize.New(
					normalize.WithClock(func() time.Time { return now }),
					normalize.WithDuplicateWindow(2*time.Second),
				)
			})

			It("rejects repeats inside the window", func() {
				raw := rawEvent("power", 230)
				_, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
				Expect(err).ToNot(HaveOccurred())
				reading, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
				expectReject(reading, err, normalize.ReasonDuplicate)
			})

			It("accepts repeats after the window", func() {
				raw := rawEvent("power", 230)
				_, err := n.Parse(ctx, raw, sensor.ProtocolBLE)
				Expect(err).ToNot(HaveOccurred())
				now = now.Add(3 * time.Second)
				_, err = n.Parse(ctx, raw, sensor.ProtocolBLE)
				Expect(err).ToNot(HaveOccurred())
			})

			It("accepts changed values", func() {
				_, err := n.Parse(ctx, rawEvent("power", 230), sensor.ProtocolBLE)
				Expect(err).ToNot(HaveOccurred())
				_, err = n.Parse(ctx, rawEvent("power", 231), sensor.ProtocolBLE)
				Expect(err).ToNot(HaveOccurred())
			})
		})
	})

	Describe("QualityPolicy", func() {
		policy := normalize.DefaultQualityPolicy()

		DescribeTable("scores",
			func(protocol sensor.Protocol, hasTimestamp, hasRaw bool, signal *int, expected int) {
				Expect(policy.Score(protocol, hasTimestamp, hasRaw, signal)).To(Equal(expected))
			},
			Entry("complete metadata", sensor.ProtocolBLE, true, true, intPtr(80), 100),
			Entry("signal at threshold", sensor.ProtocolANT, true, true, intPtr(40), 100),
			Entry("missing timestamp", sensor.ProtocolBLE, false, true, nil, 90),
			Entry("missing raw data", sensor.ProtocolBLE, true, false, nil, 95),
			Entry("weak BLE signal", sensor.ProtocolBLE, true, true, intPtr(30), 90),
			Entry("weak ANT signal", sensor.ProtocolANT, true, true, intPtr(30), 95),
			Entry("everything missing", sensor.ProtocolBLE, false, false, intPtr(0), 60),
		)

		It("clamps to zero", func() {
			harsh := normalize.DefaultQualityPolicy()
			harsh.MissingTimestampPenalty = 80
			harsh.MissingRawDataPenalty = 80
			Expect(harsh.Score(sensor.ProtocolBLE, false, false, intPtr(0))).To(Equal(0))
		})

		It("clamps to 100", func() {
			generous := normalize.DefaultQualityPolicy()
			generous.MissingTimestampPenalty = -50
			Expect(generous.Score(sensor.ProtocolBLE, false, true, nil)).To(Equal(100))
		})
	})

	Describe("MetricType", func() {
		It("accepts aliases", func() {
			for token, expected := range map[string]sensor.DeviceType{
				"HeartRate":  sensor.TypeHeartRate,
				"heart-rate": sensor.TypeHeartRate,
				"Watts":      sensor.TypePower,
				"resistance": sensor.TypeTrainer,
				"kmh":        sensor.TypeSpeed,
			} {
				metric, ok := normalize.MetricType(token)
				Expect(ok).To(BeTrue(), token)
				Expect(metric).To(Equal(expected))
			}
		})
	})
})
