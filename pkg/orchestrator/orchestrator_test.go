package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/ridelink/sensor-hub/internal/metrics"
	"github.com/ridelink/sensor-hub/mocks"
	"github.com/ridelink/sensor-hub/pkg/cache"
	"github.com/ridelink/sensor-hub/pkg/normalize"
	"github.com/ridelink/sensor-hub/pkg/orchestrator"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/session"
	"github.com/ridelink/sensor-hub/pkg/transport"
)

const (
	strapAddress = "C0:FF:EE:00:11:22"
	strapID      = "ble:" + strapAddress
)

type radio struct {
	*mocks.TransportAdapter
	events chan transport.Event
}

func newRadio(ctrl *gomock.Controller, protocol sensor.Protocol) *radio {
	r := &radio{TransportAdapter: mocks.NewTransportAdapter(ctrl), events: make(chan transport.Event, 16)}
	r.EXPECT().Protocol().Return(protocol).AnyTimes()
	r.EXPECT().Events().Return((<-chan transport.Event)(r.events)).AnyTimes()
	return r
}

func strapAdvertisement() transport.Event {
	return transport.Event{
		Kind:     transport.EventDiscovered,
		Protocol: sensor.ProtocolBLE,
		DeviceID: strapID,
		Advertisement: &sensor.Advertisement{
			Address:      strapAddress,
			LocalName:    "TICKR 1A2B",
			ServiceUUIDs: []string{"180d"},
			RSSI:         -60,
			Connectable:  true,
		},
	}
}

type sessionFunc func(ctx context.Context) (string, error)

func (f sessionFunc) ActiveSessionID(ctx context.Context) (string, error) {
	return f(ctx)
}

func heartRateSample() transport.Event {
	return transport.Event{
		Kind:     transport.EventData,
		Protocol: sensor.ProtocolBLE,
		DeviceID: strapID,
		Data:     &sensor.RawEvent{DeviceID: strapID, Type: "heart_rate", Value: 165},
	}
}

func nextEvent(events <-chan orchestrator.Event, kind orchestrator.EventType) orchestrator.Event {
	GinkgoHelper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == kind {
				return ev
			}
		case <-timeout:
			Fail("timed out waiting for a " + string(kind) + " event")
			return orchestrator.Event{}
		}
	}
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx    context.Context
		ctrl   *gomock.Controller
		ble    *radio
		ant    *radio
		events chan orchestrator.Event
		cfg    orchestrator.Config
		hub    *orchestrator.Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		ctrl = gomock.NewController(GinkgoT())
		ble = newRadio(ctrl, sensor.ProtocolBLE)
		ant = newRadio(ctrl, sensor.ProtocolANT)
		events = make(chan orchestrator.Event, 64)
		cfg = orchestrator.Config{
			ScanDuration: time.Hour,
			Normalizer:   normalize.New(),
			Sessions:     session.Static("ride-42"),
			Metrics:      metrics.New(nil),
			Sink: orchestrator.SinkFunc(func(_ context.Context, ev orchestrator.Event) error {
				events <- ev
				return nil
			}),
		}
	})

	start := func() {
		GinkgoHelper()
		var err error
		hub, err = orchestrator.New(cfg, ble, ant)
		Expect(err).ToNot(HaveOccurred())
		Expect(hub.Start(ctx)).To(Succeed())
		DeferCleanup(func() {
			ble.EXPECT().StopScanning().Return(nil).AnyTimes()
			ant.EXPECT().StopScanning().Return(nil).AnyTimes()
			ble.EXPECT().Close().Return(nil).AnyTimes()
			ant.EXPECT().Close().Return(nil).AnyTimes()
			ble.EXPECT().Disconnect(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
			_ = hub.Shutdown(context.Background())
		})
	}

	discoverStrap := func() {
		GinkgoHelper()
		ble.events <- strapAdvertisement()
		ev := nextEvent(events, orchestrator.EventScanResult)
		Expect(ev.DeviceID).To(Equal(strapID))
	}

	Describe("New", func() {
		It("requires a normalizer", func() {
			cfg.Normalizer = nil
			_, err := orchestrator.New(cfg, ble)
			Expect(err).To(HaveOccurred())
		})

		It("requires an adapter", func() {
			_, err := orchestrator.New(cfg)
			Expect(err).To(HaveOccurred())
		})

		It("rejects two adapters for one protocol", func() {
			_, err := orchestrator.New(cfg, ble, newRadio(ctrl, sensor.ProtocolBLE))
			Expect(err).To(MatchError(ContainSubstring("more than one adapter")))
		})
	})

	Describe("scanning", func() {
		It("starts every transport once", func() {
			ble.EXPECT().StartScanning(gomock.Any()).Return(nil).Times(1)
			ant.EXPECT().StartScanning(gomock.Any()).Return(nil).Times(1)
			start()

			Expect(hub.StartScanning(ctx)).To(Succeed())
			discoverStrap()
			Expect(hub.StartScanning(ctx)).To(Succeed())
			Expect(hub.Scanning()).To(BeTrue())

			By("keeping what the running scan found")
			Expect(hub.DiscoveredDevices()).To(HaveLen(1))
		})

		It("keeps scanning when one transport is unavailable", func() {
			ble.EXPECT().StartScanning(gomock.Any()).Return(nil)
			ant.EXPECT().StartScanning(gomock.Any()).Return(sensor.ErrTransportUnavailable)
			start()

			Expect(hub.StartScanning(ctx)).To(Succeed())
			Expect(hub.Scanning()).To(BeTrue())

			discoverStrap()
			discovered := hub.DiscoveredDevices()
			Expect(discovered).To(HaveLen(1))
			Expect(discovered[0].ID).To(Equal(strapID))
			Expect(discovered[0].Protocol).To(Equal(sensor.ProtocolBLE))
		})

		It("reports scanning even when no transport starts", func() {
			ble.EXPECT().StartScanning(gomock.Any()).Return(sensor.ErrTransportUnavailable)
			ant.EXPECT().StartScanning(gomock.Any()).Return(sensor.ErrTransportUnavailable)
			start()

			Expect(hub.StartScanning(ctx)).To(Succeed())
			Expect(hub.Scanning()).To(BeTrue())
		})

		It("stops every transport and keeps discovered devices", func() {
			ble.EXPECT().StartScanning(gomock.Any()).Return(nil)
			ant.EXPECT().StartScanning(gomock.Any()).Return(nil)
			ble.EXPECT().StopScanning().Return(nil).Times(1)
			ant.EXPECT().StopScanning().Return(errors.New("gateway offline")).Times(1)
			start()

			Expect(hub.StartScanning(ctx)).To(Succeed())
			discoverStrap()
			hub.StopScanning()
			hub.StopScanning()
			Expect(hub.Scanning()).To(BeFalse())
			Expect(hub.DiscoveredDevices()).To(HaveLen(1))
		})

		It("stops by itself after the scan duration", func() {
			cfg.ScanDuration = 20 * time.Millisecond
			ble.EXPECT().StartScanning(gomock.Any()).Return(nil)
			ant.EXPECT().StartScanning(gomock.Any()).Return(nil)
			ble.EXPECT().StopScanning().Return(nil).Times(1)
			ant.EXPECT().StopScanning().Return(nil).Times(1)
			start()

			Expect(hub.StartScanning(ctx)).To(Succeed())
			Eventually(hub.Scanning).Should(BeFalse())
		})

		It("does not let an earlier scan's timer stop a restarted scan", func() {
			cfg.ScanDuration = 200 * time.Millisecond
			ble.EXPECT().StartScanning(gomock.Any()).Return(nil).Times(2)
			ant.EXPECT().StartScanning(gomock.Any()).Return(nil).Times(2)
			ble.EXPECT().StopScanning().Return(nil).Times(2)
			ant.EXPECT().StopScanning().Return(nil).Times(2)
			start()

			Expect(hub.StartScanning(ctx)).To(Succeed())
			time.Sleep(100 * time.Millisecond)
			hub.StopScanning()
			Expect(hub.StartScanning(ctx)).To(Succeed())

			By("outliving the first scan's deadline")
			Consistently(hub.Scanning, 150*time.Millisecond, 10*time.Millisecond).Should(BeTrue())

			By("stopping at the second scan's deadline")
			Eventually(hub.Scanning).Should(BeFalse())
		})

		It("clears discovered devices when a new scan starts", func() {
			ble.EXPECT().StartScanning(gomock.Any()).Return(nil).Times(2)
			ant.EXPECT().StartScanning(gomock.Any()).Return(nil).Times(2)
			ble.EXPECT().StopScanning().Return(nil)
			ant.EXPECT().StopScanning().Return(nil)
			start()

			Expect(hub.StartScanning(ctx)).To(Succeed())
			discoverStrap()
			hub.StopScanning()
			Expect(hub.StartScanning(ctx)).To(Succeed())
			Expect(hub.DiscoveredDevices()).To(BeEmpty())
		})
	})

	Describe("discovery", func() {
		BeforeEach(func() {
			start()
		})

		It("identifies advertised devices", func() {
			ble.events <- strapAdvertisement()
			ev := nextEvent(events, orchestrator.EventScanResult)
			Expect(ev.Device.Type).To(Equal(sensor.TypeHeartRate))
			Expect(ev.Device.Protocol).To(Equal(sensor.ProtocolBLE))
			Expect(ev.Device.State).To(Equal(sensor.StateDiscovered))
			Expect(ev.Device.SignalStrength).To(Equal(80))
		})

		It("accepts pre-built devices", func() {
			ant.events <- transport.Event{
				Kind:     transport.EventDiscovered,
				Protocol: sensor.ProtocolANT,
				Device:   &sensor.Device{ID: "4242:11", Name: "Power Sensor 4242", Type: sensor.TypePower, Confidence: 90},
			}
			ev := nextEvent(events, orchestrator.EventScanResult)
			Expect(ev.DeviceID).To(Equal("ant:4242:11"))
			Expect(ev.Device.Protocol).To(Equal(sensor.ProtocolANT))
			Expect(ev.Device.Capabilities).ToNot(BeNil())
		})

		It("merges repeated advertisements", func() {
			discoverStrap()
			update := strapAdvertisement()
			battery := 77
			update.Advertisement.RSSI = -90
			update.Advertisement.BatteryLevel = &battery
			ble.events <- update
			ev := nextEvent(events, orchestrator.EventScanResult)
			Expect(ev.Device.SignalStrength).To(Equal(20))
			Expect(*ev.Device.BatteryLevel).To(Equal(77))
			Expect(hub.DiscoveredDevices()).To(HaveLen(1))
		})

		It("returns snapshots that do not alias the registry", func() {
			discoverStrap()
			snapshot := hub.DiscoveredDevices()
			snapshot[0].Name = "tampered"
			snapshot[0].Capabilities[0] = "tampered"

			again := hub.DiscoveredDevices()
			Expect(again[0].Name).To(Equal("TICKR 1A2B"))
			Expect(again[0].Capabilities).ToNot(ContainElement("tampered"))
		})
	})

	Describe("device cache", func() {
		It("fills gaps in new discoveries", func() {
			cfg.Cache = cache.New(10)
			cfg.Cache.Update(strapID, cache.Entry{Name: "TICKR 1A2B", Type: sensor.TypeHeartRate, Manufacturer: "Wahoo Fitness", Model: "TICKR", LastSeen: time.Now()})
			start()

			adv := strapAdvertisement()
			adv.Advertisement.LocalName = ""
			adv.Advertisement.ServiceUUIDs = nil
			ble.events <- adv
			ev := nextEvent(events, orchestrator.EventScanResult)
			Expect(ev.Device.Type).To(Equal(sensor.TypeHeartRate))
			Expect(ev.Device.Manufacturer).To(Equal("Wahoo Fitness"))
			Expect(ev.Device.DisplayName).To(Equal("Wahoo Fitness TICKR"))
		})

		It("learns connected devices", func() {
			cfg.Cache = cache.New(10)
			start()
			discoverStrap()
			ble.EXPECT().Connect(gomock.Any(), strapID).Return(nil)
			Expect(hub.ConnectDevice(ctx, strapID)).To(BeTrue())

			entry, ok := cfg.Cache.GetEntry(strapID)
			Expect(ok).To(BeTrue())
			Expect(entry.Type).To(Equal(sensor.TypeHeartRate))
		})
	})

	Describe("connecting", func() {
		BeforeEach(func() {
			start()
		})

		It("fails for unknown devices without touching a transport", func() {
			Expect(hub.ConnectDevice(ctx, "ble:00:00:00:00:00:00")).To(BeFalse())
			ev := nextEvent(events, orchestrator.EventDeviceStatus)
			Expect(ev.Status).To(Equal(sensor.StateError))
			Expect(ev.Error).To(ContainSubstring("not known"))
		})

		It("connects through the owning transport", func() {
			discoverStrap()
			ble.EXPECT().Connect(gomock.Any(), strapID).Return(nil)

			Expect(hub.ConnectDevice(ctx, strapID)).To(BeTrue())
			Expect(nextEvent(events, orchestrator.EventDeviceStatus).Status).To(Equal(sensor.StateConnecting))
			Expect(nextEvent(events, orchestrator.EventDeviceStatus).Status).To(Equal(sensor.StateConnected))

			connected := hub.ConnectedDevices()
			Expect(connected).To(HaveLen(1))
			Expect(connected[0].Connected).To(BeTrue())
			Expect(connected[0].State).To(Equal(sensor.StateConnected))
			Expect(hub.DiscoveredDevices()).To(BeEmpty())

			By("staying connected when advertisements keep arriving")
			ble.events <- strapAdvertisement()
			nextEvent(events, orchestrator.EventScanResult)
			Expect(hub.DiscoveredDevices()).To(BeEmpty())
			Expect(hub.ConnectedDevices()).To(HaveLen(1))

			By("succeeding again without another transport call")
			Expect(hub.ConnectDevice(ctx, strapID)).To(BeTrue())
		})

		It("marks the device as failed when the transport fails", func() {
			discoverStrap()
			ble.EXPECT().Connect(gomock.Any(), strapID).Return(sensor.ErrConnectTimeout)

			Expect(hub.ConnectDevice(ctx, strapID)).To(BeFalse())
			nextEvent(events, orchestrator.EventDeviceStatus)
			ev := nextEvent(events, orchestrator.EventDeviceStatus)
			Expect(ev.Status).To(Equal(sensor.StateError))
			Expect(ev.Error).To(ContainSubstring("timed out"))
			Expect(hub.ConnectedDevices()).To(BeEmpty())

			d, ok := hub.Device(strapID)
			Expect(ok).To(BeTrue())
			Expect(d.State).To(Equal(sensor.StateError))
		})

		It("shares one transport attempt between concurrent callers", func() {
			discoverStrap()
			entered := make(chan struct{})
			release := make(chan struct{})
			ble.EXPECT().Connect(gomock.Any(), strapID).DoAndReturn(func(context.Context, string) error {
				close(entered)
				<-release
				return nil
			}).Times(1)

			var wg sync.WaitGroup
			results := make([]bool, 2)
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				results[0] = hub.ConnectDevice(ctx, strapID)
			}()
			Eventually(entered).Should(BeClosed())
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				results[1] = hub.ConnectDevice(ctx, strapID)
			}()
			time.Sleep(50 * time.Millisecond)
			close(release)
			wg.Wait()
			Expect(results).To(Equal([]bool{true, true}))
		})

		It("disconnects connected devices", func() {
			discoverStrap()
			ble.EXPECT().Connect(gomock.Any(), strapID).Return(nil)
			ble.EXPECT().Disconnect(gomock.Any(), strapID).Return(nil)
			Expect(hub.ConnectDevice(ctx, strapID)).To(BeTrue())

			Expect(hub.DisconnectDevice(ctx, strapID)).To(BeTrue())
			Expect(hub.ConnectedDevices()).To(BeEmpty())
			d, ok := hub.Device(strapID)
			Expect(ok).To(BeTrue())
			Expect(d.State).To(Equal(sensor.StateDisconnected))

			discovered := hub.DiscoveredDevices()
			Expect(discovered).To(HaveLen(1))
			Expect(discovered[0].Connected).To(BeFalse())
		})

		It("refuses to disconnect idle devices", func() {
			discoverStrap()
			Expect(hub.DisconnectDevice(ctx, strapID)).To(BeFalse())
		})

		It("tracks connections reported by a transport", func() {
			ant.events <- transport.Event{Kind: transport.EventConnected, Protocol: sensor.ProtocolANT, DeviceID: "ant:12:120"}
			ev := nextEvent(events, orchestrator.EventDeviceStatus)
			Expect(ev.Status).To(Equal(sensor.StateConnected))
			Expect(hub.ConnectedDevices()).To(HaveLen(1))

			ant.events <- transport.Event{Kind: transport.EventDisconnected, Protocol: sensor.ProtocolANT, DeviceID: "ant:12:120", Err: errors.New("channel closed")}
			ev = nextEvent(events, orchestrator.EventDeviceStatus)
			Expect(ev.Status).To(Equal(sensor.StateError))
			Expect(ev.Error).To(Equal("channel closed"))
			Expect(hub.ConnectedDevices()).To(BeEmpty())
		})
	})

	Describe("sensor data", func() {
		BeforeEach(func() {
			start()
		})

		It("publishes normalized readings", func() {
			ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
			ble.events <- transport.Event{
				Kind:     transport.EventData,
				Protocol: sensor.ProtocolBLE,
				DeviceID: strapID,
				Data: &sensor.RawEvent{
					DeviceID:  strapID,
					Type:      "heart_rate",
					Value:     165,
					Timestamp: &ts,
					RawData:   map[string]any{"flags": 0},
				},
			}
			ev := nextEvent(events, orchestrator.EventSensorData)
			Expect(ev.Reading.Value).To(Equal(165.0))
			Expect(ev.Reading.Unit).To(Equal("bpm"))
			Expect(ev.Reading.Quality).To(Equal(100))
			Expect(ev.Reading.SessionID).To(Equal("ride-42"))
			Expect(ev.Timestamp).To(Equal(ts))
		})

		It("drops implausible values", func() {
			ble.events <- transport.Event{
				Kind:     transport.EventData,
				Protocol: sensor.ProtocolBLE,
				Data:     &sensor.RawEvent{DeviceID: strapID, Type: "heart_rate", Value: 300},
			}
			Consistently(events, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("does not register devices from data alone", func() {
			ble.events <- transport.Event{
				Kind:     transport.EventData,
				Protocol: sensor.ProtocolBLE,
				Data:     &sensor.RawEvent{DeviceID: strapID, Type: "heart_rate", Value: 120},
			}
			nextEvent(events, orchestrator.EventSensorData)
			Expect(hub.DiscoveredDevices()).To(BeEmpty())
		})
	})

	Describe("sessions", func() {
		It("stamps an ad hoc session when the session service fails", func() {
			failing := mocks.NewSessionProvider(ctrl)
			failing.EXPECT().ActiveSessionID(gomock.Any()).Return("", errors.New("503 Service Unavailable")).AnyTimes()
			cfg.Sessions = failing
			start()

			ble.events <- heartRateSample()
			first := nextEvent(events, orchestrator.EventSensorData)
			Expect(first.Reading.Value).To(Equal(165.0))
			Expect(first.Reading.SessionID).ToNot(BeEmpty())

			ble.events <- heartRateSample()
			Expect(nextEvent(events, orchestrator.EventSensorData).Reading.SessionID).To(Equal(first.Reading.SessionID))
		})

		It("uses the next provider when the session service fails", func() {
			cfg.Sessions = session.Chain(sessionFunc(func(context.Context) (string, error) {
				return "", errors.New("connection refused")
			}), session.Static("ride-7"))
			start()

			ble.events <- heartRateSample()
			Expect(nextEvent(events, orchestrator.EventSensorData).Reading.SessionID).To(Equal("ride-7"))
		})

		It("does not hold up readings or commands while the session service hangs", func() {
			var calls atomic.Int32
			cfg.SessionRefresh = 10 * time.Millisecond
			cfg.Sessions = sessionFunc(func(ctx context.Context) (string, error) {
				if calls.Add(1) == 1 {
					return "ride-42", nil
				}
				<-ctx.Done()
				return "", ctx.Err()
			})
			start()
			Eventually(calls.Load).Should(BeNumerically(">", 1))

			started := time.Now()
			ble.events <- heartRateSample()
			Expect(nextEvent(events, orchestrator.EventSensorData).Reading.SessionID).To(Equal("ride-42"))
			discoverStrap()
			Expect(hub.DiscoveredDevices()).To(HaveLen(1))
			Expect(time.Since(started)).To(BeNumerically("<", time.Second))
		})

		It("follows sessions that start and end", func() {
			var active atomic.Value
			active.Store("")
			cfg.SessionRefresh = 10 * time.Millisecond
			cfg.Sessions = sessionFunc(func(context.Context) (string, error) {
				if id := active.Load().(string); id != "" {
					return id, nil
				}
				return "", session.ErrNoActiveSession
			})
			start()

			ble.events <- heartRateSample()
			adHoc := nextEvent(events, orchestrator.EventSensorData).Reading.SessionID
			Expect(adHoc).ToNot(BeEmpty())

			active.Store("ride-9")
			Eventually(func() string {
				ble.events <- heartRateSample()
				return nextEvent(events, orchestrator.EventSensorData).Reading.SessionID
			}).Should(Equal("ride-9"))

			active.Store("")
			Eventually(func() string {
				ble.events <- heartRateSample()
				return nextEvent(events, orchestrator.EventSensorData).Reading.SessionID
			}).Should(Equal(adHoc))
		})
	})

	Describe("Shutdown", func() {
		It("completes despite failures and reports them", func() {
			start()
			discoverStrap()
			ble.EXPECT().Connect(gomock.Any(), strapID).Return(nil)
			Expect(hub.ConnectDevice(ctx, strapID)).To(BeTrue())

			ble.EXPECT().Disconnect(gomock.Any(), strapID).Return(errors.New("link busy"))
			ble.EXPECT().Close().Return(nil)
			ant.EXPECT().Close().Return(errors.New("gateway gone"))

			err := hub.Shutdown(ctx)
			Expect(err).To(MatchError(ContainSubstring("disconnect " + strapID)))
			Expect(err).To(MatchError(ContainSubstring("gateway gone")))

			Expect(hub.Shutdown(ctx)).To(Succeed())
			Expect(hub.StartScanning(ctx)).To(MatchError(sensor.ErrAdapterClosed))
		})
	})
})
