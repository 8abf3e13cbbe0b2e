package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ridelink/sensor-hub/internal/broker"
	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/internal/metrics"
	"github.com/ridelink/sensor-hub/pkg/cache"
	"github.com/ridelink/sensor-hub/pkg/cli"
	"github.com/ridelink/sensor-hub/pkg/normalize"
	"github.com/ridelink/sensor-hub/pkg/orchestrator"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/sink"
	"github.com/ridelink/sensor-hub/pkg/transport"
	"github.com/ridelink/sensor-hub/pkg/transport/ant"
	"github.com/ridelink/sensor-hub/pkg/transport/ble"
)

const (
	deviceCacheSize   = 500 // Number of remembered device profiles
	shutdownTimeout   = 15 * time.Second
	droppedPollPeriod = 10 * time.Second
)

var (
	storePassword  bool
	deletePassword bool
)

func init() {
	flag.BoolVar(&storePassword, "store-mqtt-password", false, "Prompt for the MQTT password, store it in the system keyring and exit")
	flag.BoolVar(&deletePassword, "delete-mqtt-password", false, "Remove the MQTT password from the system keyring and exit")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintln(out, "\nDiscovers cycling sensors over BLE and ANT+, and publishes their readings.")
	fmt.Fprintln(out, "\nOptions:")
	flag.PrintDefaults()
}

func main() {
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = config.ReadFromEnvironment(); err != nil {
		return
	}
	if err = config.Validate(); err != nil {
		return
	}
	if err = config.ApplyLogLevel(); err != nil {
		return
	}

	switch {
	case storePassword:
		err = config.PromptAndSaveBrokerPassword()
		return
	case deletePassword:
		err = config.DeleteBrokerPassword()
		return
	}
	if err = config.LoadCredentials(); err != nil {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = run(ctx, config)
}

func run(ctx context.Context, config *cli.Config) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var client mqtt.Client
	if config.BrokerURL != "" {
		var err error
		if client, err = broker.Connect(config.BrokerConfig()); err != nil {
			return err
		}
		defer broker.Close(client)
	}

	adapters := openAdapters(config, client)
	if len(adapters) == 0 {
		return sensor.ErrTransportUnavailable
	}

	sinks, kafkaSink, err := openSinks(config, client, m)
	if err != nil {
		closeAdapters(adapters)
		return err
	}
	if kafkaSink != nil {
		if err := kafkaSink.Start(ctx); err != nil {
			closeAdapters(adapters)
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := kafkaSink.Stop(stopCtx); err != nil {
				log.Warning("Kafka sink did not drain: %s", err)
			}
		}()
	}

	devices := loadDeviceCache(config.CacheFilename)
	var opts []normalize.Option
	opts = append(opts, normalize.WithQualityPolicy(config.QualityPolicy()))
	if config.DuplicateWindow > 0 {
		opts = append(opts, normalize.WithDuplicateWindow(config.DuplicateWindow))
	}

	hub, err := orchestrator.New(orchestrator.Config{
		ScanDuration: config.ScanDuration,
		Normalizer:   normalize.New(opts...),
		Sessions:     config.SessionProvider(),
		Sink:         sinks,
		Metrics:      m,
		Cache:        devices,
	}, adapters...)
	if err != nil {
		closeAdapters(adapters)
		return err
	}
	if err := hub.Start(ctx); err != nil {
		closeAdapters(adapters)
		return err
	}

	var srv *http.Server
	if config.MetricsAddr != "" {
		srv = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           handlers.LoggingHandler(os.Stderr, newRouter(hub, m)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("Listening on %s", config.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Server stopped: %s", err)
			}
		}()
	}

	go reportDropped(ctx, adapters, m)

	if err := hub.StartScanning(ctx); err != nil {
		log.Warning("Failed to start scanning: %s", err)
	}

	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warning("HTTP shutdown: %s", err)
		}
	}
	err = hub.Shutdown(shutdownCtx)
	if config.CacheFilename != "" {
		if cacheErr := devices.ExportToFile(config.CacheFilename); cacheErr != nil {
			log.Error("Error updating device cache: %s", cacheErr)
		}
	}
	return err
}

// openAdapters starts every configured transport. A transport that cannot start is logged and
// skipped so the others still work.
func openAdapters(config *cli.Config, client mqtt.Client) []transport.Adapter {
	var adapters []transport.Adapter
	if config.Transports.Has(sensor.ProtocolBLE) {
		a, err := ble.NewAdapter(ble.Config{
			AdapterID:          config.BtAdapterID,
			WheelCircumference: config.WheelCircumference,
		})
		if err != nil {
			log.Warning("BLE unavailable: %s", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	if config.Transports.Has(sensor.ProtocolANT) {
		a, err := ant.NewAdapter(client, ant.Config{
			TopicPrefix:        config.ANTTopicPrefix,
			WheelCircumference: config.WheelCircumference,
		})
		if err != nil {
			log.Warning("ANT unavailable: %s", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	return adapters
}

func closeAdapters(adapters []transport.Adapter) {
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			log.Warning("Failed to close %s: %s", a.Protocol(), err)
		}
	}
}

func openSinks(config *cli.Config, client mqtt.Client, m *metrics.Metrics) (sink.Multi, *sink.Kafka, error) {
	format, err := sink.ParseFormat(config.EventFormat)
	if err != nil {
		return nil, nil, err
	}
	var sinks sink.Multi
	if client != nil {
		s, err := sink.NewMQTT(client, sink.MQTTConfig{
			TopicPrefix: config.EventTopicPrefix,
			Retain:      config.EventRetain,
			Format:      format,
		}, m)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	var k *sink.Kafka
	if brokers := config.KafkaBrokerList(); len(brokers) > 0 {
		k, err = sink.NewKafka(sink.KafkaConfig{Brokers: brokers, Topic: config.KafkaTopic, Acks: 1, Format: format}, m)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, k)
	}
	if len(sinks) == 0 {
		log.Warning("No event sinks configured; readings are only logged")
		sinks = append(sinks, orchestrator.SinkFunc(logEvent))
	}
	return sinks, k, nil
}

func logEvent(_ context.Context, ev orchestrator.Event) error {
	switch {
	case ev.Reading != nil:
		log.Info("%s %s %.2f %s (quality %d)", ev.DeviceID, ev.Reading.MetricType, ev.Reading.Value, ev.Reading.Unit, ev.Reading.Quality)
	case ev.Device != nil:
		log.Info("%s %s: %s", ev.Type, ev.DeviceID, ev.Device.DisplayName)
	default:
		log.Info("%s %s: %s %s", ev.Type, ev.DeviceID, ev.Status, ev.Error)
	}
	return nil
}

func loadDeviceCache(filename string) *cache.DeviceCache {
	if filename == "" {
		return cache.New(deviceCacheSize)
	}
	log.Debug("Loading device cache from %s...", filename)
	devices, err := cache.ImportFromFile(filename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warning("Failed to load device cache: %s", err)
		}
		return cache.New(deviceCacheSize)
	}
	devices.MaxEntries = deviceCacheSize
	return devices
}

type dropCounter interface {
	Protocol() sensor.Protocol
	Dropped() uint64
}

// reportDropped exports the adapters' dropped event counts until ctx ends.
func reportDropped(ctx context.Context, adapters []transport.Adapter, m *metrics.Metrics) {
	last := make(map[sensor.Protocol]uint64)
	ticker := time.NewTicker(droppedPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, a := range adapters {
			counter, ok := a.(dropCounter)
			if !ok {
				continue
			}
			n := counter.Dropped()
			if delta := n - last[counter.Protocol()]; delta > 0 {
				log.Warning("%s dropped %d events", counter.Protocol(), delta)
				m.EventsDropped(counter.Protocol().String(), delta)
			}
			last[counter.Protocol()] = n
		}
	}
}
