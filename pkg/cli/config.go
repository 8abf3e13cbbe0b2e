/*
Package cli builds the configuration shared by the sensor hub binaries. It defines a [Config] type
that registers command-line flags (using the Golang flag package) and fills anything left unset
from environment variables, optionally loaded from a .env file.

The MQTT broker password can be kept out of both by storing it in an OS-dependent credential store
through [keyring]'s platform-agnostic interface.

# Examples

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err := config.ReadFromEnvironment(); err != nil {
		panic(err)
	}
	if err := config.LoadCredentials(); err != nil { // May prompt for a keyring password
		panic(err)
	}

A [Flag] mask controls which options are registered and read. config.Flags must be set before
calling [flag.Parse] or [Config.ReadFromEnvironment]:

	config, err = cli.NewConfig(cli.FlagTransports | cli.FlagBroker) // no sinks, sessions or metrics
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"

	"github.com/ridelink/sensor-hub/internal/broker"
	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/pkg/normalize"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/session"
	"github.com/ridelink/sensor-hub/pkg/sink"
)

// Environment variable names used by [Config.ReadFromEnvironment].
const (
	EnvLogLevel           = "SENSORHUB_LOG_LEVEL"
	EnvScanDuration       = "SENSORHUB_SCAN_DURATION"
	EnvTransports         = "SENSORHUB_TRANSPORTS"
	EnvBtAdapter          = "SENSORHUB_BT_ADAPTER"
	EnvWheelCircumference = "SENSORHUB_WHEEL_CIRCUMFERENCE"
	EnvANTTopicPrefix     = "SENSORHUB_ANT_TOPIC_PREFIX"
	EnvMQTTURL            = "SENSORHUB_MQTT_URL"
	EnvMQTTClientID       = "SENSORHUB_MQTT_CLIENT_ID"
	EnvMQTTUsername       = "SENSORHUB_MQTT_USERNAME"
	EnvMQTTPassword       = "SENSORHUB_MQTT_PASSWORD"
	EnvEventTopicPrefix   = "SENSORHUB_EVENT_TOPIC_PREFIX"
	EnvEventFormat        = "SENSORHUB_EVENT_FORMAT"
	EnvEventRetain        = "SENSORHUB_EVENT_RETAIN"
	EnvKafkaBrokers       = "SENSORHUB_KAFKA_BROKERS"
	EnvKafkaTopic         = "SENSORHUB_KAFKA_TOPIC"
	EnvSessionURL         = "SENSORHUB_SESSION_URL"
	EnvSessionTTL         = "SENSORHUB_SESSION_TTL"
	EnvMetricsAddr        = "SENSORHUB_METRICS_ADDR"
	EnvDuplicateWindow    = "SENSORHUB_DEDUP_WINDOW"
	EnvANTSignalThreshold = "SENSORHUB_ANT_SIGNAL_THRESHOLD"
	EnvBLESignalThreshold = "SENSORHUB_BLE_SIGNAL_THRESHOLD"
	EnvCacheFile          = "SENSORHUB_CACHE_FILE"
	EnvKeyringType        = "SENSORHUB_KEYRING_TYPE"
	EnvKeyringPass        = "SENSORHUB_KEYRING_PASSWORD"
	EnvKeyringPath        = "SENSORHUB_KEYRING_PATH"
	EnvKeyringDebug       = "SENSORHUB_KEYRING_DEBUG"
)

// DefaultEnvFile is loaded by ReadFromEnvironment when it exists.
const DefaultEnvFile = ".env"

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagTransports Flag = 1  // Enable transport selection, BLE and ANT options.
	FlagBroker     Flag = 2  // Enable MQTT broker options. Required by the ANT transport and the MQTT sink.
	FlagSinks      Flag = 4  // Enable event sink options.
	FlagSession    Flag = 8  // Enable session service options.
	FlagService    Flag = 16 // Enable metrics, quality and device cache options.
	FlagAll        Flag = FlagTransports | FlagBroker | FlagSinks | FlagSession | FlagService
)

var (
	ErrNoBroker         = errors.New("MQTT broker URL not provided")
	ErrUnknownTransport = errors.New("unknown transport")
	ErrKeyNotFound      = keyring.ErrKeyNotFound
)

// TransportList is the set of radios to use, for example "ble,ant".
type TransportList []sensor.Protocol

// Set updates a TransportList from a comma-separated command-line argument.
func (t *TransportList) Set(value string) error {
	var list TransportList
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, err := sensor.ParseProtocol(name)
		if err != nil {
			return fmt.Errorf("%w '%s'", ErrUnknownTransport, name)
		}
		if !list.Has(p) {
			list = append(list, p)
		}
	}
	*t = list
	return nil
}

func (t *TransportList) String() string {
	var names []string
	for _, p := range *t {
		names = append(names, p.String())
	}
	return strings.Join(names, ",")
}

// Has returns true if p is in the list.
func (t TransportList) Has(p sensor.Protocol) bool {
	for _, q := range t {
		if q == p {
			return true
		}
	}
	return false
}

// Config holds every option of the sensor hub.
type Config struct {
	Flags   Flag   // Controls which set of environment variables/CLI flags to use.
	EnvFile string // Loaded into the environment before reading it. Defaults to DefaultEnvFile.

	LogLevel     string
	ScanDuration time.Duration

	Transports         TransportList
	BtAdapterID        string
	WheelCircumference float64
	ANTTopicPrefix     string

	BrokerURL      string
	BrokerClientID string
	BrokerUsername string

	EventTopicPrefix string
	EventFormat      string
	EventRetain      bool
	KafkaBrokers     string // Comma-separated host:port list.
	KafkaTopic       string

	SessionURL string
	SessionTTL time.Duration

	MetricsAddr        string
	DuplicateWindow    time.Duration
	ANTSignalThreshold int
	BLESignalThreshold int
	CacheFilename      string

	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	keyringPassword *string
	brokerPassword  *string
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword
	return &c, nil
}

// RegisterCommandLineFlags adds c's options to the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds c's options to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.EnvFile, "env-file", "", "Load environment variables from `file`. Defaults to "+DefaultEnvFile+".")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log `level` (error|warn|info|debug). Defaults to $"+EnvLogLevel+".")
	fs.DurationVar(&c.ScanDuration, "scan-duration", 0, "Stop scanning after `duration`. Defaults to $"+EnvScanDuration+".")
	if c.Flags.isSet(FlagTransports) {
		fs.Var(&c.Transports, "transports", "Comma-separated `list` of radios (ble,ant). Defaults to $"+EnvTransports+".")
		fs.Float64Var(&c.WheelCircumference, "wheel-circumference", 0, "Wheel circumference in `metres`. Defaults to $"+EnvWheelCircumference+".")
		fs.StringVar(&c.ANTTopicPrefix, "ant-topic-prefix", "", "MQTT topic `prefix` of the ANT+ gateway. Defaults to $"+EnvANTTopicPrefix+".")
		c.registerFlagsOsSpecific(fs)
	}
	if c.Flags.isSet(FlagBroker) {
		fs.StringVar(&c.BrokerURL, "mqtt-url", "", "MQTT broker `URL`, e.g. tcp://localhost:1883. Defaults to $"+EnvMQTTURL+".")
		fs.StringVar(&c.BrokerClientID, "mqtt-client-id", "", "MQTT client `id`. Defaults to $"+EnvMQTTClientID+".")
		fs.StringVar(&c.BrokerUsername, "mqtt-username", "", "MQTT `username`. Defaults to $"+EnvMQTTUsername+".")
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $"+EnvKeyringType+".")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", "", "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
	if c.Flags.isSet(FlagSinks) {
		fs.StringVar(&c.EventTopicPrefix, "event-topic-prefix", "", "MQTT topic `prefix` for published events. Defaults to $"+EnvEventTopicPrefix+".")
		fs.StringVar(&c.EventFormat, "event-format", "", "Event `encoding` (json|proto). Defaults to $"+EnvEventFormat+".")
		fs.BoolVar(&c.EventRetain, "event-retain", false, "Retain scan results and device status on the broker")
		fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "Comma-separated Kafka `brokers`. Defaults to $"+EnvKafkaBrokers+".")
		fs.StringVar(&c.KafkaTopic, "kafka-topic", "", "Kafka `topic` for events. Defaults to $"+EnvKafkaTopic+".")
	}
	if c.Flags.isSet(FlagSession) {
		fs.StringVar(&c.SessionURL, "session-url", "", "Base `URL` of the session service. Defaults to $"+EnvSessionURL+".")
		fs.DurationVar(&c.SessionTTL, "session-ttl", 0, "Cache the active session for `duration`. Defaults to $"+EnvSessionTTL+".")
	}
	if c.Flags.isSet(FlagService) {
		fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "Serve metrics and debug routes on `address`. Defaults to $"+EnvMetricsAddr+".")
		fs.DurationVar(&c.DuplicateWindow, "dedup-window", 0, "Drop repeated samples within `duration`. Defaults to $"+EnvDuplicateWindow+".")
		fs.IntVar(&c.ANTSignalThreshold, "ant-signal-threshold", 0, "Lowest unpenalized ANT signal (0-100). Defaults to $"+EnvANTSignalThreshold+".")
		fs.IntVar(&c.BLESignalThreshold, "ble-signal-threshold", 0, "Lowest unpenalized BLE signal (0-100). Defaults to $"+EnvBLESignalThreshold+".")
		fs.StringVar(&c.CacheFilename, "device-cache", "", "Load and save the device cache in `file`. Defaults to $"+EnvCacheFile+".")
	}
}

// ReadFromEnvironment populates c using environment variables, after loading c.EnvFile. Values
// that are already populated are not overwritten, and neither are variables already present in
// the environment.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters.
func (c *Config) ReadFromEnvironment() error {
	envFile := c.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if c.EnvFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else {
		log.Debug("Loaded environment from %s", envFile)
	}

	var errs []error
	setString(&c.LogLevel, EnvLogLevel)
	errs = append(errs, setDuration(&c.ScanDuration, EnvScanDuration))
	if c.Flags.isSet(FlagTransports) {
		if len(c.Transports) == 0 {
			if v := os.Getenv(EnvTransports); v != "" {
				errs = append(errs, c.Transports.Set(v))
				log.Debug("Set transports to '%s'", c.Transports.String())
			}
		}
		setString(&c.BtAdapterID, EnvBtAdapter)
		errs = append(errs, setFloat(&c.WheelCircumference, EnvWheelCircumference))
		setString(&c.ANTTopicPrefix, EnvANTTopicPrefix)
	}
	if c.Flags.isSet(FlagBroker) {
		setString(&c.BrokerURL, EnvMQTTURL)
		setString(&c.BrokerClientID, EnvMQTTClientID)
		setString(&c.BrokerUsername, EnvMQTTUsername)
		if c.brokerPassword == nil {
			if password := os.Getenv(EnvMQTTPassword); password != "" {
				c.brokerPassword = &password
				log.Debug("Set MQTT password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.keyringPassword == nil {
			password := os.Getenv(EnvKeyringPass)
			c.keyringPassword = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		setString(&c.Backend.FileDir, EnvKeyringPath)
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
		}
		c.Backend.KeychainTrustApplication = true
	}
	if c.Flags.isSet(FlagSinks) {
		setString(&c.EventTopicPrefix, EnvEventTopicPrefix)
		setString(&c.EventFormat, EnvEventFormat)
		errs = append(errs, setBool(&c.EventRetain, EnvEventRetain))
		setString(&c.KafkaBrokers, EnvKafkaBrokers)
		setString(&c.KafkaTopic, EnvKafkaTopic)
	}
	if c.Flags.isSet(FlagSession) {
		setString(&c.SessionURL, EnvSessionURL)
		errs = append(errs, setDuration(&c.SessionTTL, EnvSessionTTL))
	}
	if c.Flags.isSet(FlagService) {
		setString(&c.MetricsAddr, EnvMetricsAddr)
		errs = append(errs, setDuration(&c.DuplicateWindow, EnvDuplicateWindow))
		errs = append(errs, setInt(&c.ANTSignalThreshold, EnvANTSignalThreshold))
		errs = append(errs, setInt(&c.BLESignalThreshold, EnvBLESignalThreshold))
		setString(&c.CacheFilename, EnvCacheFile)
	}
	return errors.Join(errs...)
}

func setString(field *string, name string) {
	if *field != "" {
		return
	}
	if v := os.Getenv(name); v != "" {
		*field = v
		log.Debug("Set %s to '%s'", name, v)
	}
}

func setDuration(field *time.Duration, name string) error {
	v := os.Getenv(name)
	if *field != 0 || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*field = d
	return nil
}

func setInt(field *int, name string) error {
	v := os.Getenv(name)
	if *field != 0 || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*field = n
	return nil
}

func setFloat(field *float64, name string) error {
	v := os.Getenv(name)
	if *field != 0 || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*field = f
	return nil
}

func setBool(field *bool, name string) error {
	v := os.Getenv(name)
	if *field || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*field = b
	return nil
}

// Validate checks that the options are consistent. An empty transport list selects BLE.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Flags.isSet(FlagTransports) {
		if len(c.Transports) == 0 {
			c.Transports = TransportList{sensor.ProtocolBLE}
		}
		if c.Transports.Has(sensor.ProtocolANT) && c.BrokerURL == "" {
			return fmt.Errorf("the ANT transport requires a broker: %w", ErrNoBroker)
		}
	}
	if c.Flags.isSet(FlagSinks) {
		if _, err := sink.ParseFormat(c.EventFormat); err != nil {
			return err
		}
		if c.KafkaBrokers != "" && c.KafkaTopic == "" {
			return errors.New("a Kafka topic is required when Kafka brokers are set")
		}
	}
	if c.ANTSignalThreshold < 0 || c.ANTSignalThreshold > 100 || c.BLESignalThreshold < 0 || c.BLESignalThreshold > 100 {
		return errors.New("signal thresholds must be between 0 and 100")
	}
	return nil
}

// ApplyLogLevel sets the global log level if one was configured.
func (c *Config) ApplyLogLevel() error {
	if c.LogLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// BrokerConfig returns the MQTT connection settings. Call LoadCredentials first if the broker
// requires a password.
func (c *Config) BrokerConfig() broker.Config {
	cfg := broker.Config{URL: c.BrokerURL, ClientID: c.BrokerClientID, Username: c.BrokerUsername}
	if c.brokerPassword != nil {
		cfg.Password = *c.brokerPassword
	}
	return cfg
}

// KafkaBrokerList splits KafkaBrokers.
func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// QualityPolicy returns the default quality table with the configured signal thresholds.
func (c *Config) QualityPolicy() normalize.QualityPolicy {
	policy := normalize.DefaultQualityPolicy()
	if c.ANTSignalThreshold > 0 {
		policy.SignalThresholds[sensor.ProtocolANT] = c.ANTSignalThreshold
	}
	if c.BLESignalThreshold > 0 {
		policy.SignalThresholds[sensor.ProtocolBLE] = c.BLESignalThreshold
	}
	return policy
}

// SessionProvider returns the session lookup chain: the session service (cached for
// c.SessionTTL) if configured, then a process-wide ad hoc session.
func (c *Config) SessionProvider() session.Provider {
	if c.SessionURL == "" {
		return session.NewAdHoc()
	}
	var remote session.Provider = session.NewHTTPProvider(c.SessionURL)
	if c.SessionTTL > 0 {
		remote = session.NewCached(remote, c.SessionTTL)
	}
	return session.Chain(remote, session.NewAdHoc())
}

// LoadCredentials resolves the MQTT broker password if a username is configured and no password
// was supplied through the environment: first from the system keyring, then by prompting. Call
// this method before connecting to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if !c.Flags.isSet(FlagBroker) || c.BrokerUsername == "" || c.brokerPassword != nil {
		return nil
	}
	password, err := c.LoadBrokerPassword()
	if err == nil {
		c.brokerPassword = &password
		return nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		log.Debug("Keyring unavailable: %s", err)
	}
	password, err = prompt(fmt.Sprintf("MQTT password for %s", c.BrokerUsername))
	if err != nil {
		return err
	}
	c.brokerPassword = &password
	return nil
}
