// Package broker opens the MQTT connection shared by the ANT gateway adapter and the MQTT sink.
package broker

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ridelink/sensor-hub/internal/log"
)

const (
	defaultKeepAlive      = 60 * time.Second
	defaultPingTimeout    = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMS   = 250
)

var logger = log.For("broker")

// Config holds MQTT connection settings.
type Config struct {
	URL      string
	ClientID string
	Username string
	Password string
	// ConnectTimeout bounds the initial connection. Zero means 10 seconds.
	ConnectTimeout time.Duration
}

// Options builds paho client options from c. Reconnection is automatic.
func (c Config) Options() (*mqtt.ClientOptions, error) {
	if c.URL == "" {
		return nil, errors.New("broker: URL is required")
	}
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.URL)
	opts.SetClientID(c.ClientID)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)
	opts.SetOnConnectHandler(onConnect)
	opts.SetConnectionLostHandler(onConnectionLost)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetPingTimeout(defaultPingTimeout)
	opts.SetConnectTimeout(timeout)
	return opts, nil
}

// Connect opens a client and waits for the first connection.
func Connect(c Config) (mqtt.Client, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", c.URL, token.Error())
	}
	logger.Info("Connected to %s as %s", c.URL, c.ClientID)
	return client, nil
}

// Close disconnects client, allowing in-flight work a short grace period.
func Close(client mqtt.Client) {
	if client == nil {
		return
	}
	client.Disconnect(disconnectQuiesceMS)
	logger.Info("Disconnected")
}

func onConnect(mqtt.Client) {
	logger.Debug("Connection established")
}

func onConnectionLost(_ mqtt.Client, err error) {
	logger.Warning("Connection lost: %s", err)
}
