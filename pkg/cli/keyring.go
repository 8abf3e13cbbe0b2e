package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName   = "com.ridelink.sensorhub"
	keyringBrokerService = "mqtt"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// getPassword unlocks file-backed keyrings.
func (c *Config) getPassword(message string) (string, error) {
	if c.keyringPassword != nil && *c.keyringPassword != "" {
		return *c.keyringPassword, nil
	}
	password, err := prompt(message)
	if err != nil {
		return "", err
	}
	c.keyringPassword = &password
	return password, nil
}

// prompt reads a password from the terminal without echoing it.
func prompt(message string) (string, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		}
		w = os.Stderr
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", message)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	if c.Debug {
		keyring.Debug = true
	}
	return keyring.Open(c.Backend)
}

func (c *Config) brokerKeyName() string {
	return keyringBrokerService + "." + c.BrokerUsername + "@" + c.BrokerURL
}

// LoadBrokerPassword reads the password for c.BrokerUsername on c.BrokerURL from the system
// keyring.
func (c *Config) LoadBrokerPassword() (string, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}
	item, err := kr.Get(c.brokerKeyName())
	if err != nil {
		return "", fmt.Errorf("could not load MQTT password: %w", err)
	}
	return string(item.Data), nil
}

// SaveBrokerPassword writes the password for c.BrokerUsername on c.BrokerURL to the system
// keyring.
func (c *Config) SaveBrokerPassword(password string) error {
	if c.BrokerUsername == "" {
		return fmt.Errorf("an MQTT username is required to store a password")
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:   c.brokerKeyName(),
		Label: "sensor hub MQTT password",
		Data:  []byte(password),
	}); err != nil {
		return fmt.Errorf("failed to store MQTT password in keyring: %s", err)
	}
	return nil
}

// PromptAndSaveBrokerPassword asks for the broker password on the terminal and stores it.
func (c *Config) PromptAndSaveBrokerPassword() error {
	password, err := prompt(fmt.Sprintf("MQTT password for %s", c.BrokerUsername))
	if err != nil {
		return err
	}
	return c.SaveBrokerPassword(password)
}

// DeleteBrokerPassword removes the stored password from the system keyring.
func (c *Config) DeleteBrokerPassword() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.brokerKeyName())
}
