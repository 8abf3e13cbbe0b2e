package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/ridelink/sensor-hub/internal/broker"
	"github.com/ridelink/sensor-hub/pkg/cli"
	"github.com/ridelink/sensor-hub/pkg/normalize"
	"github.com/ridelink/sensor-hub/pkg/orchestrator"
	"github.com/ridelink/sensor-hub/pkg/sensor"
	"github.com/ridelink/sensor-hub/pkg/sink"
	"github.com/ridelink/sensor-hub/pkg/transport"
	"github.com/ridelink/sensor-hub/pkg/transport/ant"
	"github.com/ridelink/sensor-hub/pkg/transport/ble"
)

const eventQueueSize = 1024

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

func Usage() {
	fmt.Printf("Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Println("\nAn interactive shell for discovering and connecting to cycling sensors.")
	fmt.Println("\nAvailable OPTIONs:")
	flag.PrintDefaults()
	fmt.Println("\nAvailable COMMANDs:")
	printCommands(os.Stdout)
}

func runInteractiveShell(c *console, in io.Reader, timeout time.Duration, prompt bool) int {
	scanner := bufio.NewScanner(in)
	showPrompt := func() {
		if prompt {
			fmt.Fprint(c.out, "> ")
		}
	}
	for showPrompt(); scanner.Scan(); showPrompt() {
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return 0
		}
		if args[0] == "help" {
			if len(args) > 1 {
				if info, ok := commands[args[1]]; ok {
					info.Usage(c.out, args[1])
					continue
				}
			}
			printCommands(c.out)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.execute(ctx, args); err != nil && !errors.Is(err, ErrCommandLineArgs) {
			writeErr("Failed to execute command: %s", err)
		}
		cancel()
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

// printEvents writes events from ch while c is watching.
func printEvents(c *console, ch <-chan orchestrator.Event) {
	for ev := range ch {
		if c.watching.Load() {
			fmt.Fprintln(c.out, formatEvent(ev))
		}
	}
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var commandTimeout time.Duration
	config, err := cli.NewConfig(cli.FlagTransports | cli.FlagBroker | cli.FlagSession)
	if err != nil {
		writeErr("Failed to load configuration: %s", err)
		return
	}
	flag.Usage = Usage
	flag.DurationVar(&commandTimeout, "command-timeout", 30*time.Second, "Set timeout for connect and disconnect commands.")
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err := config.ReadFromEnvironment(); err != nil {
		writeErr("Error reading environment: %s", err)
		return
	}
	if err := config.Validate(); err != nil {
		writeErr("Invalid configuration: %s", err)
		return
	}
	if err := config.ApplyLogLevel(); err != nil {
		writeErr("Invalid log level: %s", err)
		return
	}
	if err := config.LoadCredentials(); err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	var client mqtt.Client
	if config.BrokerURL != "" {
		if client, err = broker.Connect(config.BrokerConfig()); err != nil {
			writeErr("Error: %s", err)
			return
		}
		defer broker.Close(client)
	}

	var adapters []transport.Adapter
	if config.Transports.Has(sensor.ProtocolBLE) {
		if a, err := ble.NewAdapter(ble.Config{AdapterID: config.BtAdapterID, WheelCircumference: config.WheelCircumference}); err != nil {
			writeErr("BLE unavailable: %s", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	if config.Transports.Has(sensor.ProtocolANT) {
		if a, err := ant.NewAdapter(client, ant.Config{TopicPrefix: config.ANTTopicPrefix, WheelCircumference: config.WheelCircumference}); err != nil {
			writeErr("ANT unavailable: %s", err)
		} else {
			adapters = append(adapters, a)
		}
	}
	if len(adapters) == 0 {
		writeErr("Error: %s", sensor.ErrTransportUnavailable)
		return
	}

	events := sink.NewChan(eventQueueSize)
	hub, err := orchestrator.New(orchestrator.Config{
		ScanDuration: config.ScanDuration,
		Normalizer:   normalize.New(),
		Sessions:     config.SessionProvider(),
		Sink:         events,
	}, adapters...)
	if err != nil {
		writeErr("Error: %s", err)
		return
	}
	if err := hub.Start(context.Background()); err != nil {
		writeErr("Error: %s", err)
		return
	}

	c := &console{hub: hub, out: os.Stdout}
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	c.watching.Store(!interactive)
	go printEvents(c, events.Events())

	status = runInteractiveShell(c, os.Stdin, commandTimeout, interactive)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := hub.Shutdown(ctx); err != nil {
		writeErr("Shutdown: %s", err)
	}
	events.Close()
}
