package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	"github.com/ridelink/sensor-hub/pkg/orchestrator"
	"github.com/ridelink/sensor-hub/pkg/sensor"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrCommandFailed   = errors.New("command failed")
)

// hub is the part of the orchestrator the console drives.
type hub interface {
	StartScanning(ctx context.Context) error
	StopScanning()
	Scanning() bool
	DiscoveredDevices() []*sensor.Device
	ConnectedDevices() []*sensor.Device
	Device(id string) (*sensor.Device, bool)
	ConnectDevice(ctx context.Context, id string) bool
	DisconnectDevice(ctx context.Context, id string) bool
}

type console struct {
	hub      hub
	out      io.Writer
	watching atomic.Bool
}

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, c *console, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

var deviceIDArg = Argument{name: "DEVICE", help: "Device id as listed by devices, e.g. ble:c0:ff:ee:00:11:22 or ant:4242:11"}

var commands = map[string]*Command{
	"scan": {
		help: "Start discovering devices on every transport",
		handler: func(ctx context.Context, c *console, _ map[string]string) error {
			return c.hub.StartScanning(ctx)
		},
	},
	"stop": {
		help: "Stop discovering devices",
		handler: func(_ context.Context, c *console, _ map[string]string) error {
			c.hub.StopScanning()
			return nil
		},
	},
	"devices": {
		help: "List unconnected devices found by the current or last scan",
		handler: func(_ context.Context, c *console, _ map[string]string) error {
			printDevices(c.out, c.hub.DiscoveredDevices())
			return nil
		},
	},
	"connected": {
		help: "List connected devices",
		handler: func(_ context.Context, c *console, _ map[string]string) error {
			printDevices(c.out, c.hub.ConnectedDevices())
			return nil
		},
	},
	"show": {
		help: "Print everything known about a device",
		args: []Argument{deviceIDArg},
		handler: func(_ context.Context, c *console, args map[string]string) error {
			d, ok := c.hub.Device(args["DEVICE"])
			if !ok {
				return sensor.ErrUnknownDevice
			}
			printDevice(c.out, d)
			return nil
		},
	},
	"connect": {
		help: "Connect to a device and start streaming its readings",
		args: []Argument{deviceIDArg},
		handler: func(ctx context.Context, c *console, args map[string]string) error {
			if !c.hub.ConnectDevice(ctx, args["DEVICE"]) {
				return ErrCommandFailed
			}
			return nil
		},
	},
	"disconnect": {
		help: "Disconnect from a device",
		args: []Argument{deviceIDArg},
		handler: func(ctx context.Context, c *console, args map[string]string) error {
			if !c.hub.DisconnectDevice(ctx, args["DEVICE"]) {
				return ErrCommandFailed
			}
			return nil
		},
	},
	"watch": {
		help:     "Print events as they arrive",
		optional: []Argument{{name: "MODE", help: "on or off (default on)"}},
		handler: func(_ context.Context, c *console, args map[string]string) error {
			switch strings.ToLower(args["MODE"]) {
			case "", "on":
				c.watching.Store(true)
			case "off":
				c.watching.Store(false)
			default:
				return ErrCommandLineArgs
			}
			return nil
		},
	},
	"status": {
		help: "Summarize the hub's state",
		handler: func(_ context.Context, c *console, _ map[string]string) error {
			fmt.Fprintf(c.out, "scanning: %v\ndiscovered: %d\nconnected: %d\n",
				c.hub.Scanning(), len(c.hub.DiscoveredDevices()), len(c.hub.ConnectedDevices()))
			return nil
		},
	},
}

func (c *console) execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}
	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, c, keywords)
	}

	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(c.out, args[0])
	}
	return err
}

func (c *Command) Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(w, " %s", arg.name)
		maxLength = max(maxLength, len(arg.name))
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(w, " %s", arg.name)
		maxLength = max(maxLength, len(arg.name))
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " ]")
	}
	fmt.Fprintf(w, "\n%s\n", c.help)
	maxLength++
	for _, arg := range append(append([]Argument(nil), c.args...), c.optional...) {
		fmt.Fprintf(w, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func printCommands(w io.Writer) {
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		maxLength = max(maxLength, len(command))
	}
	sort.Strings(labels)
	for _, command := range labels {
		fmt.Fprintf(w, "  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), commands[command].help)
	}
}

func printDevices(w io.Writer, devices []*sensor.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATE\tSIGNAL\tCONFIDENCE")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", d.ID, d.DisplayName, d.Type, d.State, d.SignalStrength, d.Confidence)
	}
	tw.Flush()
}

func printDevice(w io.Writer, d *sensor.Device) {
	fmt.Fprintf(w, "%s\n", d.DisplayName)
	fmt.Fprintf(w, "  id:           %s\n", d.ID)
	fmt.Fprintf(w, "  protocol:     %s\n", d.Protocol)
	fmt.Fprintf(w, "  type:         %s (confidence %d)\n", d.Type, d.Confidence)
	fmt.Fprintf(w, "  state:        %s\n", d.State)
	fmt.Fprintf(w, "  signal:       %d\n", d.SignalStrength)
	if d.BatteryLevel != nil {
		fmt.Fprintf(w, "  battery:      %d%%\n", *d.BatteryLevel)
	}
	if d.Manufacturer != "" || d.Model != "" {
		fmt.Fprintf(w, "  manufacturer: %s %s\n", d.Manufacturer, d.Model)
	}
	if len(d.Capabilities) > 0 {
		fmt.Fprintf(w, "  capabilities: %s\n", strings.Join(d.Capabilities, ", "))
	}
}

func formatEvent(ev orchestrator.Event) string {
	ts := ev.Timestamp.Format("15:04:05.000")
	switch {
	case ev.Reading != nil:
		return fmt.Sprintf("%s %s %s %.2f %s (quality %d)", ts, ev.DeviceID, ev.Reading.MetricType, ev.Reading.Value, ev.Reading.Unit, ev.Reading.Quality)
	case ev.Device != nil:
		return fmt.Sprintf("%s %s found %s (%s)", ts, ev.DeviceID, ev.Device.DisplayName, ev.Device.Type)
	case ev.Error != "":
		return fmt.Sprintf("%s %s %s: %s", ts, ev.DeviceID, ev.Status, ev.Error)
	}
	return fmt.Sprintf("%s %s %s", ts, ev.DeviceID, ev.Status)
}
