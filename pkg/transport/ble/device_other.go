//go:build !linux && !darwin

package ble

import (
	goble "github.com/go-ble/ble"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

func newDevice(_ string) (goble.Device, error) {
	return nil, sensor.ErrTransportUnavailable
}
