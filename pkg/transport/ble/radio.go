package ble

import (
	"context"
	"time"

	goble "github.com/go-ble/ble"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// radio is the part of a go-ble device the adapter drives.
type radio interface {
	// Scan blocks until ctx is done, calling h for every advertisement heard.
	Scan(ctx context.Context, h func(sensor.Advertisement)) error
	Dial(ctx context.Context, address string) (peripheral, error)
	Stop() error
}

// peripheral is the part of a go-ble client the adapter uses.
type peripheral interface {
	DiscoverProfile(force bool) (*goble.Profile, error)
	ReadCharacteristic(c *goble.Characteristic) ([]byte, error)
	Subscribe(c *goble.Characteristic, ind bool, h goble.NotificationHandler) error
	ClearSubscriptions() error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// deviceRadio adapts a go-ble device.
type deviceRadio struct {
	device goble.Device
}

func (r deviceRadio) Scan(ctx context.Context, h func(sensor.Advertisement)) error {
	return r.device.Scan(ctx, true, func(a goble.Advertisement) {
		h(fromAdvertisement(a))
	})
}

func (r deviceRadio) Dial(ctx context.Context, address string) (peripheral, error) {
	client, err := r.device.Dial(ctx, goble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r deviceRadio) Stop() error {
	return r.device.Stop()
}

func fromAdvertisement(a goble.Advertisement) sensor.Advertisement {
	adv := sensor.Advertisement{
		Address:     a.Addr().String(),
		LocalName:   a.LocalName(),
		RSSI:        a.RSSI(),
		TxPower:     a.TxPowerLevel(),
		Connectable: a.Connectable(),
		SeenAt:      time.Now(),
	}
	if data := a.ManufacturerData(); len(data) > 0 {
		adv.ManufacturerData = append([]byte(nil), data...)
	}
	for _, u := range a.Services() {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, u.String())
	}
	return adv
}

func fromProperty(p goble.Property) sensor.CharacteristicProperty {
	var out sensor.CharacteristicProperty
	if p&goble.CharRead != 0 {
		out |= sensor.PropRead
	}
	if p&goble.CharWrite != 0 {
		out |= sensor.PropWrite
	}
	if p&goble.CharWriteNR != 0 {
		out |= sensor.PropWriteWithoutResponse
	}
	if p&goble.CharNotify != 0 {
		out |= sensor.PropNotify
	}
	if p&goble.CharIndicate != 0 {
		out |= sensor.PropIndicate
	}
	return out
}
