package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/device"
)

// Central scans through an opened controller and dials peripherals on it.
type Central struct {
	dev    bleDevice
	logger *logrus.Logger
}

// Scan wraps ble.Device.Scan, converting each ble.Advertisement to a device.Advertisement.
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	return NormalizeError(c.dev.Scan(ctx, allowDup, bleHandler))
}

// Transport returns an unconnected transport for the advertised peripheral.
func (c *Central) Transport(adv device.Advertisement) device.Transport {
	dial := func(ctx context.Context, addr ble.Addr) (gattClient, error) {
		client, err := c.dev.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return NewTransport(adv.Addr(), dial, c.logger)
}
