package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/clock"
	"github.com/srg/thermobridge/internal/device"
)

// DefaultPollInterval is how often WaitReady retries while Bluetooth is off.
const DefaultPollInterval = time.Second

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test overriding
var DeviceFactory = newDevice

// bleDevice is the part of ble.Device the bridge uses.
type bleDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// Adapter opens the host controller once and hands out a Central for it.
type Adapter struct {
	open         func() (bleDevice, error)
	clock        clock.Clock
	pollInterval time.Duration
	logger       *logrus.Logger

	mu  sync.Mutex
	dev bleDevice
}

// NewAdapter returns an Adapter backed by DeviceFactory.
func NewAdapter(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		open: func() (bleDevice, error) {
			dev, err := DeviceFactory()
			if err != nil {
				return nil, err
			}
			return dev, nil
		},
		clock:        clock.Real(),
		pollInterval: DefaultPollInterval,
		logger:       logger,
	}
}

// WaitReady polls the controller until it is powered on or ctx ends.
// A controller reporting Bluetooth off is retried; any other error is returned at once.
func (a *Adapter) WaitReady(ctx context.Context) (device.Central, error) {
	for {
		dev, err := a.device()
		if err == nil {
			return &Central{dev: dev, logger: a.logger}, nil
		}
		if !errors.Is(err, device.ErrBluetoothOff) {
			return nil, err
		}

		a.logger.WithError(err).Debug("Bluetooth not ready, waiting")
		select {
		case <-ctx.Done():
			return nil, err
		case <-a.clock.After(a.pollInterval):
		}
	}
}

func (a *Adapter) device() (bleDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := a.open()
	if err != nil {
		return nil, NormalizeError(err)
	}
	a.dev = dev
	a.logger.Debug("BLE controller opened")
	return dev, nil
}

// Close releases the controller. WaitReady reopens it on the next call.
func (a *Adapter) Close() error {
	a.mu.Lock()
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()

	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}
