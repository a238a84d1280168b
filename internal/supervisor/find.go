package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/device"
)

// FindPeripheral scans until an advertisement from address is seen or
// timeout elapses. The scan context is cancelled exactly once on either path,
// which is what stops the underlying scan.
func FindPeripheral(ctx context.Context, central device.Central, address string, timeout time.Duration, logger *logrus.Logger) (device.Advertisement, error) {
	if logger == nil {
		logger = logrus.New()
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found device.Advertisement
		once  sync.Once
	)
	err := central.Scan(scanCtx, false, func(adv device.Advertisement) {
		if !device.SameAddress(adv.Addr(), address) {
			return
		}
		once.Do(func() {
			mu.Lock()
			found = adv
			mu.Unlock()

			logger.WithFields(logrus.Fields{
				"address": adv.Addr(),
				"name":    adv.LocalName(),
				"rssi":    adv.RSSI(),
			}).Debug("Thermometer found")
			cancel()
		})
	})

	mu.Lock()
	adv := found
	mu.Unlock()
	if adv != nil {
		return adv, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		err = device.NormalizeError(err)
		if errors.Is(err, device.ErrScanInProcess) || errors.Is(err, device.ErrBluetoothOff) {
			return nil, device.DeviceNotFound("scan", err, "scan could not run")
		}
		return nil, device.TransportError("scan", err)
	}
	return nil, device.DeviceNotFound("scan", nil, "could not find sensor %s within %s", address, timeout)
}
