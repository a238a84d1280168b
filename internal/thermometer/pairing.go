package thermometer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/device"
)

// DefaultPairTimeout bounds the wait for the pairing status response.
const DefaultPairTimeout = 10 * time.Second

// PairingHandshake is the one-shot autopair exchange: write the vendor
// command on the pair characteristic and wait for a single status
// notification. It is never retried here; retrying is the supervisor's job.
type PairingHandshake struct {
	Transport device.Transport
	Status    device.Characteristic
	Pair      device.Characteristic
	Timeout   time.Duration
	Logger    *logrus.Logger
}

// Run performs the handshake. The status listener is registered before the
// command is written and detached on every return path.
func (h *PairingHandshake) Run(ctx context.Context) error {
	logger := h.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultPairTimeout
	}

	responses := make(chan []byte, 1)
	err := h.Transport.Subscribe(ctx, h.Status, func(n device.Notification) {
		data := append([]byte(nil), n.Data...)
		select {
		case responses <- data:
		default:
			// only the first response counts
		}
	})
	if err != nil {
		return device.TransportError("pair", err)
	}
	defer func() {
		if err := h.Transport.Unsubscribe(h.Status); err != nil {
			logger.WithError(err).Warn("Failed to detach pairing status listener")
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.WithField("address", h.Transport.Address()).Debug("Writing autopair command")
	if err := h.Transport.Write(waitCtx, h.Pair, AutopairCommand(), true); err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return device.DeviceNotFound("pair", err, "no pairing response within %s", timeout)
		}
		return device.TransportError("pair", err)
	}

	select {
	case data := <-responses:
		if len(data) == 0 {
			return device.ProtocolViolation("pair", nil, "empty pairing status")
		}
		if data[0] != StatusPaired {
			return device.ProtocolViolation("pair", nil, "unexpected pairing status 0x%02x", data[0])
		}
		logger.WithField("address", h.Transport.Address()).Debug("Paired")
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return device.DeviceNotFound("pair", waitCtx.Err(), "no pairing response within %s", timeout)
	}
}
