// Package supervisor keeps a thermometer session alive: it waits for the
// adapter, finds the peripheral, runs a session and forwards its readings to
// a Sink, retrying after every recoverable failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/clock"
	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/thermometer"
)

// Sink receives decoded readings. Finish is called once per session with the
// reason the stream ended (nil for a clean stop).
type Sink interface {
	Publish(ctx context.Context, r thermometer.ProbeReading) error
	Finish(ctx context.Context, cause error) error
}

// ProgressCallback is called when the supervisor enters a new phase.
type ProgressCallback func(phase string)

// Phases reported through ProgressCallback.
const (
	PhaseWaitingForBluetooth = "Waiting for Bluetooth"
	PhaseFindingThermometer  = "Finding thermometer"
	PhaseConnecting          = "Connecting"
	PhasePairing             = "Pairing"
	PhaseStreaming           = "Streaming"
)

const finishTimeout = 5 * time.Second

// Options configures a Supervisor.
type Options struct {
	Address               string
	AdapterWaitTimeout    time.Duration
	PeripheralWaitTimeout time.Duration
	RetryDelay            time.Duration

	// MaxAttempts stops retrying after this many recoverable failures. Zero retries forever.
	MaxAttempts int

	Session thermometer.Options

	Clock    clock.Clock
	Logger   *logrus.Logger
	Progress ProgressCallback

	// OnRetry is called before every backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// OnReading is called for every forwarded reading with the per-session count.
	OnReading func(count uint64, r thermometer.ProbeReading)
}

// Supervisor runs the acquire → stream → retry loop.
type Supervisor struct {
	adapter device.Adapter
	sink    Sink
	opts    Options
	clock   clock.Clock
	logger  *logrus.Logger
}

func New(adapter device.Adapter, sink Sink, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Supervisor{
		adapter: adapter,
		sink:    sink,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// Run loops until ctx is cancelled or a non-recoverable error occurs.
// DeviceNotFound failures are retried after RetryDelay; anything else is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !device.IsDeviceNotFound(err) {
			s.logger.WithError(err).WithField("attempt", attempt).Error("Unrecoverable thermometer failure")
			return err
		}
		if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := s.opts.RetryDelay
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": delay,
		}).Warn("Thermometer unavailable, retrying")
		if s.opts.OnRetry != nil {
			s.opts.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	s.progress(PhaseWaitingForBluetooth)
	central, err := s.waitForAdapter(ctx)
	if err != nil {
		return err
	}

	s.progress(PhaseFindingThermometer)
	adv, err := FindPeripheral(ctx, central, s.opts.Address, s.opts.PeripheralWaitTimeout, s.logger)
	if err != nil {
		return err
	}

	sessionOpts := s.opts.Session
	if sessionOpts.Clock == nil {
		sessionOpts.Clock = s.clock
	}
	if sessionOpts.Logger == nil {
		sessionOpts.Logger = s.logger
	}
	sessionOpts.OnStateChange = s.onSessionState

	session, err := thermometer.NewSession(central.Transport(adv), sessionOpts)
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}
	return s.forward(ctx, session)
}

func (s *Supervisor) waitForAdapter(ctx context.Context) (device.Central, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.AdapterWaitTimeout)
	defer cancel()

	central, err := s.adapter.WaitReady(waitCtx)
	if err == nil {
		return central, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	err = device.NormalizeError(err)
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) || errors.Is(err, device.ErrBluetoothOff) {
		return nil, device.DeviceNotFound("adapter", err, "Bluetooth not ready within %s", s.opts.AdapterWaitTimeout)
	}
	return nil, device.TransportError("adapter", err)
}

// forward pumps readings to the sink until the session ends, then reports
// the end of the stream.
func (s *Supervisor) forward(ctx context.Context, session *thermometer.Session) error {
	logger := s.logger.WithField("address", session.Address())
	sub := session.Readings()
	defer sub.Cancel()

	var count uint64
	for r := range sub.C() {
		count++
		if s.opts.OnReading != nil {
			s.opts.OnReading(count, r)
		}
		if err := s.sink.Publish(ctx, r); err != nil {
			logger.WithError(err).Warn("Failed to publish reading")
		}
	}

	cause := session.Err()
	finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := s.sink.Finish(finishCtx, cause); err != nil {
		logger.WithError(err).Warn("Failed to signal end of stream")
	}

	logger.WithFields(logrus.Fields{
		"forwarded":   count,
		"overwritten": sub.Overwritten(),
	}).Info("Reading stream ended")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cause == nil {
		return device.DeviceNotFound("stream", nil, "session closed")
	}
	return cause
}

func (s *Supervisor) onSessionState(st thermometer.State) {
	switch st {
	case thermometer.StateConnecting:
		s.progress(PhaseConnecting)
	case thermometer.StatePairing:
		s.progress(PhasePairing)
	case thermometer.StateStreaming:
		s.progress(PhaseStreaming)
	}
}

func (s *Supervisor) progress(phase string) {
	s.logger.WithField("phase", phase).Debug("Supervisor progress")
	if s.opts.Progress != nil {
		s.opts.Progress(phase)
	}
}
