package thermometer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/clock"
	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/groutine"
)

// State is a ThermometerSession lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StatePairing
	StatePaired
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StatePairing:
		return "pairing"
	case StatePaired:
		return "paired"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// DefaultConnectTimeout bounds connecting and each discovery or write step.
const DefaultConnectTimeout = 10 * time.Second

// ErrSessionStopped is returned by Start when Stop interrupts it.
var ErrSessionStopped = errors.New("session stopped")

// ErrSessionOpen is returned when a second session is created for an address that already has one.
var ErrSessionOpen = errors.New("a session is already open for this device")

// Options configures a Session. Zero values select the defaults.
type Options struct {
	ConnectTimeout  time.Duration
	PairTimeout     time.Duration
	WatchdogTimeout time.Duration

	Clock  clock.Clock
	Logger *logrus.Logger

	// OnStateChange is called after every transition, outside the session lock.
	OnStateChange func(State)
}

// openSessions enforces one session per device address within the process.
var openSessions = hashmap.New[string, *Session]()

func addressKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Session drives one thermometer through connect, discovery, pairing and
// streaming. It owns its transport, watchdog and reading feed; all of them
// are released by a single teardown path shared by Stop and every failure.
type Session struct {
	transport device.Transport
	opts      Options
	logger    *logrus.Logger
	feed      *Feed
	key       string

	mu         sync.Mutex
	state      State
	closing    bool
	subscribed []device.Characteristic
	watchdog   *ConnectionWatchdog
	readings   uint64

	teardown sync.Once
}

// NewSession claims the transport's address and returns a session in the
// Disconnected state. Nothing touches the transport until Start.
func NewSession(t device.Transport, opts Options) (*Session, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = DefaultPairTimeout
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Session{
		transport: t,
		opts:      opts,
		logger:    logger,
		feed:      newFeed(),
		key:       addressKey(t.Address()),
		state:     StateDisconnected,
	}
	if _, loaded := openSessions.GetOrInsert(s.key, s); loaded {
		return nil, fmt.Errorf("%w: %s", ErrSessionOpen, t.Address())
	}
	return s, nil
}

// Address returns the device address the session is bound to.
func (s *Session) Address() string {
	return s.transport.Address()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReadingCount returns how many frames have been decoded so far.
func (s *Session) ReadingCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readings
}

// Readings attaches a consumer to the reading stream.
func (s *Session) Readings() *Subscription {
	return s.feed.Subscribe()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.feed.Done()
}

// Err returns why the session ended: nil after a clean Stop, otherwise a
// *device.SessionError or a context error.
func (s *Session) Err() error {
	return s.feed.Err()
}

// Start runs the session up to the Streaming state. ctx bounds the whole
// session lifetime: cancelling it later stops a streaming session.
// On error the session has already been torn down.
func (s *Session) Start(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		if s.isClosing() && !errors.As(err, new(*device.SessionError)) {
			err = ErrSessionStopped
		}
		s.fail(err)
		return err
	}

	groutine.Go(context.Background(), "thermometer-monitor", func(context.Context) {
		s.monitor(ctx)
	})
	return nil
}

func (s *Session) start(ctx context.Context) error {
	logger := s.logger.WithField("address", s.Address())

	if err := s.advance(StateDisconnected, StateConnecting); err != nil {
		return err
	}
	if err := s.connect(ctx); err != nil {
		return err
	}

	if err := s.advance(StateConnecting, StateDiscovering); err != nil {
		return err
	}
	chars, err := s.discover(ctx)
	if err != nil {
		return err
	}
	if err := s.advance(StateDiscovering, StatePairing); err != nil {
		return err
	}
	handshake := &PairingHandshake{
		Transport: s.transport,
		Status:    chars[StatusCharUUID],
		Pair:      chars[PairCharUUID],
		Timeout:   s.opts.PairTimeout,
		Logger:    s.logger,
	}
	if err := handshake.Run(ctx); err != nil {
		return err
	}

	if err := s.advance(StatePairing, StatePaired); err != nil {
		return err
	}
	if err := s.startStreaming(ctx, chars); err != nil {
		return err
	}

	logger.Info("Thermometer streaming")
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	if err := s.transport.Connect(connectCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return device.DeviceNotFound("connect", err, "no connection within %s", s.opts.ConnectTimeout)
		}
		return device.DeviceNotFound("connect", err, "connection failed")
	}
	return nil
}

func (s *Session) discover(ctx context.Context) (map[string]device.Characteristic, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	svc, err := s.transport.DiscoverService(discoverCtx, ServiceUUID)
	if err == nil && svc == nil {
		err = &device.NotFoundError{Resource: "service", UUIDs: []string{ServiceUUID}}
	}
	if err != nil {
		return nil, s.classifyDiscovery(ctx, discoverCtx, err)
	}

	chars, err := s.transport.DiscoverCharacteristics(discoverCtx, svc, requiredCharacteristics)
	if err != nil {
		return nil, s.classifyDiscovery(ctx, discoverCtx, err)
	}

	var missing []string
	for _, uuid := range requiredCharacteristics {
		if chars[uuid] == nil {
			missing = append(missing, uuid)
		}
	}
	if len(missing) > 0 {
		notFound := &device.NotFoundError{Resource: "characteristic", UUIDs: append([]string{ServiceUUID}, missing...)}
		return nil, device.ProtocolViolation("discover", notFound, "required characteristics missing")
	}
	return chars, nil
}

// classifyDiscovery separates a missing service or characteristic (the
// firmware contract is broken) from a discovery that simply took too long.
func (s *Session) classifyDiscovery(parent, bounded context.Context, err error) error {
	var notFound *device.NotFoundError
	switch {
	case parent.Err() != nil:
		return parent.Err()
	case errors.As(err, &notFound):
		return device.ProtocolViolation("discover", err, "%s missing", notFound.Resource)
	case errors.Is(bounded.Err(), context.DeadlineExceeded):
		return device.DeviceNotFound("discover", err, "no discovery response within %s", s.opts.ConnectTimeout)
	default:
		return device.TransportError("discover", err)
	}
}

func (s *Session) startStreaming(ctx context.Context, chars map[string]device.Characteristic) error {
	data := chars[DataCharUUID]
	if err := s.transport.Subscribe(ctx, data, s.onData); err != nil {
		return device.TransportError("subscribe", err)
	}
	s.mu.Lock()
	s.subscribed = append(s.subscribed, data)
	s.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	if err := s.transport.Write(writeCtx, chars[ControlCharUUID], StartTemperaturesCommand(), true); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			return device.DeviceNotFound("start", err, "start command not acknowledged within %s", s.opts.ConnectTimeout)
		}
		return device.TransportError("start", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	s.watchdog = NewConnectionWatchdog(s.opts.Clock, s.opts.WatchdogTimeout, s.onWatchdogExpired)
	s.watchdog.Start()
	s.state = StateStreaming
	s.mu.Unlock()

	s.notifyState(StateStreaming)
	return nil
}

// onData runs on the BLE stack's notification goroutine. Holding s.mu while
// publishing means teardown, which takes s.mu first, cannot overlap with it.
func (s *Session) onData(n device.Notification) {
	if !n.IsNotification {
		return
	}
	r := DecodeFrame(n.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.readings++
	if s.watchdog != nil {
		s.watchdog.Reset()
	}
	s.feed.publish(r)
}

func (s *Session) onWatchdogExpired() {
	s.fail(device.DeviceNotFound("watchdog", nil, "no data received for %s", s.opts.WatchdogTimeout))
}

func (s *Session) monitor(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Stop()
	case <-s.transport.Disconnected():
		s.fail(device.DeviceNotFound("link", device.ErrNotConnected, "connection lost"))
	case <-s.feed.Done():
	}
}

func (s *Session) advance(from, to State) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.state != from {
		s.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s from %s", from, to, s.state)
	}
	s.state = to
	s.mu.Unlock()

	s.notifyState(to)
	return nil
}

func (s *Session) notifyState(st State) {
	s.logger.WithFields(logrus.Fields{
		"address": s.Address(),
		"state":   st.String(),
	}).Debug("Session state changed")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Stop closes the session. It is idempotent and safe to call concurrently
// with notification delivery.
func (s *Session) Stop() {
	s.shutdown(nil)
}

func (s *Session) fail(cause error) {
	s.shutdown(cause)
}

// shutdown is the only teardown path. The watchdog is stopped and the
// closing flag set under the same lock the notification handler takes, so
// no reading is processed once teardown has begun.
func (s *Session) shutdown(cause error) {
	s.teardown.Do(func() {
		s.mu.Lock()
		s.closing = true
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		subscribed := s.subscribed
		s.subscribed = nil
		readings := s.readings
		s.mu.Unlock()

		logger := s.logger.WithFields(logrus.Fields{
			"address":  s.Address(),
			"readings": readings,
		})

		for _, c := range subscribed {
			if err := s.transport.Unsubscribe(c); err != nil {
				logger.WithError(err).WithField("characteristic", c.UUID()).Warn("Failed to unsubscribe during teardown")
			}
		}
		if err := s.transport.Disconnect(); err != nil {
			logger.WithError(err).Warn("Failed to disconnect during teardown")
		}
		openSessions.Del(s.key)

		final := StateClosed
		if cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, ErrSessionStopped) {
			final = StateFailed
			logger.WithError(cause).Warn("Session failed")
		} else {
			logger.Info("Session closed")
		}

		s.mu.Lock()
		s.state = final
		s.mu.Unlock()

		s.feed.close(cause)
		s.notifyState(final)
	})
}
