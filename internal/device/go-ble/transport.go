package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/groutine"
)

// gattClient is the part of ble.Client a transport drives.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

type dialFunc func(ctx context.Context, addr ble.Addr) (gattClient, error)

var errAlreadyConnected = errors.New("already connected")

type bleService struct {
	svc *ble.Service
}

func (s *bleService) UUID() string { return device.NormalizeUUID(s.svc.UUID.String()) }

type bleCharacteristic struct {
	char *ble.Characteristic
}

func (c *bleCharacteristic) UUID() string { return device.NormalizeUUID(c.char.UUID.String()) }

// subscription gates delivery so that no handler runs once Unsubscribe returns.
type subscription struct {
	mu      sync.Mutex
	handler device.NotificationHandler
	active  bool
}

func (s *subscription) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.handler(device.Notification{Data: append([]byte(nil), data...), IsNotification: true})
}

func (s *subscription) cancel() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Transport is a single-use GATT client connection to one peripheral.
type Transport struct {
	address string
	dial    dialFunc
	logger  *logrus.Logger

	mu     sync.Mutex
	client gattClient
	subs   map[string]*subscription
	closed bool

	linkOnce     sync.Once
	disconnected chan struct{}
}

func NewTransport(address string, dial dialFunc, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		address:      address,
		dial:         dial,
		logger:       logger,
		subs:         make(map[string]*subscription),
		disconnected: make(chan struct{}),
	}
}

func (t *Transport) Address() string { return t.address }

// Connect dials the peripheral and starts watching the link.
func (t *Transport) Connect(ctx context.Context) error {
	if strings.TrimSpace(t.address) == "" {
		return fmt.Errorf("device address is empty")
	}

	t.mu.Lock()
	if t.client != nil {
		t.mu.Unlock()
		return errAlreadyConnected
	}
	if t.closed {
		t.mu.Unlock()
		return device.ErrNotConnected
	}
	t.mu.Unlock()

	t.logger.WithField("address", t.address).Debug("Dialing BLE device...")
	client, err := t.dial(ctx, ble.NewAddr(t.address))
	if err != nil {
		return NormalizeError(err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = client.CancelConnection()
		return device.ErrNotConnected
	}
	t.client = client
	t.mu.Unlock()

	// Not every platform client reports link loss.
	if watched, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-watched.Disconnected():
				t.logger.WithField("address", t.address).Warn("BLE link lost")
				t.markDisconnected()
			case <-t.disconnected:
			}
		})
	} else {
		t.logger.Debug("Client does not report disconnections")
	}

	t.logger.WithField("address", t.address).Info("BLE device connected")
	return nil
}

func (t *Transport) connected() (gattClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, device.ErrNotConnected
	}
	return t.client, nil
}

func (t *Transport) DiscoverService(ctx context.Context, uuid string) (device.Service, error) {
	client, err := t.connected()
	if err != nil {
		return nil, err
	}
	want, err := ble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", uuid, err)
	}

	var services []*ble.Service
	err = callWithContext(ctx, "ble-discover-services", func() (err error) {
		services, err = client.DiscoverServices([]ble.UUID{want})
		return err
	})
	if err != nil {
		return nil, NormalizeError(err)
	}

	for _, svc := range services {
		if svc.UUID.Equal(want) {
			return &bleService{svc: svc}, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

// DiscoverCharacteristics also discovers each characteristic's descriptors,
// since the stack needs the CCCD handle before it can subscribe.
func (t *Transport) DiscoverCharacteristics(ctx context.Context, svc device.Service, uuids []string) (map[string]device.Characteristic, error) {
	client, err := t.connected()
	if err != nil {
		return nil, err
	}
	s, ok := svc.(*bleService)
	if !ok {
		return nil, fmt.Errorf("service %q was not discovered by this transport", svc.UUID())
	}

	var chars []*ble.Characteristic
	err = callWithContext(ctx, "ble-discover-characteristics", func() (err error) {
		chars, err = client.DiscoverCharacteristics(nil, s.svc)
		return err
	})
	if err != nil {
		return nil, NormalizeError(err)
	}

	wanted := make(map[string]bool, len(uuids))
	for _, u := range device.NormalizeUUIDs(uuids) {
		wanted[u] = true
	}

	found := make(map[string]device.Characteristic, len(uuids))
	for _, c := range chars {
		key := device.NormalizeUUID(c.UUID.String())
		if !wanted[key] {
			continue
		}
		char := c
		if err := callWithContext(ctx, "ble-discover-descriptors", func() error {
			_, err := client.DiscoverDescriptors(nil, char)
			return err
		}); err != nil {
			return nil, NormalizeError(err)
		}
		found[key] = &bleCharacteristic{char: char}
	}

	var missing []string
	for _, u := range device.NormalizeUUIDs(uuids) {
		if found[u] == nil {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 {
		return found, &device.NotFoundError{Resource: "characteristic", UUIDs: append([]string{s.UUID()}, missing...)}
	}
	return found, nil
}

func (t *Transport) Subscribe(ctx context.Context, char device.Characteristic, handler device.NotificationHandler) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	c, ok := char.(*bleCharacteristic)
	if !ok {
		return fmt.Errorf("characteristic %q was not discovered by this transport", char.UUID())
	}

	sub := &subscription{handler: handler, active: true}
	key := c.UUID()
	t.mu.Lock()
	if prev := t.subs[key]; prev != nil {
		prev.cancel()
	}
	t.subs[key] = sub
	t.mu.Unlock()

	err = callWithContext(ctx, "ble-subscribe", func() error {
		return client.Subscribe(c.char, false, sub.deliver)
	})
	if err != nil {
		sub.cancel()
		t.mu.Lock()
		if t.subs[key] == sub {
			delete(t.subs, key)
		}
		t.mu.Unlock()
		return NormalizeError(err)
	}

	t.logger.WithField("char_uuid", key).Debug("Subscribed to notifications")
	return nil
}

func (t *Transport) Unsubscribe(char device.Characteristic) error {
	c, ok := char.(*bleCharacteristic)
	if !ok {
		return fmt.Errorf("characteristic %q was not discovered by this transport", char.UUID())
	}

	key := c.UUID()
	t.mu.Lock()
	sub := t.subs[key]
	delete(t.subs, key)
	client := t.client
	t.mu.Unlock()

	if sub == nil {
		return nil
	}
	sub.cancel()
	if client == nil {
		return nil
	}
	return NormalizeError(client.Unsubscribe(c.char, false))
}

func (t *Transport) Write(ctx context.Context, char device.Characteristic, data []byte, withResponse bool) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	c, ok := char.(*bleCharacteristic)
	if !ok {
		return fmt.Errorf("characteristic %q was not discovered by this transport", char.UUID())
	}

	payload := append([]byte(nil), data...)
	return NormalizeError(callWithContext(ctx, "ble-write", func() error {
		return client.WriteCharacteristic(c.char, payload, !withResponse)
	}))
}

func (t *Transport) Disconnected() <-chan struct{} { return t.disconnected }

// Disconnect drops every subscription and cancels the connection. Safe to call repeatedly.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	subs := t.subs
	t.client = nil
	t.subs = make(map[string]*subscription)
	t.closed = true
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	t.markDisconnected()

	if client == nil {
		return nil
	}
	err := NormalizeError(client.CancelConnection())
	if err != nil {
		t.logger.WithError(err).Warn("BLE device disconnected with errors")
	} else {
		t.logger.WithField("address", t.address).Info("BLE device disconnected")
	}
	return err
}

func (t *Transport) markDisconnected() {
	t.linkOnce.Do(func() { close(t.disconnected) })
}

// callWithContext runs a blocking go-ble call and stops waiting for it when ctx ends.
// go-ble calls take no context; an abandoned call returns once the connection is cancelled.
func callWithContext(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	groutine.Go(ctx, name, func(context.Context) {
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
