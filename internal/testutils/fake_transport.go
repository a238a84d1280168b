package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/srg/thermobridge/internal/device"
)

// CharacteristicConfig describes a characteristic exposed by a FakeTransport.
type CharacteristicConfig struct {
	UUID string `json:"uuid"`
}

// ServiceConfig describes a service exposed by a FakeTransport.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig is the GATT profile of a FakeTransport.
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// WriteRecord is one Write observed by a FakeTransport.
type WriteRecord struct {
	Char         string
	Data         []byte
	WithResponse bool
}

// WriteHook runs after a write is recorded, outside the transport lock.
// Returning an error fails the write.
type WriteHook func(t *FakeTransport, char string, data []byte) error

type fakeAttr struct{ uuid string }

func (a fakeAttr) UUID() string { return a.uuid }

// FakeTransport is an in-memory device.Transport with a configurable GATT
// profile, injectable failures and call recording.
type FakeTransport struct {
	mu        sync.Mutex
	deliverMu sync.Mutex // held while a handler runs; Unsubscribe waits for it

	address string
	profile DeviceProfileConfig

	connectErr    error
	connectHang   bool
	discoverErr   error
	discoverHang  bool
	subscribeErr  map[string]error
	writeErr      map[string]error
	disconnectErr error
	onWrite       WriteHook

	connected    bool
	handlers     map[string]device.NotificationHandler
	disconnected chan struct{}
	linkDropped  bool

	writes           []WriteRecord
	connectCalls     int
	disconnectCalls  int
	unsubscribeCalls map[string]int
}

// NewFakeTransport creates a transport with an empty profile.
func NewFakeTransport(address string) *FakeTransport {
	return &FakeTransport{
		address:          address,
		subscribeErr:     make(map[string]error),
		writeErr:         make(map[string]error),
		handlers:         make(map[string]device.NotificationHandler),
		disconnected:     make(chan struct{}),
		unsubscribeCalls: make(map[string]int),
	}
}

// WithService adds a service and its characteristics to the profile.
func (f *FakeTransport) WithService(uuid string, chars ...string) *FakeTransport {
	svc := ServiceConfig{UUID: device.NormalizeUUID(uuid)}
	for _, c := range chars {
		svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{UUID: device.NormalizeUUID(c)})
	}
	f.profile.Services = append(f.profile.Services, svc)
	return f
}

// FromJSON replaces the profile with the JSON document. Panics on invalid JSON.
func (f *FakeTransport) FromJSON(jsonStrFmt string, args ...interface{}) *FakeTransport {
	var profile DeviceProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &profile); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	f.profile = DeviceProfileConfig{}
	for _, svc := range profile.Services {
		var chars []string
		for _, c := range svc.Characteristics {
			chars = append(chars, c.UUID)
		}
		f.WithService(svc.UUID, chars...)
	}
	return f
}

func (f *FakeTransport) WithConnectError(err error) *FakeTransport {
	f.connectErr = err
	return f
}

// WithConnectHang makes Connect block until its context ends.
func (f *FakeTransport) WithConnectHang() *FakeTransport {
	f.connectHang = true
	return f
}

func (f *FakeTransport) WithDiscoverError(err error) *FakeTransport {
	f.discoverErr = err
	return f
}

// WithDiscoverHang makes service discovery block until its context ends.
func (f *FakeTransport) WithDiscoverHang() *FakeTransport {
	f.discoverHang = true
	return f
}

func (f *FakeTransport) WithSubscribeError(char string, err error) *FakeTransport {
	f.subscribeErr[device.NormalizeUUID(char)] = err
	return f
}

func (f *FakeTransport) WithWriteError(char string, err error) *FakeTransport {
	f.writeErr[device.NormalizeUUID(char)] = err
	return f
}

func (f *FakeTransport) WithDisconnectError(err error) *FakeTransport {
	f.disconnectErr = err
	return f
}

// OnWrite installs a hook invoked for every successful write.
func (f *FakeTransport) OnWrite(hook WriteHook) *FakeTransport {
	f.onWrite = hook
	return f
}

func (f *FakeTransport) Address() string { return f.address }

func (f *FakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	hang, err := f.connectHang, f.connectErr
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) DiscoverService(ctx context.Context, uuid string) (device.Service, error) {
	if f.discoverHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}

	want := device.NormalizeUUID(uuid)
	for _, svc := range f.profile.Services {
		if svc.UUID == want {
			return fakeAttr{uuid: svc.UUID}, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{want}}
}

func (f *FakeTransport) DiscoverCharacteristics(_ context.Context, svc device.Service, uuids []string) (map[string]device.Characteristic, error) {
	var chars []CharacteristicConfig
	for _, s := range f.profile.Services {
		if s.UUID == svc.UUID() {
			chars = s.Characteristics
		}
	}

	found := make(map[string]device.Characteristic)
	var missing []string
	for _, uuid := range uuids {
		want := device.NormalizeUUID(uuid)
		ok := false
		for _, c := range chars {
			if c.UUID == want {
				found[want] = fakeAttr{uuid: want}
				ok = true
				break
			}
		}
		if !ok {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return found, &device.NotFoundError{Resource: "characteristic", UUIDs: append([]string{svc.UUID()}, missing...)}
	}
	return found, nil
}

func (f *FakeTransport) Subscribe(_ context.Context, char device.Characteristic, handler device.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.subscribeErr[char.UUID()]; err != nil {
		return err
	}
	if !f.connected {
		return device.ErrNotConnected
	}
	f.handlers[char.UUID()] = handler
	return nil
}

func (f *FakeTransport) Unsubscribe(char device.Characteristic) error {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsubscribeCalls[char.UUID()]++
	delete(f.handlers, char.UUID())
	return nil
}

func (f *FakeTransport) Write(_ context.Context, char device.Characteristic, data []byte, withResponse bool) error {
	f.mu.Lock()
	if err := f.writeErr[char.UUID()]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.writes = append(f.writes, WriteRecord{Char: char.UUID(), Data: append([]byte(nil), data...), WithResponse: withResponse})
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		return hook(f, char.UUID(), data)
	}
	return nil
}

func (f *FakeTransport) Disconnected() <-chan struct{} {
	return f.disconnected
}

func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnectCalls++
	f.connected = false
	f.handlers = make(map[string]device.NotificationHandler)
	return f.disconnectErr
}

// Notify delivers a value to the handler subscribed to char.
// It reports whether a handler was subscribed.
func (f *FakeTransport) Notify(char string, data []byte, isNotification bool) bool {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()

	f.mu.Lock()
	handler := f.handlers[device.NormalizeUUID(char)]
	f.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(device.Notification{Data: data, IsNotification: isNotification})
	return true
}

// DropLink simulates the peripheral going away.
func (f *FakeTransport) DropLink() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.linkDropped {
		f.linkDropped = true
		close(f.disconnected)
	}
}

// Writes returns a copy of all recorded writes.
func (f *FakeTransport) Writes() []WriteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WriteRecord(nil), f.writes...)
}

func (f *FakeTransport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *FakeTransport) DisconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls
}

func (f *FakeTransport) UnsubscribeCalls(char string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribeCalls[device.NormalizeUUID(char)]
}

// Subscribed reports whether a handler is currently attached to char.
func (f *FakeTransport) Subscribed(char string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[device.NormalizeUUID(char)] != nil
}

// NewThermometerTransport returns a transport exposing the thermometer GATT
// profile that answers the autopair command with the given status bytes.
func NewThermometerTransport(address string, status ...byte) *FakeTransport {
	return NewFakeTransport(address).
		FromJSON(`{
			"services": [
				{
					"uuid": "fff0",
					"characteristics": [
						{ "uuid": "fff1" },
						{ "uuid": "fff2" },
						{ "uuid": "fff4" },
						{ "uuid": "fff5" }
					]
				}
			]
		}`).
		OnWrite(func(t *FakeTransport, char string, _ []byte) error {
			if char == "fff2" {
				t.Notify("fff1", status, true)
			}
			return nil
		})
}
