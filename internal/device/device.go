package device

import (
	"context"
	"strings"
)

// Advertisement is the subset of a BLE advertisement needed to find a peripheral.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Services() []string
	Connectable() bool
}

// Central is a powered-on BLE adapter that can scan and hand out transports.
type Central interface {
	// Scan delivers advertisements to handler until ctx is done.
	// Cancelling ctx is the only way to stop a scan.
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error

	// Transport returns an unconnected transport for the advertised peripheral.
	Transport(adv Advertisement) Transport
}

// Adapter resolves a powered-on Central, replacing ambient "adapter ready" state.
type Adapter interface {
	WaitReady(ctx context.Context) (Central, error)
	Close() error
}

// Service is an opaque handle to a discovered GATT service.
type Service interface {
	UUID() string
}

// Characteristic is an opaque handle to a discovered GATT characteristic.
type Characteristic interface {
	UUID() string
}

// Notification is a single value pushed by a subscribed characteristic.
type Notification struct {
	Data           []byte
	IsNotification bool
}

// NotificationHandler receives notifications for one characteristic.
// It is invoked from the BLE stack's goroutine and must not block.
type NotificationHandler func(Notification)

// Transport is the BLE primitive surface a thermometer session is built on.
// A Transport owns at most one underlying connection.
type Transport interface {
	Address() string

	Connect(ctx context.Context) error

	// DiscoverService returns the service with the given UUID, or a *NotFoundError.
	DiscoverService(ctx context.Context, uuid string) (Service, error)

	// DiscoverCharacteristics resolves every requested UUID, keyed by normalized UUID.
	// Any missing characteristic yields a *NotFoundError listing all of them.
	DiscoverCharacteristics(ctx context.Context, svc Service, uuids []string) (map[string]Characteristic, error)

	// Subscribe registers handler as the only listener of char.
	Subscribe(ctx context.Context, char Characteristic, handler NotificationHandler) error

	// Unsubscribe detaches the listener of char. Once it returns the handler is not called again.
	Unsubscribe(char Characteristic) error

	Write(ctx context.Context, char Characteristic, data []byte, withResponse bool) error

	// Disconnected is closed when the link drops for any reason. Nil if unsupported.
	Disconnected() <-chan struct{}

	Disconnect() error
}

// SameAddress compares two device addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
