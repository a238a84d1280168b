package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/thermobridge/internal/clock"
	"github.com/srg/thermobridge/internal/device"
)

// AdvertisementBuilder builds fake advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// FakeAdvertisement is a static device.Advertisement.
type FakeAdvertisement struct {
	Name          string
	Address       string
	SignalRSSI    int
	ServiceUUIDs  []string
	IsConnectable bool
}

func (a FakeAdvertisement) LocalName() string  { return a.Name }
func (a FakeAdvertisement) Addr() string       { return a.Address }
func (a FakeAdvertisement) RSSI() int          { return a.SignalRSSI }
func (a FakeAdvertisement) Services() []string { return a.ServiceUUIDs }
func (a FakeAdvertisement) Connectable() bool  { return a.IsConnectable }

// NewAdvertisementBuilder starts a connectable advertisement for address.
func NewAdvertisementBuilder(address string) *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{Address: address, IsConnectable: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.SignalRSSI = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnectable = c
	return b
}

func (b *AdvertisementBuilder) Build() FakeAdvertisement {
	return b.adv
}

// FakeCentral replays a fixed set of advertisements on every scan and hands
// out transports registered per address.
type FakeCentral struct {
	mu          sync.Mutex
	adverts     []device.Advertisement
	transports  map[string]func() device.Transport
	scanErr     error
	scanStarts  int
	scanStops   int
	activeScans int
}

func NewFakeCentral(adverts ...device.Advertisement) *FakeCentral {
	return &FakeCentral{
		adverts:    adverts,
		transports: make(map[string]func() device.Transport),
	}
}

// WithTransport registers the factory used for address. Unregistered
// addresses get a thermometer transport that pairs successfully.
func (c *FakeCentral) WithTransport(address string, factory func() device.Transport) *FakeCentral {
	c.transports[address] = factory
	return c
}

// WithScanError makes Scan fail immediately.
func (c *FakeCentral) WithScanError(err error) *FakeCentral {
	c.scanErr = err
	return c
}

// Scan delivers the advertisements and then blocks until ctx ends, like a real scan.
func (c *FakeCentral) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	c.mu.Lock()
	if c.scanErr != nil {
		c.mu.Unlock()
		return c.scanErr
	}
	c.scanStarts++
	c.activeScans++
	adverts := append([]device.Advertisement(nil), c.adverts...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.scanStops++
		c.activeScans--
		c.mu.Unlock()
	}()

	for _, adv := range adverts {
		if ctx.Err() != nil {
			break
		}
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *FakeCentral) Transport(adv device.Advertisement) device.Transport {
	c.mu.Lock()
	factory := c.transports[adv.Addr()]
	c.mu.Unlock()
	if factory != nil {
		return factory()
	}
	return NewThermometerTransport(adv.Addr(), 0x21)
}

// ScanCounts returns how many scans were started and stopped, and how many are still running.
func (c *FakeCentral) ScanCounts() (starts, stops, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanStarts, c.scanStops, c.activeScans
}

// FakeAdapter is a device.Adapter whose readiness is scripted.
type FakeAdapter struct {
	mu      sync.Mutex
	central device.Central
	clock   clock.Clock
	hang    bool
	err     error
	calls   []time.Time
	closed  int
}

// NewFakeAdapter returns an adapter that is immediately ready with central.
func NewFakeAdapter(central device.Central) *FakeAdapter {
	return &FakeAdapter{central: central}
}

// WithNeverReady makes WaitReady block until its context ends.
func (a *FakeAdapter) WithNeverReady() *FakeAdapter {
	a.hang = true
	return a
}

func (a *FakeAdapter) WithError(err error) *FakeAdapter {
	a.err = err
	return a
}

// WithClock records WaitReady call times from clk.
func (a *FakeAdapter) WithClock(clk clock.Clock) *FakeAdapter {
	a.clock = clk
	return a
}

func (a *FakeAdapter) WaitReady(ctx context.Context) (device.Central, error) {
	a.mu.Lock()
	now := time.Time{}
	if a.clock != nil {
		now = a.clock.Now()
	}
	a.calls = append(a.calls, now)
	hang, err, central := a.hang, a.err, a.central
	a.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return central, nil
}

func (a *FakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return nil
}

// CloseCalls returns how many times Close was called.
func (a *FakeAdapter) CloseCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Calls returns the time of every WaitReady call.
func (a *FakeAdapter) Calls() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.calls...)
}
