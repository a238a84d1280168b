package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/thermobridge/internal/clock"
	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAdvertisement implements ble.Advertisement for testing
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string              { return m.Called().String(0) }
func (m *MockAdvertisement) ManufacturerData() []byte       { return nil }
func (m *MockAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (m *MockAdvertisement) OverflowService() []ble.UUID    { return nil }
func (m *MockAdvertisement) TxPowerLevel() int              { return 0 }
func (m *MockAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (m *MockAdvertisement) Connectable() bool              { return m.Called().Bool(0) }
func (m *MockAdvertisement) RSSI() int                      { return m.Called().Int(0) }

func (m *MockAdvertisement) Services() []ble.UUID {
	return m.Called().Get(0).([]ble.UUID)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	return m.Called().Get(0).(ble.Addr)
}

// fakeDevice is a bleDevice whose scan replays fixed advertisements.
type fakeDevice struct {
	mu      sync.Mutex
	adverts []ble.Advertisement
	dialErr error
	stops   int
}

func (d *fakeDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	for _, adv := range d.adverts {
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Dial(context.Context, ble.Addr) (ble.Client, error) {
	return nil, d.dialErr
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

// scriptedOpen returns the results in order, repeating the last one.
func scriptedOpen(results ...func() (bleDevice, error)) (func() (bleDevice, error), func() int) {
	var mu sync.Mutex
	calls := 0
	open := func() (bleDevice, error) {
		mu.Lock()
		i := calls
		calls++
		mu.Unlock()
		if i >= len(results) {
			i = len(results) - 1
		}
		return results[i]()
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	return open, count
}

func bluetoothOff() (bleDevice, error) {
	return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
}

func newTestAdapter(t *testing.T, clk clock.Clock, open func() (bleDevice, error)) *Adapter {
	a := NewAdapter(testutils.NewTestLogger(t))
	a.open = open
	a.clock = clk
	return a
}

func TestAdapter_WaitReady(t *testing.T) {
	t.Run("polls while bluetooth is off", func(t *testing.T) {
		clk := clock.Fake(testutils.Epoch)
		dev := &fakeDevice{}
		open, calls := scriptedOpen(bluetoothOff, bluetoothOff, func() (bleDevice, error) { return dev, nil })
		adapter := newTestAdapter(t, clk, open)

		result := make(chan error, 1)
		go func() {
			_, err := adapter.WaitReady(context.Background())
			result <- err
		}()
		for i := 0; i < 2; i++ {
			clk.WaitForTimers(1)
			clk.Advance(DefaultPollInterval)
		}

		select {
		case err := <-result:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitReady MUST return once the controller is powered on")
		}
		assert.Equal(t, 3, calls())

		_, err := adapter.WaitReady(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, calls(), "an opened controller MUST be reused")
	})

	t.Run("deadline returns the last bluetooth error", func(t *testing.T) {
		open, _ := scriptedOpen(bluetoothOff)
		adapter := newTestAdapter(t, clock.Real(), open)
		adapter.pollInterval = time.Millisecond

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := adapter.WaitReady(ctx)

		assert.ErrorIs(t, err, device.ErrBluetoothOff)
	})

	t.Run("other errors are returned at once", func(t *testing.T) {
		open, calls := scriptedOpen(func() (bleDevice, error) { return nil, errors.New("permission denied") })
		adapter := newTestAdapter(t, clock.Real(), open)

		_, err := adapter.WaitReady(context.Background())

		assert.EqualError(t, err, "permission denied")
		assert.Equal(t, 1, calls())
	})
}

func TestAdapter_Close(t *testing.T) {
	dev := &fakeDevice{}
	open, calls := scriptedOpen(func() (bleDevice, error) { return dev, nil })
	adapter := newTestAdapter(t, clock.Real(), open)

	require.NoError(t, adapter.Close(), "closing an unopened adapter MUST be a no-op")
	_, err := adapter.WaitReady(context.Background())
	require.NoError(t, err)
	require.NoError(t, adapter.Close())
	_, err = adapter.WaitReady(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, dev.stops)
	assert.Equal(t, 2, calls(), "WaitReady MUST reopen a closed controller")
}

func TestCentral_Scan(t *testing.T) {
	adv := &MockAdvertisement{}
	adv.On("Addr").Return(ble.NewAddr("a4:c1:38:5e:00:01"))
	adv.On("LocalName").Return("iBBQ")
	adv.On("RSSI").Return(-58)
	adv.On("Connectable").Return(true)
	adv.On("Services").Return([]ble.UUID{ble.UUID16(0xfff0)})

	central := &Central{dev: &fakeDevice{adverts: []ble.Advertisement{adv}}, logger: testutils.NewTestLogger(t)}

	ctx, cancel := context.WithCancel(context.Background())
	var seen []device.Advertisement
	err := central.Scan(ctx, false, func(a device.Advertisement) {
		seen = append(seen, a)
		cancel()
	})

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, seen, 1)
	assert.Equal(t, "a4:c1:38:5e:00:01", seen[0].Addr())
	assert.Equal(t, "iBBQ", seen[0].LocalName())
	assert.Equal(t, -58, seen[0].RSSI())
	assert.True(t, seen[0].Connectable())
	assert.Equal(t, []string{"fff0"}, seen[0].Services())
}

func TestCentral_Transport(t *testing.T) {
	central := &Central{dev: &fakeDevice{dialErr: errors.New("device not connected")}, logger: testutils.NewTestLogger(t)}
	adv := testutils.NewAdvertisementBuilder("a4:c1:38:5e:00:01").Build()

	tr := central.Transport(adv)

	assert.Equal(t, "a4:c1:38:5e:00:01", tr.Address())
	assert.ErrorIs(t, tr.Connect(context.Background()), device.ErrNotConnected)
}

func TestNormalizeError(t *testing.T) {
	assert.NoError(t, NormalizeError(nil))
	assert.Equal(t, context.Canceled, NormalizeError(context.Canceled))
	assert.ErrorIs(t, NormalizeError(errors.New("connection timed out")), device.ErrTimeout)
	assert.ErrorIs(t, NormalizeError(errors.New("bluetooth is turned off")), device.ErrBluetoothOff)
}
