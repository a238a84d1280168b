package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/clock"
	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/ringchan"
	"github.com/srg/thermobridge/internal/thermometer"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Scan phases reported through ProgressCallback.
const (
	PhaseScanning   = "Scanning"
	PhaseProcessing = "Processing results"
)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type  DeviceEventType
	Entry DeviceEntry
}

// DeviceEntry is the latest advertisement seen from one address.
type DeviceEntry struct {
	Address     string
	Name        string
	RSSI        int
	Services    []string
	Connectable bool
	LastSeen    time.Time

	// Thermometer is true when the device advertises the probe service.
	Thermometer bool
	// Target is true when the address matches ScanOptions.Target.
	Target bool
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// ThermometersOnly hides devices that do not advertise the probe service.
	ThermometersOnly bool
	// Target is the configured thermometer address, highlighted in results.
	Target string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner lists nearby BLE devices through a Central.
type Scanner struct {
	central device.Central
	clock   clock.Clock
	logger  *logrus.Logger
	events  *ringchan.RingChannel[DeviceEvent]
}

// NewScanner creates a scanner on top of a powered-on central.
func NewScanner(central device.Central, logger *logrus.Logger) (*Scanner, error) {
	if central == nil {
		return nil, errors.New("central is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		central: central,
		clock:   clock.Real(),
		logger:  logger,
		events:  ringchan.New[DeviceEvent](100),
	}, nil
}

// Events streams discoveries and updates. Old events are dropped when nobody reads.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Scan performs discovery until opts.Duration elapses or ctx ends, and
// returns the devices sorted with the target first, then by signal strength.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]DeviceEntry, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback(PhaseScanning)

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	devices := hashmap.New[string, DeviceEntry]()
	err := s.central.Scan(scanCtx, !opts.DuplicateFilter, func(adv device.Advertisement) {
		s.handleAdvertisement(devices, adv, opts)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}

	s.logger.WithField("device_count", devices.Len()).Info("BLE scan completed")
	progressCallback(PhaseProcessing)

	entries := make([]DeviceEntry, 0, devices.Len())
	devices.Range(func(_ string, e DeviceEntry) bool {
		entries = append(entries, e)
		return true
	})
	SortEntries(entries)

	return entries, ctx.Err()
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(devices *hashmap.Map[string, DeviceEntry], adv device.Advertisement, opts *ScanOptions) {
	entry := s.entryFor(adv, opts)
	if opts.ThermometersOnly && !entry.Thermometer {
		return
	}
	key := strings.ToUpper(strings.TrimSpace(entry.Address))

	prev, existing := devices.Get(key)
	if existing && entry.Name == "" {
		// Scan responses often omit the name; keep the one we already have.
		entry.Name = prev.Name
	}
	devices.Set(key, entry)

	event := DeviceEvent{Entry: entry, Type: EventUpdated}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  entry.Name,
			"address": entry.Address,
			"rssi":    entry.RSSI,
		}).Info("Discovered new device")
	}
	s.events.Send(event)
}

func (s *Scanner) entryFor(adv device.Advertisement, opts *ScanOptions) DeviceEntry {
	services := device.NormalizeUUIDs(adv.Services())
	entry := DeviceEntry{
		Address:     adv.Addr(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Services:    services,
		Connectable: adv.Connectable(),
		LastSeen:    s.clock.Now(),
		Target:      opts.Target != "" && device.SameAddress(adv.Addr(), opts.Target),
	}
	probeService := device.NormalizeUUID(thermometer.ServiceUUID)
	for _, u := range services {
		if u == probeService {
			entry.Thermometer = true
			break
		}
	}
	return entry
}

// SortEntries orders the target first, then thermometers, then by RSSI and address.
func SortEntries(entries []DeviceEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Target != b.Target {
			return a.Target
		}
		if a.Thermometer != b.Thermometer {
			return a.Thermometer
		}
		if a.RSSI != b.RSSI {
			return a.RSSI > b.RSSI
		}
		return a.Address < b.Address
	})
}
