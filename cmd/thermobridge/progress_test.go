package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/supervisor"
	"github.com/srg/thermobridge/internal/testutils"
	"github.com/srg/thermobridge/internal/thermometer"
	"github.com/stretchr/testify/assert"
)

func TestStreamReporter_Session(t *testing.T) {
	// GOAL: Verify the operator sees each phase confirmed and a steady data counter
	//
	// TEST SCENARIO: All phases → first reading → 250 readings → session lost → retry

	var buf bytes.Buffer
	r := NewStreamReporter(&buf)

	r.Phase(supervisor.PhaseWaitingForBluetooth)
	r.Phase(supervisor.PhaseFindingThermometer)
	r.Phase(supervisor.PhaseConnecting)
	r.Phase(supervisor.PhasePairing)
	r.Phase(supervisor.PhaseStreaming)
	for i := uint64(1); i <= 250; i++ {
		r.Reading(i, thermometer.ProbeReading{})
	}
	r.Retry(1, device.DeviceNotFound("watchdog", nil, "no data for 10s"), 30*time.Second)
	r.Phase(supervisor.PhaseWaitingForBluetooth)
	r.Done(errors.New("interrupted"))

	testutils.NewTextAsserter(t).Assert(buf.String(), `Waiting for Bluetooth... OK
Finding thermometer... OK
Connecting... OK
Pairing... OK
Data connected
..
thermometer not reachable: device not found during watchdog: no data for 10s
Retrying in 30s
Waiting for Bluetooth... FAILED
`)
}

func TestStreamReporter_Counter(t *testing.T) {
	var buf bytes.Buffer
	r := NewStreamReporter(&buf)

	for i := uint64(1); i <= 20000; i++ {
		r.Reading(i, thermometer.ProbeReading{})
	}

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Data connected\n"))
	counter := strings.TrimPrefix(out, "Data connected\n")
	assert.Equal(t, 200, len(counter))
	assert.Equal(t, 2, strings.Count(counter, ","), "every 10000th reading MUST print a comma instead of a dot")
	assert.Equal(t, byte(','), counter[99])
}

func TestStreamReporter_DoneClosesPhase(t *testing.T) {
	var buf bytes.Buffer
	r := NewStreamReporter(&buf)

	r.Phase(supervisor.PhaseFindingThermometer)
	r.Done(nil)
	r.Done(nil)

	assert.Equal(t, "Finding thermometer... OK\n", buf.String())
}

func TestProgressPrinter_StopPhase(t *testing.T) {
	var buf bytes.Buffer
	p := NewCountdownProgressPrinter(&buf, "Scanning for thermometers", "Scanning", 0, "Processing results")

	p.Start()
	p.Callback()("Processing results")
	p.Stop()

	assert.Equal(t, "\rScanning for thermometers (Scanning...)   "+clearLineSequence, buf.String(),
		"a stop phase MUST clear the line exactly once")
	assert.Panics(t, p.Start, "a printer MUST NOT be restarted")
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"bluetooth off", device.DeviceNotFound("adapter", device.ErrBluetoothOff, "not ready"), "Bluetooth is not available"},
		{"not found", device.DeviceNotFound("scan", nil, "could not find sensor"), "thermometer not reachable: device not found during scan: could not find sensor"},
		{"protocol", device.ProtocolViolation("pair", nil, "unexpected status"), "is it a supported model?"},
		{"transport", device.TransportError("connect", errors.New("hci")), "Bluetooth failure: transport error during connect: hci"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
