package main

import (
	"errors"
	"fmt"

	"github.com/srg/thermobridge/internal/device"
)

// Command-level errors
var (
	// ErrNoSinks indicates the configuration selected no usable destination for readings.
	ErrNoSinks = errors.New("no sink configured")
)

// FormatUserError turns an error chain into a one-line message for the terminal.
// Classified session errors get a hint; everything else is printed as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return fmt.Sprintf("Bluetooth is not available, check that the adapter is powered on (%v)", err)
	case errors.Is(err, device.ErrDeviceNotFound):
		return fmt.Sprintf("thermometer not reachable: %v", err)
	case errors.Is(err, device.ErrProtocolViolation):
		return fmt.Sprintf("thermometer does not behave as expected, is it a supported model? (%v)", err)
	case errors.Is(err, device.ErrTransport):
		return fmt.Sprintf("Bluetooth failure: %v", err)
	}
	return err.Error()
}
