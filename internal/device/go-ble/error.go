package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/thermobridge/internal/device"
)

// NormalizeError maps go-ble failures onto the device sentinels.
// Context errors pass through untouched so callers can tell a deadline from a stack failure.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection timed out"), strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return device.NormalizeError(err)
	}
}
