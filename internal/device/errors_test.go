package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionError_Classification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     ErrorKind
		sentinel error
		message  string
	}{
		{
			name:     "device not found",
			err:      DeviceNotFound("connect", context.DeadlineExceeded, "no connection within %s", "10s"),
			kind:     KindDeviceNotFound,
			sentinel: ErrDeviceNotFound,
			message:  "device not found during connect: no connection within 10s: context deadline exceeded",
		},
		{
			name:     "protocol violation",
			err:      ProtocolViolation("pair", nil, "unexpected pairing status 0x%02x", 0),
			kind:     KindProtocolViolation,
			sentinel: ErrProtocolViolation,
			message:  "protocol violation during pair: unexpected pairing status 0x00",
		},
		{
			name:     "transport",
			err:      TransportError("subscribe", errors.New("att: write failed")),
			kind:     KindTransport,
			sentinel: ErrTransport,
			message:  "transport error during subscribe: att: write failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.message, tt.err.Error())
			assert.Equal(t, tt.kind == KindDeviceNotFound, IsDeviceNotFound(tt.err))
		})
	}
}

func TestSessionError_WrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("attempt 3: %w", DeviceNotFound("scan", nil, "sensor not seen"))

	assert.True(t, IsDeviceNotFound(err))
	assert.NotErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, KindDeviceNotFound, KindOf(err))
}

func TestSessionError_UnwrapsCause(t *testing.T) {
	cause := &NotFoundError{Resource: "characteristic", UUIDs: []string{"fff0", "fff4"}}
	err := ProtocolViolation("discover", cause, "required characteristics missing")

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, `characteristic "fff4" not found in service "fff0"`, notFound.Error())
}

func TestTransportError_KeepsClassifiedErrors(t *testing.T) {
	classified := DeviceNotFound("pair", nil, "timeout")

	assert.Same(t, classified, TransportError("write", classified))
	assert.Nil(t, TransportError("write", nil))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		input    string
		sentinel error
	}{
		{"central manager has invalid state: 4", ErrBluetoothOff},
		{"can't init hci: no devices available", ErrBluetoothOff},
		{"Device Not Connected", ErrNotConnected},
		{"peripheral disconnected", ErrNotConnected},
		{"scan already in process", ErrScanInProcess},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.input))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Contains(t, err.Error(), tt.input)
		})
	}

	other := errors.New("att: insufficient authentication")
	assert.Same(t, other, NormalizeError(other))
	assert.NoError(t, NormalizeError(nil))
}
