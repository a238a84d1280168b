package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID...])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %s not found in service %q", e.Resource, quoteAll(e.UUIDs[1:]), e.UUIDs[0])
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, ", ")
}

// ErrorKind classifies session failures by how the supervisor must react to them.
type ErrorKind string

const (
	// KindDeviceNotFound is recoverable: the device is temporarily unreachable.
	KindDeviceNotFound ErrorKind = "device_not_found"
	// KindProtocolViolation is fatal: the firmware contract was not honoured.
	KindProtocolViolation ErrorKind = "protocol_violation"
	// KindTransport is fatal unless a timeout boundary reclassifies it.
	KindTransport ErrorKind = "transport"
)

// SessionError is the typed error produced by every session-level operation.
type SessionError struct {
	Kind ErrorKind
	Op   string // "connect", "discover", "pair", "watchdog", ...
	Msg  string
	Err  error
}

func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	switch e.Kind {
	case KindDeviceNotFound:
		b.WriteString("device not found")
	case KindProtocolViolation:
		b.WriteString("protocol violation")
	default:
		b.WriteString("transport error")
	}
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinels for the session error taxonomy
var (
	ErrDeviceNotFound    = &SessionError{Kind: KindDeviceNotFound}
	ErrProtocolViolation = &SessionError{Kind: KindProtocolViolation}
	ErrTransport         = &SessionError{Kind: KindTransport}
)

// Adapter and link level errors reported by the BLE stack
var (
	ErrBluetoothOff  = errors.New("bluetooth is turned off")
	ErrNotConnected  = errors.New("not connected")
	ErrTimeout       = errors.New("timeout")
	ErrScanInProcess = errors.New("scan already in progress")
)

// DeviceNotFound builds a recoverable error.
func DeviceNotFound(op string, err error, format string, args ...any) error {
	return &SessionError{Kind: KindDeviceNotFound, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ProtocolViolation builds a fatal firmware-contract error.
func ProtocolViolation(op string, err error, format string, args ...any) error {
	return &SessionError{Kind: KindProtocolViolation, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// TransportError wraps a raw BLE failure. Errors that are already classified pass through unchanged.
func TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *SessionError
	if errors.As(err, &serr) {
		return err
	}
	return &SessionError{Kind: KindTransport, Op: op, Err: err}
}

// KindOf returns the kind of the outermost SessionError in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}

// IsDeviceNotFound reports whether err is recoverable by retrying session acquisition.
func IsDeviceNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}

// NormalizeError maps known BLE stack error strings to the sentinel errors above.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "scan already in process"):
		return fmt.Errorf("%w: %v", ErrScanInProcess, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
