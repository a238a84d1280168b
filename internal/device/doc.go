// Package device defines the BLE abstractions the thermometer session engine
// is written against.
//
// It provides:
//   - Adapter and Central: a powered-on radio that can scan for peripherals
//   - Transport: connect, GATT discovery, subscribe, write and disconnect
//     for a single peripheral
//   - the session error taxonomy (DeviceNotFound, ProtocolViolation,
//     TransportError) shared by the session and its supervisor
//   - UUID normalization so identifiers compare equal regardless of format
//
// The go-ble backed implementation lives in the goble subpackage.
package device
