package opc

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned by write-path operations the device firmware
// exposes but does not implement (config writes, serial number writes).
var ErrNotSupported = errors.New("opc: operation not supported by device firmware")

// FirmwareError indicates the firmware version could not be resolved at
// construction, or an operation requires a newer firmware than the device
// runs. Method-level checks happen before any bytes are transmitted.
type FirmwareError struct {
	Op   string
	Have FirmwareVersion
	Need int    // minimum required major, 0 when not a gating failure
	Msg  string // detail for construction-time failures
}

func (e *FirmwareError) Error() string {
	if e.Need > 0 {
		return fmt.Sprintf("opc: %s requires firmware v%d+, device has v%s", e.Op, e.Need, e.Have)
	}
	return fmt.Sprintf("opc: %s: %s", e.Op, e.Msg)
}

// ProtocolError indicates an acknowledgement byte did not match the expected
// value. Device state is unknown afterwards; callers should re-query via Ping.
type ProtocolError struct {
	Op   string
	Want []byte
	Got  []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("opc: %s: unexpected ack: got % X, want % X", e.Op, e.Got, e.Want)
}

// DataIntegrityError indicates a histogram payload failed its checksum. The
// reading is discarded; re-issuing the read is safe (the device resets and
// re-accumulates bins on every histogram read).
type DataIntegrityError struct {
	Want uint16 // checksum field from the payload
	Got  uint16 // low 16 bits of the computed bin sum
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("opc: histogram checksum mismatch: sum&0xFFFF=0x%04X, checksum=0x%04X", e.Got, e.Want)
}

// ValidationError indicates an out-of-range input rejected before any
// transfer occurred.
type ValidationError struct {
	Op    string
	Value int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("opc: %s: value %d out of range (0-255)", e.Op, e.Value)
}
