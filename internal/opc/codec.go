package opc

import (
	"encoding/binary"
	"fmt"
	"math"
)

// combineU16 combines a least/most significant byte pair into an unsigned
// 16-bit value: (msb<<8)|lsb.
func combineU16(lsb, msb byte) uint16 {
	return uint16(msb)<<8 | uint16(lsb)
}

// combineU32 assembles four little-endian bytes into an unsigned 32-bit
// value: b[3]<<24 | b[2]<<16 | b[1]<<8 | b[0].
func combineU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("opc: need 4 bytes for u32, got %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// floatFrom reinterprets four payload bytes as an IEEE-754 single-precision
// float. Modern firmwares transmit little-endian floats; the legacy layout
// carries them byte-reversed, so the generation tag selects the codec path.
func floatFrom(b []byte, gen Generation) (float64, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("opc: need 4 bytes for float, got %d", len(b))
	}
	var bits uint32
	if gen == Legacy {
		bits = binary.BigEndian.Uint32(b)
	} else {
		bits = binary.LittleEndian.Uint32(b)
	}
	return float64(math.Float32frombits(bits)), nil
}

// mtofMicroseconds converts a raw mean-time-of-flight byte to microseconds.
func mtofMicroseconds(b byte) float64 {
	return float64(b) / 3.0
}

// tempCelsius decodes four bytes as temperature in degrees Celsius
// (assembled u32 in decidegrees).
func tempCelsius(b []byte) (float64, error) {
	v, err := combineU32(b)
	if err != nil {
		return 0, err
	}
	return float64(v) / 10.0, nil
}

// pressurePascal decodes four bytes as pressure in pascals, unscaled.
func pressurePascal(b []byte) (uint32, error) {
	return combineU32(b)
}

// samplingPeriod decodes the sampling period in seconds. Legacy firmwares
// report raw ticks of a 12 MHz counter; modern firmwares report an IEEE
// float directly.
func samplingPeriod(b []byte, gen Generation) (float64, error) {
	if gen == Legacy {
		v, err := combineU32(b)
		if err != nil {
			return 0, err
		}
		return float64(v) / 12e6, nil
	}
	return floatFrom(b, gen)
}
