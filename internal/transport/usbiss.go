package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// USB-ISS adapter protocol bytes. The adapter presents a CDC serial port;
// baud rate is ignored by the hardware.
const (
	issCmd        = 0x5A
	issSetMode    = 0x02
	issSPITx      = 0x61
	issAck        = 0xFF
	issModeSPI    = 0x90 // base operating mode; SPI mode number is added
	issModeOK     = 0x00
	issReadChunk  = 62 // largest payload the adapter moves per exchange
	issReadWaitMs = 500
)

// USBISSConfig holds USB-ISS transport configuration.
type USBISSConfig struct {
	// Port is the serial device path, e.g. /dev/ttyACM0.
	Port string `yaml:"port" json:"port"`
	// SPIMode is the SPI clock mode (1-3). 0 selects mode 1, the mode the
	// OPC-N2 requires.
	SPIMode int `yaml:"spi_mode" json:"spiMode"`
	// Divisor sets the SPI clock: 6 MHz / (divisor + 1). 11 gives the
	// 500 kHz the sensor is specified for.
	Divisor byte `yaml:"divisor" json:"divisor"`
}

// USBISS drives the device through a Devantech USB-ISS serial-to-SPI
// bridge, the adapter the reference host setups used when no native SPI
// port was available.
type USBISS struct {
	port serial.Port
}

// OpenUSBISS opens the serial port and switches the adapter into SPI mode.
func OpenUSBISS(cfg USBISSConfig) (*USBISS, error) {
	if cfg.SPIMode < 0 || cfg.SPIMode > 3 {
		return nil, fmt.Errorf("transport: usbiss: spi mode %d out of range", cfg.SPIMode)
	}
	if cfg.SPIMode == 0 {
		cfg.SPIMode = 1
	}
	if cfg.Divisor == 0 {
		cfg.Divisor = 11
	}

	mode := &serial.Mode{
		BaudRate: 9600, // ignored by the adapter, required by the API
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open usbiss %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: usbiss timeout: %w", err)
	}

	u := &USBISS{port: port}
	if err := u.setMode(byte(issModeSPI+cfg.SPIMode), cfg.Divisor); err != nil {
		port.Close()
		return nil, err
	}
	return u, nil
}

// setMode issues the operating-mode exchange and checks the two-byte reply.
func (u *USBISS) setMode(mode, divisor byte) error {
	if _, err := u.port.Write([]byte{issCmd, issSetMode, mode, divisor}); err != nil {
		return fmt.Errorf("transport: usbiss set mode: %w", err)
	}
	resp := make([]byte, 2)
	if err := u.readExact(resp); err != nil {
		return fmt.Errorf("transport: usbiss set mode: %w", err)
	}
	if resp[0] != issAck || resp[1] != issModeOK {
		return fmt.Errorf("transport: usbiss rejected SPI mode 0x%02X (reply % X)", mode, resp)
	}
	return nil
}

// Transfer frames the outgoing bytes in an adapter SPI exchange: the reply
// is one acknowledgement byte followed by the bytes clocked back from the
// sensor.
func (u *USBISS) Transfer(out []byte) ([]byte, error) {
	if len(out) == 0 {
		return nil, nil
	}
	if len(out) > issReadChunk {
		return nil, fmt.Errorf("transport: usbiss transfer of %d bytes exceeds adapter limit %d", len(out), issReadChunk)
	}

	frame := make([]byte, 0, len(out)+1)
	frame = append(frame, issSPITx)
	frame = append(frame, out...)
	if _, err := u.port.Write(frame); err != nil {
		return nil, fmt.Errorf("transport: usbiss write: %w", err)
	}

	resp := make([]byte, len(out)+1)
	if err := u.readExact(resp); err != nil {
		return nil, fmt.Errorf("transport: usbiss read: %w", err)
	}
	if resp[0] != issAck {
		return nil, fmt.Errorf("transport: usbiss nack 0x%02X", resp[0])
	}
	return resp[1:], nil
}

// readExact fills buf from the serial port within the adapter deadline.
func (u *USBISS) readExact(buf []byte) error {
	deadline := time.Now().Add(issReadWaitMs * time.Millisecond)
	got := 0
	for got < len(buf) {
		n, err := u.port.Read(buf[got:])
		if err != nil && n == 0 {
			return fmt.Errorf("read error after %d/%d bytes: %w", got, len(buf), err)
		}
		got += n
		if n == 0 && time.Now().After(deadline) {
			return fmt.Errorf("incomplete: got %d bytes, want %d", got, len(buf))
		}
	}
	return nil
}

// Close releases the serial port.
func (u *USBISS) Close() error {
	return u.port.Close()
}
