package transport

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// DefaultSPISpeed is the bus clock the OPC-N2 is specified for.
const DefaultSPISpeed = 500 * physic.KiloHertz

// SPIConfig holds SPI transport configuration.
type SPIConfig struct {
	// Port is a spireg port name, e.g. "SPI0.0". Empty selects the first
	// available port.
	Port string `yaml:"port" json:"port"`
	// SpeedHz overrides the bus clock. 0 means DefaultSPISpeed.
	SpeedHz int64 `yaml:"speed_hz" json:"speedHz"`
}

// SPI drives the device over a native SPI port in mode 1 (clock idle low,
// data sampled on the trailing edge), MSB first.
type SPI struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenSPI opens and configures an SPI port. periph's host drivers must be
// registered first (driverreg.Init in the caller).
func OpenSPI(cfg SPIConfig) (*SPI, error) {
	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("transport: open spi %q: %w", cfg.Port, err)
	}
	speed := DefaultSPISpeed
	if cfg.SpeedHz > 0 {
		speed = physic.Frequency(cfg.SpeedHz) * physic.Hertz
	}
	conn, err := port.Connect(speed, spi.Mode1, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: configure spi %q: %w", cfg.Port, err)
	}
	return &SPI{port: port, conn: conn}, nil
}

// Transfer performs one full-duplex exchange.
func (s *SPI) Transfer(out []byte) ([]byte, error) {
	in := make([]byte, len(out))
	if err := s.conn.Tx(out, in); err != nil {
		return nil, fmt.Errorf("transport: spi tx: %w", err)
	}
	return in, nil
}

// Close releases the port.
func (s *SPI) Close() error {
	return s.port.Close()
}
