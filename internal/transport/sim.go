package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// SimConfig holds simulated-device configuration.
type SimConfig struct {
	// FirmwareMajor selects which firmware the simulated device reports.
	// 0 means 18. Majors below 16 make it answer with the legacy payload
	// layout.
	FirmwareMajor int `yaml:"firmware_major" json:"firmwareMajor"`
	FirmwareMinor int `yaml:"firmware_minor" json:"firmwareMinor"`
}

// replyFn produces the reply to one clocked byte of an in-flight exchange.
type replyFn func(in byte) byte

// Sim is an in-memory OPC-N2 behavioral model. It answers every command
// byte with protocol-correct acknowledgements and payloads (valid checksums
// included), so the full decoder runs unchanged in demo mode and in tests.
type Sim struct {
	mu    sync.Mutex
	queue []replyFn
	rng   *rand.Rand

	major, minor int
	tick         float64

	fanOn, laserOn   bool
	fanDAC, laserDAC byte
	lastSave         byte
}

// NewSim creates a simulated device.
func NewSim(cfg SimConfig) *Sim {
	if cfg.FirmwareMajor == 0 {
		cfg.FirmwareMajor = 18
		cfg.FirmwareMinor = 2
	}
	return &Sim{
		rng:      rand.New(rand.NewSource(1)),
		major:    cfg.FirmwareMajor,
		minor:    cfg.FirmwareMinor,
		fanDAC:   255,
		laserDAC: 230,
	}
}

// Transfer answers each written byte: queued continuation bytes first,
// otherwise the byte starts a new command.
func (s *Sim) Transfer(out []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := make([]byte, len(out))
	for i, b := range out {
		if len(s.queue) > 0 {
			fn := s.queue[0]
			s.queue = s.queue[1:]
			in[i] = fn(b)
			continue
		}
		in[i] = s.command(b)
	}
	return in, nil
}

// Close is a no-op for the simulated device.
func (s *Sim) Close() error { return nil }

const (
	simCmdPower      = 0x03
	simCmdSerial     = 0x10
	simCmdFirmware   = 0x12
	simCmdPotStatus  = 0x13
	simCmdHistogram  = 0x30
	simCmdPM         = 0x32
	simCmdConfig     = 0x3C
	simCmdConfigV2   = 0x3D
	simCmdInfo       = 0x3F
	simCmdBootloader = 0x41
	simCmdSetDAC     = 0x42
	simCmdSave       = 0x43
	simCmdPing       = 0xCF
	simAck           = 0xF3
)

// command starts a new exchange and returns the immediate reply byte.
func (s *Sim) command(b byte) byte {
	switch b {
	case simCmdPing, simCmdBootloader:
		return simAck

	case simCmdPower:
		s.queue = append(s.queue, func(target byte) byte {
			switch target {
			case 0x00:
				s.fanOn, s.laserOn = true, true
			case 0x01:
				s.fanOn, s.laserOn = false, false
			case 0x02:
				s.laserOn = true
			case 0x03:
				s.laserOn = false
			case 0x04:
				s.fanOn = true
			case 0x05:
				s.fanOn = false
			}
			return 0x03
		})
		return simAck

	case simCmdSetDAC:
		var target byte
		s.queue = append(s.queue,
			func(t byte) byte { target = t; return simCmdSetDAC },
			func(v byte) byte {
				if target == 0x00 {
					s.fanDAC = v
				} else {
					s.laserDAC = v
				}
				return target
			})
		return simAck

	case simCmdSave:
		s.lastSave = simCmdSave
		echo := func(in byte) byte {
			r := s.lastSave
			s.lastSave = in
			return r
		}
		for i := 0; i < 5; i++ {
			s.queue = append(s.queue, echo)
		}
		return simAck

	case simCmdInfo:
		s.enqueue(s.infoString())
		return simAck

	case simCmdSerial:
		s.enqueue(padDevString("OPC-N2 100200019"))
		return simAck

	case simCmdFirmware:
		s.enqueue([]byte{byte(s.major), byte(s.minor)})
		return simAck

	case simCmdPotStatus:
		s.enqueue([]byte{boolByte(s.fanOn), boolByte(s.laserOn), s.fanDAC, s.laserDAC})
		return simAck

	case simCmdHistogram:
		s.enqueue(s.histogramPayload())
		return simAck

	case simCmdPM:
		s.enqueue(s.pmPayload())
		return simAck

	case simCmdConfig:
		s.enqueue(s.configPayload())
		return simAck

	case simCmdConfigV2:
		s.enqueue([]byte{1, 0, 0, 0, 0, 0, 0xE6, 0xF1, 0})
		return simAck
	}
	return 0x00
}

// enqueue schedules a payload to be clocked out on the following transfers.
func (s *Sim) enqueue(payload []byte) {
	for _, b := range payload {
		v := b
		s.queue = append(s.queue, func(byte) byte { return v })
	}
}

func (s *Sim) legacy() bool { return s.major < 16 }

func (s *Sim) infoString() []byte {
	return padDevString(fmt.Sprintf("OPC-N2 FirmwareVer=OPC-%03d.%d", s.major, s.minor))
}

// padDevString pads to the fixed 60-byte string format the device uses.
func padDevString(str string) []byte {
	buf := make([]byte, 60)
	copy(buf, str)
	for i := len(str); i < 58; i++ {
		buf[i] = '.'
	}
	buf[58], buf[59] = 'B', 'D'
	return buf
}

// histogramPayload builds a 62-byte histogram with a consistent checksum,
// bin counts drifting over time the way a live sensor's do.
func (s *Sim) histogramPayload() []byte {
	s.tick += 1.0
	buf := make([]byte, 62)

	var sum uint32
	for i := 0; i < 16; i++ {
		base := 400.0 * math.Exp(-float64(i)/2.5)
		c := uint16(base * (0.8 + 0.4*s.rng.Float64()))
		binary.LittleEndian.PutUint16(buf[2*i:], c)
		sum += uint32(c)
	}
	for i := 32; i < 36; i++ {
		buf[i] = byte(30 + s.rng.Intn(30)) // raw MToF, thirds of a µs
	}

	period := 1.4 + 0.2*s.rng.Float64()
	if s.legacy() {
		// Temperature in decidegrees, pressure in Pa, period in 12 MHz ticks.
		binary.LittleEndian.PutUint32(buf[36:], uint32(250+s.rng.Intn(40)))
		binary.LittleEndian.PutUint32(buf[40:], uint32(101000+s.rng.Intn(600)))
		binary.LittleEndian.PutUint32(buf[44:], uint32(period*12e6))
	} else {
		// Flow rate in ml/s, then decidegrees low enough to read as
		// temperature, then the period as a float.
		s.putFloat(buf[36:], 3.7)
		binary.LittleEndian.PutUint32(buf[40:], uint32(250+s.rng.Intn(30)))
		s.putFloat(buf[44:], float32(period))
	}
	binary.LittleEndian.PutUint16(buf[48:], uint16(sum&0xFFFF))

	pm1 := float32(2 + 6*s.rng.Float64())
	s.putFloat(buf[50:], pm1)
	s.putFloat(buf[54:], pm1*2.1)
	s.putFloat(buf[58:], pm1*3.4)
	return buf
}

func (s *Sim) pmPayload() []byte {
	buf := make([]byte, 12)
	pm1 := float32(2 + 6*s.rng.Float64())
	s.putFloat(buf[0:], pm1)
	s.putFloat(buf[4:], pm1*2.1)
	s.putFloat(buf[8:], pm1*3.4)
	return buf
}

func (s *Sim) configPayload() []byte {
	buf := make([]byte, 256)
	for i := 0; i < 15; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(120+i*250))
	}
	for i := 0; i < 16; i++ {
		// Particle volume, particle density, sample volume weight.
		s.putFloat(buf[4*i+32:], float32(0.05*math.Pow(1.8, float64(i))))
		s.putFloat(buf[4*i+96:], 1.65)
		s.putFloat(buf[4*i+160:], 1.0)
	}
	s.putFloat(buf[224:], 1.0) // gain scaling
	s.putFloat(buf[228:], 3.7) // sample flow rate
	buf[232] = s.laserDAC
	buf[233] = s.fanDAC
	buf[234] = 87
	return buf
}

// putFloat encodes an IEEE float the way the simulated firmware generation
// transmits it: little-endian on modern firmwares, byte-reversed on legacy.
func (s *Sim) putFloat(buf []byte, v float32) {
	bits := math.Float32bits(v)
	if s.legacy() {
		binary.BigEndian.PutUint32(buf, bits)
	} else {
		binary.LittleEndian.PutUint32(buf, bits)
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
