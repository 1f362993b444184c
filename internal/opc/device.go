// Package opc implements the host-side protocol for Alphasense OPC-N2
// optical particle counters over a synchronous duplex transfer channel.
//
// The device is strictly half-duplex at the application level: every
// operation writes command byte(s), waits a settle delay, then clocks the
// response out one byte per 0x00 filler transfer. One operation may be in
// flight at a time; Device serializes its own methods but the underlying
// channel must not be shared with anything else.
package opc

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dhhagan/go-opc/internal/transport"
)

// Generation selects which payload layout the device firmware uses. It is
// resolved once when the device is opened and never changes afterwards.
type Generation int

const (
	// Legacy covers firmware majors below 16.
	Legacy Generation = iota
	// Modern covers firmware majors 16 and above.
	Modern
)

func (g Generation) String() string {
	if g == Legacy {
		return "legacy"
	}
	return "modern"
}

// FirmwareVersion is the device firmware version. Minor is -1 on firmwares
// older than v18, which have no way to report it.
type FirmwareVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v FirmwareVersion) String() string {
	if v.Minor < 0 {
		return fmt.Sprintf("%d.x", v.Major)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Supported firmware majors for the OPC-N2.
const (
	firmwareMin = 14
	firmwareMax = 18
)

// modernLayoutMin is the first firmware major using the modern payload
// layout; read_firmware and the other v18 commands gate on firmwareMax.
const modernLayoutMin = 16

// Device is a handle to one physical particle counter. All protocol
// operations require the firmware generation resolved by Open; a Device is
// never returned partially initialized.
type Device struct {
	mu sync.Mutex // one command sequence on the bus at a time

	t          transport.Transport
	debug      bool
	numberConc bool

	fw  FirmwareVersion
	gen Generation
}

// Option configures a Device before firmware negotiation runs.
type Option func(*Device)

// WithDebug logs every transfer's bytes in both directions.
func WithDebug(on bool) Option {
	return func(d *Device) { d.debug = on }
}

// WithNumberConcentration makes Histogram report bins as particles per ml
// instead of raw counts. Only modern firmwares carry the sample flow rate
// needed for the conversion; Histogram fails on legacy devices when set.
func WithNumberConcentration(on bool) Option {
	return func(d *Device) { d.numberConc = on }
}

// Open negotiates the firmware version over the given channel and returns a
// usable handle. It fails with a *FirmwareError when the version cannot be
// parsed from the info string or falls outside the supported range. The
// transport is borrowed for the handle's lifetime; Close releases it.
func Open(t transport.Transport, opts ...Option) (*Device, error) {
	d := &Device{t: t, fw: FirmwareVersion{Minor: -1}}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.resolveFirmware(); err != nil {
		return nil, err
	}
	if d.fw.Major < modernLayoutMin {
		d.gen = Legacy
	} else {
		d.gen = Modern
	}
	if d.debug {
		log.Printf("[opc] firmware v%s (%s layout)", d.fw, d.gen)
	}
	return d, nil
}

// Close releases the underlying transfer channel.
func (d *Device) Close() error {
	return d.t.Close()
}

// Firmware returns the version resolved when the device was opened.
func (d *Device) Firmware() FirmwareVersion { return d.fw }

// Generation returns the payload layout the device uses.
func (d *Device) Generation() Generation { return d.gen }

var (
	threeDigitRun = regexp.MustCompile(`\d{3}`)
	oneDigitRun   = regexp.MustCompile(`\d`)
)

// resolveFirmware reads the info string and extracts the trailing numeric
// run ("OPC-N2 FirmwareVer=OPC-018.2..." → 18). Early firmwares print a
// single digit, hence the two-stage fallback. Firmwares v18+ report their
// exact major.minor via a dedicated command.
func (d *Device) resolveFirmware() error {
	info, err := d.InfoString()
	if err != nil {
		return err
	}

	major := 0
	if m := threeDigitRun.FindAllString(info, -1); len(m) > 0 {
		major, _ = strconv.Atoi(m[len(m)-1])
	} else if m := oneDigitRun.FindAllString(info, -1); len(m) > 0 {
		major, _ = strconv.Atoi(m[len(m)-1])
	}
	if major == 0 {
		return &FirmwareError{
			Op:  "open",
			Msg: fmt.Sprintf("no firmware version in info string %q (check wiring and power supply)", strings.TrimRight(info, ".")),
		}
	}
	if major < firmwareMin || major > firmwareMax {
		return &FirmwareError{
			Op:  "open",
			Msg: fmt.Sprintf("firmware v%d not supported (v%d-v%d only)", major, firmwareMin, firmwareMax),
		}
	}
	d.fw.Major = major

	if major >= firmwareMax {
		return d.readFirmware()
	}
	return nil
}

// readFirmware reads the exact major.minor from a v18+ device.
func (d *Device) readFirmware() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdFirmware); err != nil {
		return err
	}
	time.Sleep(settleLong)
	buf, err := d.readPayload(firmwareLen)
	if err != nil {
		return err
	}
	d.fw.Major = int(buf[0])
	d.fw.Minor = int(buf[1])
	return nil
}

// Ping checks the connection. A live device answers the ping byte with the
// ready acknowledgement.
func (d *Device) Ping() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := d.xfer(cmdPing)
	if err != nil {
		return err
	}
	if b[0] != ackReady {
		return &ProtocolError{Op: "ping", Want: []byte{ackReady}, Got: b}
	}
	return nil
}

// On turns the fan and laser on.
func (d *Device) On() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b1, err := d.xfer(cmdPower)
	if err != nil {
		return err
	}
	time.Sleep(settleShort)
	b2, err := d.xfer(powerAllOn, powerAllOff)
	if err != nil {
		return err
	}
	if b1[0] != ackReady || b2[0] != ackPower {
		return &ProtocolError{Op: "on", Want: []byte{ackReady, ackPower}, Got: []byte{b1[0], b2[0]}}
	}
	return nil
}

// Off turns the fan and laser off.
func (d *Device) Off() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b1, err := d.xfer(cmdPower)
	if err != nil {
		return err
	}
	time.Sleep(settleShort)
	b2, err := d.xfer(powerAllOff)
	if err != nil {
		return err
	}
	if b1[0] != ackReady || b2[0] != ackPower {
		return &ProtocolError{Op: "off", Want: []byte{ackReady, ackPower}, Got: []byte{b1[0], b2[0]}}
	}
	return nil
}

// ToggleLaser switches only the laser.
func (d *Device) ToggleLaser(on bool) error {
	target := byte(powerLaserOff)
	if on {
		target = powerLaserOn
	}
	return d.powerToggle("laser", target)
}

// ToggleFan switches only the fan.
func (d *Device) ToggleFan(on bool) error {
	target := byte(powerFanOff)
	if on {
		target = powerFanOn
	}
	return d.powerToggle("fan", target)
}

func (d *Device) powerToggle(op string, target byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b1, err := d.xfer(cmdPower)
	if err != nil {
		return err
	}
	time.Sleep(settleShort)
	b2, err := d.xfer(target)
	if err != nil {
		return err
	}
	if b1[0] != ackReady || b2[0] != ackPower {
		return &ProtocolError{Op: op, Want: []byte{ackReady, ackPower}, Got: []byte{b1[0], b2[0]}}
	}
	return nil
}

// InfoString reads the 60-byte device information string, e.g.
// "OPC-N2 FirmwareVer=OPC-018.2....................BD". It is read fresh
// from the device on every call.
func (d *Device) InfoString() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdInfo); err != nil {
		return "", err
	}
	time.Sleep(settleShort)
	buf, err := d.readPayload(infoLen)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// SerialNumber reads the 60-byte serial number string. Firmware v18+ only.
func (d *Device) SerialNumber() (string, error) {
	if err := d.requireFirmware("serial number", 18); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdSerial); err != nil {
		return "", err
	}
	time.Sleep(settleShort)
	buf, err := d.readPayload(serialLen)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Config reads and decodes the 256-byte configuration table.
func (d *Device) Config() (*ConfigTable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdConfig); err != nil {
		return nil, err
	}
	time.Sleep(settleLong)
	buf, err := d.readPayload(configLen)
	if err != nil {
		return nil, err
	}
	return DecodeConfig(buf, d.gen)
}

// ConfigV2 reads the autonomous-mode settings. Firmware v18+ only.
func (d *Device) ConfigV2() (*ConfigV2, error) {
	if err := d.requireFirmware("config2", 18); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdConfigV2); err != nil {
		return nil, err
	}
	time.Sleep(settleLong)
	buf, err := d.readPayload(configV2Len)
	if err != nil {
		return nil, err
	}
	return DecodeConfigV2(buf)
}

// Histogram reads one histogram and resets the device's bin accumulation (a
// device-level side effect of every histogram read). Readings failing the
// checksum invariant are discarded with a *DataIntegrityError; the caller
// may simply retry. With number-concentration enabled the bins are divided
// by the sampled volume before returning.
func (d *Device) Histogram() (*HistogramReading, error) {
	if d.numberConc && d.gen == Legacy {
		return nil, &FirmwareError{Op: "histogram (number concentration)", Have: d.fw, Need: modernLayoutMin}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdHistogram); err != nil {
		return nil, err
	}
	time.Sleep(settleLong)
	buf, err := d.readPayload(histogramLen)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHistogram(buf, d.gen)
	if err != nil {
		return nil, err
	}
	if d.numberConc {
		h.toNumberConcentration()
	}
	return h, nil
}

// PM reads the particulate-matter values and resets the histogram.
// Firmware v18+ only.
func (d *Device) PM() (*PMReading, error) {
	if err := d.requireFirmware("pm", 18); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdPM); err != nil {
		return nil, err
	}
	time.Sleep(settleLong)
	buf, err := d.readPayload(pmLen)
	if err != nil {
		return nil, err
	}
	return DecodePM(buf, d.gen)
}

// PotStatus reads the digital pot state. Firmware v18+ only.
func (d *Device) PotStatus() (*PotStatus, error) {
	if err := d.requireFirmware("pot status", 18); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.xfer(cmdPotStatus); err != nil {
		return nil, err
	}
	time.Sleep(settleLong)
	buf, err := d.readPayload(potStatusLen)
	if err != nil {
		return nil, err
	}
	return &PotStatus{FanOn: buf[0], LaserOn: buf[1], FanDAC: buf[2], LaserDAC: buf[3]}, nil
}

// SetFanPower sets the fan DAC. Values outside 0-255 are rejected before
// any byte is transmitted.
func (d *Device) SetFanPower(power int) error {
	return d.setDAC("set fan power", dacFan, power)
}

// SetLaserPower sets the laser DAC. Values outside 0-255 are rejected
// before any byte is transmitted.
func (d *Device) SetLaserPower(power int) error {
	return d.setDAC("set laser power", dacLaser, power)
}

func (d *Device) setDAC(op string, target byte, power int) error {
	if power < 0 || power > 255 {
		return &ValidationError{Op: op, Value: power}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.xfer(cmdSetDAC)
	if err != nil {
		return err
	}
	time.Sleep(settleLong)
	b, err := d.xfer(target)
	if err != nil {
		return err
	}
	c, err := d.xfer(byte(power))
	if err != nil {
		return err
	}
	if a[0] != ackReady || b[0] != cmdSetDAC || c[0] != target {
		return &ProtocolError{
			Op:   op,
			Want: []byte{ackReady, cmdSetDAC, target},
			Got:  []byte{a[0], b[0], c[0]},
		}
	}
	return nil
}

// SaveConfig commits configuration variables to non-volatile memory. The
// device echoes the command sequence one transfer late; any deviation is a
// protocol error.
func (d *Device) SaveConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	got := make([]byte, 0, len(saveConfigSeq))
	for i, b := range saveConfigSeq {
		r, err := d.xfer(b)
		if err != nil {
			return err
		}
		got = append(got, r[0])
		if i == 0 {
			time.Sleep(settleLong)
		}
	}
	for i := range got {
		if got[i] != saveConfigAck[i] {
			return &ProtocolError{Op: "save config", Want: saveConfigAck, Got: got}
		}
	}
	return nil
}

// EnterBootloader puts the device in bootloader mode. Required before
// writing configuration to non-volatile memory.
func (d *Device) EnterBootloader() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := d.xfer(cmdBootloader)
	if err != nil {
		return err
	}
	if b[0] != ackReady {
		return &ProtocolError{Op: "enter bootloader", Want: []byte{ackReady}, Got: b}
	}
	return nil
}

// WriteConfig would write the configuration table to non-volatile memory.
// The device protocol defines no working write sequence for it.
func (d *Device) WriteConfig(*ConfigTable) error { return ErrNotSupported }

// WriteConfigV2 would write the autonomous-mode settings.
func (d *Device) WriteConfigV2(*ConfigV2) error { return ErrNotSupported }

// WriteSerialNumber would write the serial number string.
func (d *Device) WriteSerialNumber(string) error { return ErrNotSupported }

// requireFirmware fails fast with a *FirmwareError when the resolved major
// is below min. Runs before any bytes are transmitted for the operation.
func (d *Device) requireFirmware(op string, min int) error {
	if d.fw.Major < min {
		return &FirmwareError{Op: op, Have: d.fw, Need: min}
	}
	return nil
}

// xfer performs one duplex transfer and returns the clocked-back bytes.
func (d *Device) xfer(out ...byte) ([]byte, error) {
	in, err := d.t.Transfer(out)
	if err != nil {
		return nil, fmt.Errorf("opc: transfer failed: %w", err)
	}
	if len(in) != len(out) {
		return nil, fmt.Errorf("opc: transfer returned %d bytes for %d written", len(in), len(out))
	}
	if d.debug {
		log.Printf("[opc] >> % X << % X", out, in)
	}
	return in, nil
}

// readPayload clocks n response bytes out of the device, one filler-byte
// transfer per byte. The half-duplex channel offers no other way to read.
func (d *Device) readPayload(n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		r, err := d.xfer(filler)
		if err != nil {
			return nil, err
		}
		buf[i] = r[0]
	}
	return buf, nil
}
