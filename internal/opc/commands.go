package opc

import "time"

// Command bytes for the OPC-N2 SPI protocol. Every exchange is write command
// byte(s), wait a settle delay, then clock the response out one byte per
// 0x00 filler transfer.
const (
	cmdPower      = 0x03 // followed by a power-target byte
	cmdSerial     = 0x10
	cmdFirmware   = 0x12
	cmdPotStatus  = 0x13
	cmdHistogram  = 0x30
	cmdPM         = 0x32
	cmdConfig     = 0x3C
	cmdConfigV2   = 0x3D
	cmdInfo       = 0x3F
	cmdBootloader = 0x41
	cmdSetDAC     = 0x42 // followed by target (0x00 fan, 0x01 laser) and value
	cmdSaveConfig = 0x43
	cmdPing       = 0xCF
)

// Power-target bytes following cmdPower.
const (
	powerAllOn    = 0x00
	powerAllOff   = 0x01
	powerLaserOn  = 0x02
	powerLaserOff = 0x03
	powerFanOn    = 0x04
	powerFanOff   = 0x05
)

// DAC-target bytes following cmdSetDAC.
const (
	dacFan   = 0x00
	dacLaser = 0x01
)

const (
	ackReady = 0xF3 // reply to a recognized command byte
	ackPower = 0x03 // reply to a power-target byte
	filler   = 0x00 // dummy byte clocked out to read one response byte
)

// Settle delays between the command byte and the response read. The short
// delay covers info/serial reads and power toggles, the long one the larger
// table reads and DAC writes.
const (
	settleShort = 9 * time.Millisecond
	settleLong  = 10 * time.Millisecond
)

// Fixed response payload lengths.
const (
	infoLen      = 60
	serialLen    = 60
	firmwareLen  = 2
	potStatusLen = 4
	histogramLen = 62
	pmLen        = 12
	configLen    = 256
	configV2Len  = 9
)

// saveConfigSeq is the byte sequence that commits configuration to
// non-volatile memory; the device echoes each byte one transfer late, so a
// successful save replies with saveConfigAck.
var (
	saveConfigSeq = []byte{cmdSaveConfig, 0x3F, 0x3C, 0x3F, 0x3C, 0x43}
	saveConfigAck = []byte{ackReady, 0x43, 0x3F, 0x3C, 0x3F, 0x3C}
)
