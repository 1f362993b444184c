package opc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhhagan/go-opc/internal/transport"
)

// countingTransport wraps another transport and counts Transfer calls, so
// tests can assert an operation was rejected before any byte moved.
type countingTransport struct {
	inner transport.Transport
	calls int
}

func (c *countingTransport) Transfer(out []byte) ([]byte, error) {
	c.calls++
	return c.inner.Transfer(out)
}

func (c *countingTransport) Close() error { return c.inner.Close() }

// zeroTransport answers every byte with 0x00.
type zeroTransport struct{}

func (zeroTransport) Transfer(out []byte) ([]byte, error) {
	return make([]byte, len(out)), nil
}

func (zeroTransport) Close() error { return nil }

// fixedInfoTransport acks the info command and clocks out a fixed 60-byte
// payload, for driving firmware negotiation with arbitrary info strings.
type fixedInfoTransport struct {
	payload []byte
	pos     int
	started bool
}

func (f *fixedInfoTransport) Transfer(out []byte) ([]byte, error) {
	in := make([]byte, len(out))
	for i, b := range out {
		switch {
		case b == 0x3F:
			f.started, f.pos = true, 0
			in[i] = 0xF3
		case f.started && f.pos < len(f.payload):
			in[i] = f.payload[f.pos]
			f.pos++
		}
	}
	return in, nil
}

func (f *fixedInfoTransport) Close() error { return nil }

func infoPayload(s string) []byte {
	buf := make([]byte, 60)
	copy(buf, s)
	for i := len(s); i < 60; i++ {
		buf[i] = '.'
	}
	return buf
}

func openSim(t *testing.T, cfg transport.SimConfig, opts ...Option) *Device {
	t.Helper()
	d, err := Open(transport.NewSim(cfg), opts...)
	require.NoError(t, err)
	return d
}

func TestOpenModernReadsExactVersion(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	assert.Equal(t, FirmwareVersion{Major: 18, Minor: 2}, d.Firmware())
	assert.Equal(t, Modern, d.Generation())
	assert.Equal(t, "18.2", d.Firmware().String())
}

func TestOpenModernWithoutReadFirmware(t *testing.T) {
	d := openSim(t, transport.SimConfig{FirmwareMajor: 17})
	assert.Equal(t, FirmwareVersion{Major: 17, Minor: -1}, d.Firmware())
	assert.Equal(t, Modern, d.Generation())
	assert.Equal(t, "17.x", d.Firmware().String())
}

func TestOpenLegacy(t *testing.T) {
	d := openSim(t, transport.SimConfig{FirmwareMajor: 15})
	assert.Equal(t, FirmwareVersion{Major: 15, Minor: -1}, d.Firmware())
	assert.Equal(t, Legacy, d.Generation())
}

func TestOpenUnsupportedMajors(t *testing.T) {
	for _, major := range []int{13, 20} {
		_, err := Open(transport.NewSim(transport.SimConfig{FirmwareMajor: major}))
		require.Error(t, err)

		var fwErr *FirmwareError
		require.True(t, errors.As(err, &fwErr), "major %d", major)
		assert.Contains(t, fwErr.Error(), "not supported")
	}
}

func TestOpenUnparseableInfoString(t *testing.T) {
	tr := &fixedInfoTransport{payload: infoPayload("OPC FirmwareVer=unknown")}
	_, err := Open(tr)
	require.Error(t, err)

	var fwErr *FirmwareError
	require.True(t, errors.As(err, &fwErr))
	assert.Contains(t, fwErr.Error(), "no firmware version")
}

func TestOpenSingleDigitFallback(t *testing.T) {
	// No three-digit run anywhere; the single-digit fallback finds the 7,
	// which is below the supported range.
	tr := &fixedInfoTransport{payload: infoPayload("OPC-N2 Ver 7")}
	_, err := Open(tr)
	require.Error(t, err)

	var fwErr *FirmwareError
	require.True(t, errors.As(err, &fwErr))
	assert.Contains(t, fwErr.Error(), "v7 not supported")
}

func TestPing(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	assert.NoError(t, d.Ping())
}

func TestPingBadAck(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	d.t = zeroTransport{}

	err := d.Ping()
	var proto *ProtocolError
	require.True(t, errors.As(err, &proto))
	assert.Equal(t, "ping", proto.Op)
}

func TestPowerSequences(t *testing.T) {
	d := openSim(t, transport.SimConfig{})

	require.NoError(t, d.On())
	st, err := d.PotStatus()
	require.NoError(t, err)
	assert.Equal(t, byte(1), st.FanOn)
	assert.Equal(t, byte(1), st.LaserOn)

	require.NoError(t, d.ToggleLaser(false))
	st, err = d.PotStatus()
	require.NoError(t, err)
	assert.Equal(t, byte(1), st.FanOn)
	assert.Equal(t, byte(0), st.LaserOn)

	require.NoError(t, d.ToggleFan(false))
	require.NoError(t, d.ToggleFan(true))
	require.NoError(t, d.ToggleLaser(true))

	require.NoError(t, d.Off())
	st, err = d.PotStatus()
	require.NoError(t, err)
	assert.Equal(t, byte(0), st.FanOn)
	assert.Equal(t, byte(0), st.LaserOn)
}

func TestHistogramModern(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	require.NoError(t, d.On())

	h, err := d.Histogram()
	require.NoError(t, err)

	require.NotNil(t, h.SampleFlowRate)
	assert.InDelta(t, 3.7, *h.SampleFlowRate, 1e-6)
	require.NotNil(t, h.Temperature)
	assert.InDelta(t, 26.5, *h.Temperature, 2.0)
	assert.Nil(t, h.Pressure)
	assert.InDelta(t, 1.5, h.SamplingPeriod, 0.11)
	assert.Greater(t, h.PM1, 0.0)
	assert.Greater(t, h.PM25, h.PM1)
	assert.Greater(t, h.PM10, h.PM25)
	assert.Greater(t, h.HistogramSum, uint32(0))
}

func TestHistogramLegacy(t *testing.T) {
	d := openSim(t, transport.SimConfig{FirmwareMajor: 15})
	require.NoError(t, d.On())

	h, err := d.Histogram()
	require.NoError(t, err)

	assert.Nil(t, h.SampleFlowRate)
	require.NotNil(t, h.Temperature)
	assert.InDelta(t, 27.0, *h.Temperature, 3.0)
	require.NotNil(t, h.Pressure)
	assert.GreaterOrEqual(t, *h.Pressure, uint32(101000))
	assert.InDelta(t, 1.5, h.SamplingPeriod, 0.11)
	assert.Greater(t, h.PM10, h.PM1)
}

func TestHistogramNumberConcentrationLegacyRejected(t *testing.T) {
	ct := &countingTransport{inner: transport.NewSim(transport.SimConfig{FirmwareMajor: 15})}
	d, err := Open(ct, WithNumberConcentration(true))
	require.NoError(t, err)

	before := ct.calls
	_, err = d.Histogram()
	require.Error(t, err)

	var fwErr *FirmwareError
	require.True(t, errors.As(err, &fwErr))
	assert.Equal(t, before, ct.calls, "gating must happen before any transfer")
}

func TestHistogramNumberConcentrationModern(t *testing.T) {
	d := openSim(t, transport.SimConfig{}, WithNumberConcentration(true))
	require.NoError(t, d.On())

	h, err := d.Histogram()
	require.NoError(t, err)
	require.NotNil(t, h.SampleFlowRate)

	// 3.7 ml/s over a 1.4-1.6 s period samples 5-6 ml; the converted bins
	// must be well below the raw counts.
	vol := *h.SampleFlowRate * h.SamplingPeriod
	assert.Greater(t, vol, 1.0)
	assert.InDelta(t, float64(h.HistogramSum)/vol, sumBins(h.Bins[:]), 1e-6)
}

func sumBins(bins []float64) float64 {
	var s float64
	for _, b := range bins {
		s += b
	}
	return s
}

func TestSetDACValidation(t *testing.T) {
	ct := &countingTransport{inner: transport.NewSim(transport.SimConfig{})}
	d, err := Open(ct)
	require.NoError(t, err)

	for _, power := range []int{-1, 256, 300} {
		before := ct.calls
		err := d.SetFanPower(power)

		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr), "power %d", power)
		assert.Equal(t, before, ct.calls, "rejection must precede any transfer")
	}
}

func TestSetDACTransferCount(t *testing.T) {
	ct := &countingTransport{inner: transport.NewSim(transport.SimConfig{})}
	d, err := Open(ct)
	require.NoError(t, err)

	before := ct.calls
	require.NoError(t, d.SetFanPower(200))
	assert.Equal(t, 3, ct.calls-before, "command, target and value bytes only")

	require.NoError(t, d.SetLaserPower(150))

	st, err := d.PotStatus()
	require.NoError(t, err)
	assert.Equal(t, byte(200), st.FanDAC)
	assert.Equal(t, byte(150), st.LaserDAC)
}

func TestSaveConfig(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	assert.NoError(t, d.SaveConfig())
}

func TestSaveConfigBadEcho(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	d.t = zeroTransport{}

	err := d.SaveConfig()
	var proto *ProtocolError
	require.True(t, errors.As(err, &proto))
}

func TestEnterBootloader(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	assert.NoError(t, d.EnterBootloader())
}

func TestInfoString(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	info, err := d.InfoString()
	require.NoError(t, err)
	assert.Len(t, info, 60)
	assert.Contains(t, info, "OPC-N2 FirmwareVer=OPC-018.2")
}

func TestSerialNumber(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	sn, err := d.SerialNumber()
	require.NoError(t, err)
	assert.Contains(t, sn, "OPC-N2 100200019")
}

func TestV18OnlyOperationsGatedWithoutTransfers(t *testing.T) {
	ct := &countingTransport{inner: transport.NewSim(transport.SimConfig{FirmwareMajor: 15})}
	d, err := Open(ct)
	require.NoError(t, err)

	checks := []struct {
		name string
		call func() error
	}{
		{"serial", func() error { _, err := d.SerialNumber(); return err }},
		{"config2", func() error { _, err := d.ConfigV2(); return err }},
		{"pm", func() error { _, err := d.PM(); return err }},
		{"pot status", func() error { _, err := d.PotStatus(); return err }},
	}
	for _, tc := range checks {
		before := ct.calls
		err := tc.call()

		var fwErr *FirmwareError
		require.True(t, errors.As(err, &fwErr), tc.name)
		assert.Equal(t, 18, fwErr.Need, tc.name)
		assert.Equal(t, before, ct.calls, tc.name)
	}
}

func TestConfigModern(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	c, err := d.Config()
	require.NoError(t, err)

	for i := 1; i < 15; i++ {
		assert.Greater(t, c.BinBoundaries[i], c.BinBoundaries[i-1])
	}
	assert.InDelta(t, 3.7, c.SampleFlowRate, 1e-6)
	assert.InDelta(t, 1.65, c.BinParticleDensity[0], 1e-6)
	require.NotNil(t, c.TOFToSFRFactor)
	assert.Equal(t, byte(87), *c.TOFToSFRFactor)
}

func TestConfigLegacy(t *testing.T) {
	d := openSim(t, transport.SimConfig{FirmwareMajor: 15})
	c, err := d.Config()
	require.NoError(t, err)

	assert.InDelta(t, 3.7, c.SampleFlowRate, 1e-6)
	assert.Nil(t, c.TOFToSFRFactor)
}

func TestConfigV2(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	c, err := d.ConfigV2()
	require.NoError(t, err)

	assert.Equal(t, uint16(1), c.AMSamplingInterval)
	assert.Equal(t, uint16(0xF1E6), c.AMMaxDataArraysInFile)
}

func TestPM(t *testing.T) {
	d := openSim(t, transport.SimConfig{})
	pm, err := d.PM()
	require.NoError(t, err)

	assert.Greater(t, pm.PM1, 0.0)
	assert.InDelta(t, pm.PM1*2.1, pm.PM25, 1e-4)
	assert.InDelta(t, pm.PM1*3.4, pm.PM10, 1e-4)
}

func TestWriteOperationsNotSupported(t *testing.T) {
	d := openSim(t, transport.SimConfig{})

	assert.ErrorIs(t, d.WriteConfig(nil), ErrNotSupported)
	assert.ErrorIs(t, d.WriteConfigV2(nil), ErrNotSupported)
	assert.ErrorIs(t, d.WriteSerialNumber(""), ErrNotSupported)
}
