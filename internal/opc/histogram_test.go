package opc

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// putTestFloat encodes a float the way the given firmware generation
// transmits it.
func putTestFloat(buf []byte, v float32, gen Generation) {
	bits := math.Float32bits(v)
	if gen == Legacy {
		binary.BigEndian.PutUint32(buf, bits)
	} else {
		binary.LittleEndian.PutUint32(buf, bits)
	}
}

// legacyPayload builds a valid 62-byte legacy histogram: bins 0 and 1 hold
// 100 and 50 counts, MToF bytes are 3/6/9/12, 25.0 C, 101325 Pa, a 2 s
// period and PM 1.5/2.5/10.0.
func legacyPayload() []byte {
	p := make([]byte, histogramLen)
	binary.LittleEndian.PutUint16(p[0:], 100)
	binary.LittleEndian.PutUint16(p[2:], 50)

	p[32], p[33], p[34], p[35] = 3, 6, 9, 12

	binary.LittleEndian.PutUint32(p[36:], 250)        // decidegrees
	binary.LittleEndian.PutUint32(p[40:], 101325)     // Pa
	binary.LittleEndian.PutUint32(p[44:], 24_000_000) // 2 s of 12 MHz ticks

	binary.LittleEndian.PutUint16(p[48:], 150) // checksum = bin sum

	putTestFloat(p[50:], 1.5, Legacy)
	putTestFloat(p[54:], 2.5, Legacy)
	putTestFloat(p[58:], 10.0, Legacy)
	return p
}

// modernPayload builds a valid 62-byte modern histogram with the given raw
// value in the shared temperature/pressure field.
func modernPayload(tempOrPressure uint32) []byte {
	p := make([]byte, histogramLen)
	binary.LittleEndian.PutUint16(p[0:], 600)
	binary.LittleEndian.PutUint16(p[2:], 30)

	p[32], p[33], p[34], p[35] = 3, 6, 9, 12

	putTestFloat(p[36:], 3.0, Modern) // flow rate ml/s
	binary.LittleEndian.PutUint32(p[40:], tempOrPressure)
	putTestFloat(p[44:], 2.0, Modern) // period s

	binary.LittleEndian.PutUint16(p[48:], 630)

	putTestFloat(p[50:], 1.5, Modern)
	putTestFloat(p[54:], 2.5, Modern)
	putTestFloat(p[58:], 10.0, Modern)
	return p
}

func TestDecodeHistogramLegacy(t *testing.T) {
	h, err := DecodeHistogram(legacyPayload(), Legacy)
	require.NoError(t, err)

	assert.Equal(t, 100.0, h.Bins[0])
	assert.Equal(t, 50.0, h.Bins[1])
	for i := 2; i < 16; i++ {
		assert.Zero(t, h.Bins[i])
	}
	assert.Equal(t, uint32(150), h.HistogramSum)
	assert.Equal(t, uint16(150), h.Checksum)

	assert.InDelta(t, 1.0, h.Bin1MToF, 1e-9)
	assert.InDelta(t, 2.0, h.Bin3MToF, 1e-9)
	assert.InDelta(t, 3.0, h.Bin5MToF, 1e-9)
	assert.InDelta(t, 4.0, h.Bin7MToF, 1e-9)

	require.NotNil(t, h.Temperature)
	assert.InDelta(t, 25.0, *h.Temperature, 1e-9)
	require.NotNil(t, h.Pressure)
	assert.Equal(t, uint32(101325), *h.Pressure)
	assert.Nil(t, h.SampleFlowRate)

	assert.InDelta(t, 2.0, h.SamplingPeriod, 1e-9)
	assert.InDelta(t, 1.5, h.PM1, 1e-6)
	assert.InDelta(t, 2.5, h.PM25, 1e-6)
	assert.InDelta(t, 10.0, h.PM10, 1e-6)
}

func TestDecodeHistogramChecksumMismatch(t *testing.T) {
	p := legacyPayload()
	binary.LittleEndian.PutUint16(p[48:], 151)

	_, err := DecodeHistogram(p, Legacy)
	require.Error(t, err)

	var integrity *DataIntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, uint16(151), integrity.Want)
	assert.Equal(t, uint16(150), integrity.Got)
}

func TestDecodeHistogramCorruptBinFailsChecksum(t *testing.T) {
	p := legacyPayload()
	p[0]++ // bin 0 now 101, checksum field still 150

	_, err := DecodeHistogram(p, Legacy)
	var integrity *DataIntegrityError
	require.True(t, errors.As(err, &integrity))
}

func TestDecodeHistogramModernPressure(t *testing.T) {
	for _, raw := range []uint32{101325, 150000} {
		h, err := DecodeHistogram(modernPayload(raw), Modern)
		require.NoError(t, err)

		require.NotNil(t, h.SampleFlowRate)
		assert.InDelta(t, 3.0, *h.SampleFlowRate, 1e-6)

		require.NotNil(t, h.Pressure)
		assert.Equal(t, raw, *h.Pressure)
		assert.Nil(t, h.Temperature)
	}
}

func TestDecodeHistogramModernTemperature(t *testing.T) {
	h, err := DecodeHistogram(modernPayload(250), Modern)
	require.NoError(t, err)

	require.NotNil(t, h.Temperature)
	assert.InDelta(t, 25.0, *h.Temperature, 1e-9)
	assert.Nil(t, h.Pressure)

	// Values up to 4999 still divide down to a sub-500 temperature.
	h, err = DecodeHistogram(modernPayload(2500), Modern)
	require.NoError(t, err)
	require.NotNil(t, h.Temperature)
	assert.InDelta(t, 250.0, *h.Temperature, 1e-9)
	assert.Nil(t, h.Pressure)
}

func TestDecodeHistogramModernAmbiguousField(t *testing.T) {
	// 50000 is too low for a pressure and divides to a 5000-degree
	// temperature, so neither interpretation holds.
	h, err := DecodeHistogram(modernPayload(50000), Modern)
	require.NoError(t, err)

	assert.Nil(t, h.Temperature)
	assert.Nil(t, h.Pressure)
}

func TestDecodeHistogramWrongLength(t *testing.T) {
	_, err := DecodeHistogram(make([]byte, 61), Modern)
	require.Error(t, err)

	var proto *ProtocolError
	assert.True(t, errors.As(err, &proto))
}

func TestToNumberConcentration(t *testing.T) {
	h, err := DecodeHistogram(modernPayload(250), Modern)
	require.NoError(t, err)

	// 3.0 ml/s for 2.0 s samples 6 ml.
	h.toNumberConcentration()
	assert.InDelta(t, 100.0, h.Bins[0], 1e-9)
	assert.InDelta(t, 5.0, h.Bins[1], 1e-9)
}

func TestToNumberConcentrationNoFlowRate(t *testing.T) {
	h, err := DecodeHistogram(legacyPayload(), Legacy)
	require.NoError(t, err)

	h.toNumberConcentration()
	assert.Equal(t, 100.0, h.Bins[0])
}
