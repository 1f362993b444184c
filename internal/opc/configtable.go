package opc

// ConfigTable is the sensor-resident calibration table returned by a 256-byte
// config read. Config reads carry no checksum — unlike histogram reads — so
// silent corruption on the wire cannot be detected here; that is a documented
// property of the protocol, not a gap in the decoder.
type ConfigTable struct {
	BinBoundaries         [15]uint16  `json:"binBoundaries"` // ADC thresholds (0-4095)
	BinParticleVolume     [16]float64 `json:"binParticleVolume"`
	BinParticleDensity    [16]float64 `json:"binParticleDensity"`
	BinSampleVolumeWeight [16]float64 `json:"binSampleVolumeWeight"`

	GainScalingCoefficient float64 `json:"gainScalingCoefficient"`
	SampleFlowRate         float64 `json:"sampleFlowRate"`

	LaserDAC byte `json:"laserDAC"`
	FanDAC   byte `json:"fanDAC"`

	// TOFToSFRFactor is only present on firmware majors above 15.
	TOFToSFRFactor *byte `json:"tofToSFRFactor,omitempty"`
}

// DecodeConfig decodes a 256-byte configuration payload.
func DecodeConfig(payload []byte, gen Generation) (*ConfigTable, error) {
	if len(payload) != configLen {
		return nil, &ProtocolError{Op: "config", Want: make([]byte, configLen), Got: payload}
	}

	c := &ConfigTable{}
	for i := 0; i < 15; i++ {
		c.BinBoundaries[i] = combineU16(payload[2*i], payload[2*i+1])
	}

	var err error
	for i := 0; i < 16; i++ {
		if c.BinParticleVolume[i], err = floatFrom(payload[4*i+32:4*i+36], gen); err != nil {
			return nil, err
		}
		if c.BinParticleDensity[i], err = floatFrom(payload[4*i+96:4*i+100], gen); err != nil {
			return nil, err
		}
		if c.BinSampleVolumeWeight[i], err = floatFrom(payload[4*i+160:4*i+164], gen); err != nil {
			return nil, err
		}
	}

	if c.GainScalingCoefficient, err = floatFrom(payload[224:228], gen); err != nil {
		return nil, err
	}
	if c.SampleFlowRate, err = floatFrom(payload[228:232], gen); err != nil {
		return nil, err
	}
	c.LaserDAC = payload[232]
	c.FanDAC = payload[233]

	if gen == Modern {
		v := payload[234]
		c.TOFToSFRFactor = &v
	}
	return c, nil
}

// ConfigV2 holds the autonomous-mode ("AM") settings readable on firmware
// v18+ via the 9-byte second config table.
type ConfigV2 struct {
	AMSamplingInterval    uint16 `json:"amSamplingInterval"`
	AMIdleIntervalCount   uint16 `json:"amIdleIntervalCount"`
	AMFanOnIdle           byte   `json:"amFanOnIdle"`
	AMLaserOnIdle         byte   `json:"amLaserOnIdle"`
	AMMaxDataArraysInFile uint16 `json:"amMaxDataArraysInFile"`
	AMOnlySavePMData      byte   `json:"amOnlySavePMData"`
}

// DecodeConfigV2 decodes the 9-byte AM settings payload.
func DecodeConfigV2(payload []byte) (*ConfigV2, error) {
	if len(payload) != configV2Len {
		return nil, &ProtocolError{Op: "config2", Want: make([]byte, configV2Len), Got: payload}
	}
	return &ConfigV2{
		AMSamplingInterval:    combineU16(payload[0], payload[1]),
		AMIdleIntervalCount:   combineU16(payload[2], payload[3]),
		AMFanOnIdle:           payload[4],
		AMLaserOnIdle:         payload[5],
		AMMaxDataArraysInFile: combineU16(payload[6], payload[7]),
		AMOnlySavePMData:      payload[8],
	}, nil
}

// PMReading is the standalone particulate-matter read available on v18+.
// Reading it resets the histogram accumulation on the device.
type PMReading struct {
	PM1  float64 `json:"pm1"`
	PM25 float64 `json:"pm25"`
	PM10 float64 `json:"pm10"`
}

// DecodePM decodes the 12-byte PM payload (three IEEE floats).
func DecodePM(payload []byte, gen Generation) (*PMReading, error) {
	if len(payload) != pmLen {
		return nil, &ProtocolError{Op: "pm", Want: make([]byte, pmLen), Got: payload}
	}
	var r PMReading
	var err error
	if r.PM1, err = floatFrom(payload[0:4], gen); err != nil {
		return nil, err
	}
	if r.PM25, err = floatFrom(payload[4:8], gen); err != nil {
		return nil, err
	}
	if r.PM10, err = floatFrom(payload[8:12], gen); err != nil {
		return nil, err
	}
	return &r, nil
}

// PotStatus reports the digital pot state on firmware v18+.
type PotStatus struct {
	FanOn    byte `json:"fanOn"`
	LaserOn  byte `json:"laserOn"`
	FanDAC   byte `json:"fanDAC"`
	LaserDAC byte `json:"laserDAC"`
}
