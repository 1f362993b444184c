package opc

// HistogramReading holds one decoded 62-byte histogram payload. Bin values
// are raw particle counts unless number-concentration conversion was
// requested, in which case they are particles per ml.
//
// The device shares one 4-byte field between temperature and pressure on
// modern firmwares; whichever the payload did not carry is nil.
type HistogramReading struct {
	Bins [16]float64 `json:"bins"`

	// Mean time-of-flight for bins 1, 3, 5 and 7, in microseconds.
	Bin1MToF float64 `json:"bin1MToF"`
	Bin3MToF float64 `json:"bin3MToF"`
	Bin5MToF float64 `json:"bin5MToF"`
	Bin7MToF float64 `json:"bin7MToF"`

	SampleFlowRate *float64 `json:"sampleFlowRate,omitempty"` // ml/s, modern firmwares only
	Temperature    *float64 `json:"temperature,omitempty"`    // °C
	Pressure       *uint32  `json:"pressure,omitempty"`       // Pa
	SamplingPeriod float64  `json:"samplingPeriod"`           // seconds

	PM1  float64 `json:"pm1"`  // µg/m³
	PM25 float64 `json:"pm25"` // µg/m³
	PM10 float64 `json:"pm10"` // µg/m³

	Checksum     uint16 `json:"checksum"`
	HistogramSum uint32 `json:"histogramSum"` // sum of the 16 raw bin counts
}

// Thresholds for disambiguating the shared temperature/pressure field on
// modern firmwares. A plausible pressure exceeds 98000 Pa; a plausible
// temperature is below 500 degrees. Values matching neither are discarded
// as unknown rather than guessed.
const (
	pressureFloor = 98000
	tempCeiling   = 500
)

// DecodeHistogram decodes a 62-byte histogram payload for the given firmware
// generation. It fails with a *DataIntegrityError when the checksum field
// does not match the low 16 bits of the bin sum; no partial reading is ever
// returned.
func DecodeHistogram(payload []byte, gen Generation) (*HistogramReading, error) {
	if len(payload) != histogramLen {
		return nil, &ProtocolError{Op: "histogram", Want: make([]byte, histogramLen), Got: payload}
	}

	h := &HistogramReading{}
	var sum uint32
	for i := 0; i < 16; i++ {
		c := combineU16(payload[2*i], payload[2*i+1])
		h.Bins[i] = float64(c)
		sum += uint32(c)
	}
	h.HistogramSum = sum

	h.Bin1MToF = mtofMicroseconds(payload[32])
	h.Bin3MToF = mtofMicroseconds(payload[33])
	h.Bin5MToF = mtofMicroseconds(payload[34])
	h.Bin7MToF = mtofMicroseconds(payload[35])

	var err error
	if gen == Legacy {
		var t float64
		if t, err = tempCelsius(payload[36:40]); err != nil {
			return nil, err
		}
		h.Temperature = &t
		var p uint32
		if p, err = pressurePascal(payload[40:44]); err != nil {
			return nil, err
		}
		h.Pressure = &p
	} else {
		var sfr float64
		if sfr, err = floatFrom(payload[36:40], gen); err != nil {
			return nil, err
		}
		h.SampleFlowRate = &sfr

		// Offset 40:44 is either temperature or pressure; disambiguate by
		// magnitude and leave both nil when neither threshold matches.
		p, err := pressurePascal(payload[40:44])
		if err != nil {
			return nil, err
		}
		if p > pressureFloor {
			h.Pressure = &p
		} else if t := float64(p) / 10.0; t < tempCeiling {
			h.Temperature = &t
		}
	}

	if h.SamplingPeriod, err = samplingPeriod(payload[44:48], gen); err != nil {
		return nil, err
	}
	h.Checksum = combineU16(payload[48], payload[49])
	if h.PM1, err = floatFrom(payload[50:54], gen); err != nil {
		return nil, err
	}
	if h.PM25, err = floatFrom(payload[54:58], gen); err != nil {
		return nil, err
	}
	if h.PM10, err = floatFrom(payload[58:62], gen); err != nil {
		return nil, err
	}

	if got := uint16(sum & 0xFFFF); got != h.Checksum {
		return nil, &DataIntegrityError{Want: h.Checksum, Got: got}
	}
	return h, nil
}

// toNumberConcentration divides each bin count by the sampled volume
// (flow rate × sampling period, in ml). Only meaningful on modern payloads,
// which are the only ones that carry a flow rate.
func (h *HistogramReading) toNumberConcentration() {
	if h.SampleFlowRate == nil {
		return
	}
	vol := *h.SampleFlowRate * h.SamplingPeriod
	if vol <= 0 {
		return
	}
	for i := range h.Bins {
		h.Bins[i] /= vol
	}
}
