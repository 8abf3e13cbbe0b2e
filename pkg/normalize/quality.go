package normalize

import (
	"math"

	"github.com/ridelink/sensor-hub/pkg/sensor"
)

// QualityPolicy is the deduction table used to score readings. Scores start at 100.
type QualityPolicy struct {
	MissingTimestampPenalty int
	MissingRawDataPenalty   int
	// SignalThresholds is the lowest acceptable 0-100 signal value per protocol. Readings below it
	// lose SignalShortfallWeight points per point of shortfall.
	SignalThresholds      map[sensor.Protocol]int
	SignalShortfallWeight float64
}

// DefaultQualityPolicy returns the standard table: -10 without a timestamp, -5 without a raw
// payload, and half a point per point of signal below 40 (ANT) or 50 (BLE). ANT's threshold is
// lower since its broadcast channel tolerates weaker links.
func DefaultQualityPolicy() QualityPolicy {
	return QualityPolicy{
		MissingTimestampPenalty: 10,
		MissingRawDataPenalty:   5,
		SignalThresholds: map[sensor.Protocol]int{
			sensor.ProtocolANT: 40,
			sensor.ProtocolBLE: 50,
		},
		SignalShortfallWeight: 0.5,
	}
}

// Score computes the quality of a sample. A missing signal value is not penalized: not every
// transport reports one per sample.
func (p QualityPolicy) Score(protocol sensor.Protocol, hasTimestamp, hasRawData bool, signal *int) int {
	deduction := 0.0
	if !hasTimestamp {
		deduction += float64(p.MissingTimestampPenalty)
	}
	if !hasRawData {
		deduction += float64(p.MissingRawDataPenalty)
	}
	if signal != nil {
		if threshold, ok := p.SignalThresholds[protocol]; ok && *signal < threshold {
			deduction += float64(threshold-*signal) * p.SignalShortfallWeight
		}
	}
	return int(math.Max(0, math.Min(100, math.Round(100-deduction))))
}
