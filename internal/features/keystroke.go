package features

import (
	"context"

	"github.com/shortontech/goproctor/internal/telemetry"
)

// Dwell outside this window is a stuck key or a dropped event.
const (
	minDwellMs  = 20
	maxDwellMs  = 1000
	maxFlightMs = 5000 // longer gaps are pauses, not flights
)

type KeystrokeFeatures struct {
	Availability
	KeyDowns       int          `json:"key_downs"`
	Dwell          Distribution `json:"dwell"`
	Flight         Distribution `json:"flight"`
	KeysPerMinute  float64      `json:"keys_per_minute"`
	MeanPressure   float64      `json:"mean_pressure"`
	PauseCount     int          `json:"pause_count"`
	CorrectionRate float64      `json:"correction_rate"`
}

func (KeystrokeFeatures) Modality() telemetry.Modality { return telemetry.ModalityKeystroke }
func (f KeystrokeFeatures) Status() Availability      { return f.Availability }

// KeystrokeExtractor computes dwell and flight distributions.
type KeystrokeExtractor struct {
	MinKeystrokes int
}

func (e *KeystrokeExtractor) Modality() telemetry.Modality { return telemetry.ModalityKeystroke }

func (e *KeystrokeExtractor) Extract(_ context.Context, s *telemetry.Session) FeatureSet {
	events := s.Keystrokes
	downs := 0
	for _, ev := range events {
		if ev.Type == telemetry.KeyDown {
			downs++
		}
	}
	f := KeystrokeFeatures{KeyDowns: downs}
	if downs < e.MinKeystrokes || downs == 0 {
		f.Availability = unavailable("insufficient keystrokes: %d < %d", downs, e.MinKeystrokes)
		return f
	}

	var (
		dwell, flight []float64
		pressureSum   float64
		pressureN     int
		corrections   int
		lastUp        = -1.0
		firstDown     = -1.0
		lastDown      float64
	)
	pending := map[string]float64{}

	for _, ev := range events {
		switch ev.Type {
		case telemetry.KeyDown:
			if firstDown < 0 {
				firstDown = ev.Timestamp
			}
			lastDown = ev.Timestamp
			if lastUp >= 0 {
				gap := ev.Timestamp - lastUp
				if gap > maxFlightMs {
					f.PauseCount++
				} else {
					flight = append(flight, gap)
				}
			}
			pending[ev.Key] = ev.Timestamp
			if ev.Key == "Backspace" || ev.Key == "Delete" || ev.Key == "8" || ev.Key == "46" {
				corrections++
			}
			if ev.Pressure > 0 {
				pressureSum += ev.Pressure
				pressureN++
			}
		case telemetry.KeyUp:
			if down, ok := pending[ev.Key]; ok {
				delete(pending, ev.Key)
				if d := ev.Timestamp - down; d >= minDwellMs && d <= maxDwellMs {
					dwell = append(dwell, d)
				}
			}
			lastUp = ev.Timestamp
		}
	}

	f.Availability = available()
	f.Dwell = Describe(IQRFilter(dwell))
	f.Flight = Describe(flight)
	if span := lastDown - firstDown; span > 0 {
		f.KeysPerMinute = float64(downs) / (span / 60000)
	}
	if pressureN > 0 {
		f.MeanPressure = pressureSum / float64(pressureN)
	}
	f.CorrectionRate = float64(corrections) / float64(downs)
	return f
}
