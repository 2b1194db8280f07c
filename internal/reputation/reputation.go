// Package reputation tracks per-device history across sessions and the
// population frequencies used for fingerprint entropy.
package reputation

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownDevice = errors.New("device not found")

// Device is the merged reputation of one device. Counters only grow.
type Device struct {
	DeviceID    string    `json:"device_id"`
	Sessions    int64     `json:"sessions"`
	Assessments int64     `json:"assessments"`
	RiskSum     float64   `json:"risk_sum"`
	MeanRisk    float64   `json:"mean_risk"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

func (d *Device) finish() {
	if d.Assessments > 0 {
		d.MeanRisk = d.RiskSum / float64(d.Assessments)
	}
}

// Store is shared across sessions. Every update is an atomic increment or
// set-add so concurrent sessions merge instead of overwriting each other.
type Store interface {
	// Record links a session to a device and reports whether the device was
	// seen for the first time.
	Record(ctx context.Context, deviceID, sessionID string, now time.Time) (bool, error)
	AddRisk(ctx context.Context, deviceID string, score float64, now time.Time) error
	Get(ctx context.Context, deviceID string) (Device, error)

	// Observe counts one device's fingerprint components in the population.
	Observe(ctx context.Context, components map[string]string) error
	Frequencies(ctx context.Context, components map[string]string) (map[string]int64, int64, error)

	Close() error
}

func componentKey(name, value string) string { return name + ":" + value }
