// Package features turns validated session telemetry into per-modality
// statistical feature sets.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/shortontech/goproctor/internal/telemetry"
)

// Availability marks whether a feature set or analysis could be computed.
// An unavailable result is neutral input, not a failure.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func available() Availability { return Availability{Available: true} }

func unavailable(format string, args ...any) Availability {
	return Availability{Reason: fmt.Sprintf(format, args...)}
}

// FeatureSet is the output of one extractor.
type FeatureSet interface {
	Modality() telemetry.Modality
	Status() Availability
}

// Extractor builds the feature set for one modality. It never fails; missing
// or insufficient data yields an unavailable set.
type Extractor interface {
	Modality() telemetry.Modality
	Extract(ctx context.Context, s *telemetry.Session) FeatureSet
}

// Options sets the minimum sample sizes below which a modality is reported
// unavailable.
type Options struct {
	MinKeystrokes  int
	MinMouseEvents int
	MinResponses   int
	IdleGapMs      float64
}

func DefaultOptions() Options {
	return Options{
		MinKeystrokes:  10,
		MinMouseEvents: 10,
		MinResponses:   5,
		IdleGapMs:      2000,
	}
}

// Bundle holds the output of every extractor for one session.
type Bundle struct {
	Keystroke   KeystrokeFeatures   `json:"keystroke"`
	Mouse       MouseFeatures       `json:"mouse"`
	Timing      TimingFeatures      `json:"timing"`
	Fingerprint FingerprintFeatures `json:"fingerprint"`
}

// Engine runs the four extractors.
type Engine struct {
	extractors []Extractor
}

func NewEngine(opts Options, pop Population) *Engine {
	return &Engine{extractors: []Extractor{
		&KeystrokeExtractor{MinKeystrokes: opts.MinKeystrokes},
		&MouseExtractor{MinEvents: opts.MinMouseEvents, IdleGapMs: opts.IdleGapMs},
		&TimingExtractor{MinResponses: opts.MinResponses},
		&FingerprintExtractor{Population: pop},
	}}
}

func (e *Engine) Extractors() []Extractor { return e.extractors }

// ExtractAll runs every extractor against s.
func (e *Engine) ExtractAll(ctx context.Context, s *telemetry.Session) Bundle {
	var b Bundle
	for _, ex := range e.extractors {
		switch fs := ex.Extract(ctx, s).(type) {
		case KeystrokeFeatures:
			b.Keystroke = fs
		case MouseFeatures:
			b.Mouse = fs
		case TimingFeatures:
			b.Timing = fs
		case FingerprintFeatures:
			b.Fingerprint = fs
		}
	}
	return b
}

// Snapshot is the feature digest recorded after a submission. Snapshots are
// appended so repeated analyses of a session can be compared.
type Snapshot struct {
	SessionID   string               `json:"session_id"`
	Trigger     telemetry.Modality   `json:"trigger"`
	CreatedAt   time.Time            `json:"created_at"`
	Keystroke   *KeystrokeFeatures   `json:"keystroke,omitempty"`
	Mouse       *MouseFeatures       `json:"mouse,omitempty"`
	Timing      *TimingFeatures      `json:"timing,omitempty"`
	Fingerprint *FingerprintFeatures `json:"fingerprint,omitempty"`
}

// Snapshot keeps only the available feature sets.
func (b Bundle) Snapshot(sessionID string, trigger telemetry.Modality, now time.Time) Snapshot {
	snap := Snapshot{SessionID: sessionID, Trigger: trigger, CreatedAt: now}
	if b.Keystroke.Available {
		k := b.Keystroke
		snap.Keystroke = &k
	}
	if b.Mouse.Available {
		m := b.Mouse
		snap.Mouse = &m
	}
	if b.Timing.Available {
		t := b.Timing
		snap.Timing = &t
	}
	if b.Fingerprint.Available {
		f := b.Fingerprint
		snap.Fingerprint = &f
	}
	return snap
}
