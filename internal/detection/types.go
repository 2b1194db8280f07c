// Package detection holds the anomaly detectors. Every detector turns a
// session's features into a bounded score with explanatory sub-analyses and
// never fails: missing data produces an unavailable result.
package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/telemetry"
)

// Type tags a DetectionResult with the detector that produced it.
type Type string

const (
	TypeAnswerPattern         Type = "answer_pattern"
	TypeDifficultyProgression Type = "difficulty_progression"
	TypeTimezone              Type = "timezone_manipulation"
	TypeCollaboration         Type = "collaboration"
	TypeVM                    Type = "vm_detection"
	TypeAutomation            Type = "automation"
)

// AllTypes lists every detector type in a stable order.
var AllTypes = []Type{
	TypeAnswerPattern,
	TypeDifficultyProgression,
	TypeTimezone,
	TypeCollaboration,
	TypeVM,
	TypeAutomation,
}

// SubAnalysis is one named check inside a detector.
type SubAnalysis struct {
	Name      string             `json:"name"`
	Available bool               `json:"available"`
	Reason    string             `json:"reason,omitempty"`
	Score     float64            `json:"score"`
	Fired     bool               `json:"fired"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Significance reports the statistical test behind a score.
type Significance struct {
	Test       string  `json:"test"`
	Statistic  float64 `json:"statistic"`
	PValue     float64 `json:"p_value"`
	SampleSize int     `json:"sample_size"`
}

// Result is one immutable DetectionResult. Exactly one of the detail blocks
// is set for detectors that carry one.
type Result struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	Type            Type          `json:"type"`
	Available       bool          `json:"available"`
	Reason          string        `json:"reason,omitempty"`
	Score           float64       `json:"score"`
	Level           Level         `json:"risk_level"`
	Confidence      float64       `json:"confidence"`
	SubAnalyses     []SubAnalysis `json:"sub_analyses"`
	Recommendations []string      `json:"recommendations"`
	Significance    *Significance `json:"significance,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`

	VM            *VMDetails            `json:"vm_detection,omitempty"`
	Automation    *AutomationDetails    `json:"automation,omitempty"`
	Collaboration *CollaborationDetails `json:"collaboration,omitempty"`
}

// Input is everything a detector may look at.
type Input struct {
	Session     *telemetry.Session
	Features    features.Bundle
	Comparisons []*telemetry.Session
	Now         time.Time
}

func (in Input) now() time.Time {
	if in.Now.IsZero() {
		return time.Now().UTC()
	}
	return in.Now
}

func (in Input) sessionID() string {
	if in.Session == nil {
		return ""
	}
	return in.Session.ID
}

// Detector scores one signal category.
type Detector interface {
	Type() Type
	Detect(ctx context.Context, in Input) Result
}

// Settings are the knobs shared by all detectors.
type Settings struct {
	Thresholds      Thresholds
	MinResponses    int
	TimeSyncDriftMs float64
}

func DefaultSettings() Settings {
	return Settings{
		Thresholds:      DefaultThresholds(),
		MinResponses:    5,
		TimeSyncDriftMs: 5000,
	}
}

// NewDetectors builds the full detector set.
func NewDetectors(s Settings) []Detector {
	return []Detector{
		&AnswerPatternDetector{Settings: s},
		&DifficultyDetector{Settings: s},
		&TimezoneDetector{Settings: s},
		&CollaborationDetector{Settings: s},
		&VMDetector{Settings: s},
		&AutomationDetector{Settings: s},
	}
}

// Safe runs d and converts a panic into an unavailable result so one broken
// detector cannot fail the request.
func Safe(ctx context.Context, d Detector, in Input) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Unavailable(d.Type(), in, fmt.Sprintf("detector failed: %v", rec))
		}
	}()
	return d.Detect(ctx, in)
}

// Unavailable builds a neutral result.
func Unavailable(t Type, in Input, reason string) Result {
	return Result{
		ID:              uuid.NewString(),
		SessionID:       in.sessionID(),
		Type:            t,
		Reason:          reason,
		Level:           LevelMinimal,
		SubAnalyses:     []SubAnalysis{},
		Recommendations: []string{},
		CreatedAt:       in.now(),
	}
}
