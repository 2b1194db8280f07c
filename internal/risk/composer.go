// Package risk composes detector results into a composite assessment and
// turns assessments into alerts.
package risk

import (
	"crypto/rand"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/shortontech/goproctor/internal/detection"
)

// Config holds the composite weights and classification cuts.
type Config struct {
	Thresholds detection.Thresholds
	Weights    map[detection.Type]float64
	// Baseline is the probability the significance test compares against.
	Baseline float64
}

func DefaultConfig() Config {
	return Config{
		Thresholds: detection.DefaultThresholds(),
		Weights: map[detection.Type]float64{
			detection.TypeAnswerPattern:         0.2,
			detection.TypeDifficultyProgression: 0.15,
			detection.TypeTimezone:              0.1,
			detection.TypeCollaboration:         0.2,
			detection.TypeVM:                    0.15,
			detection.TypeAutomation:            0.2,
		},
		Baseline: 0.25,
	}
}

// Component is one detector's contribution to the composite.
type Component struct {
	Type       detection.Type  `json:"type"`
	ResultID   string          `json:"result_id"`
	Score      float64         `json:"score"`
	Weight     float64         `json:"weight"`
	Confidence float64         `json:"confidence"`
	Level      detection.Level `json:"risk_level"`
}

type Interval struct {
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence_level"`
}

type Classification struct {
	Level      detection.Level      `json:"level"`
	Thresholds detection.Thresholds `json:"thresholds"`
}

// Significance is a one-sided z-test of the composite against the baseline.
type Significance struct {
	Baseline    float64 `json:"baseline"`
	ZScore      float64 `json:"z_score"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
}

// Assessment is one immutable CompositeRiskAssessment.
type Assessment struct {
	ID                   string                    `json:"id"`
	SessionID            string                    `json:"session_id"`
	CompositeProbability float64                   `json:"composite_anomaly_probability"`
	Classification       Classification            `json:"risk_classification"`
	ConfidenceInterval   Interval                  `json:"confidence_interval"`
	Significance         Significance              `json:"statistical_significance"`
	Breakdown            []Component               `json:"detector_breakdown"`
	Unavailable          map[detection.Type]string `json:"unavailable_analyses"`
	RecommendedActions   []string                  `json:"recommended_actions"`
	CreatedAt            time.Time                 `json:"created_at"`
}

var levelActions = map[detection.Level]string{
	detection.LevelMinimal:  "No action required",
	detection.LevelLow:      "Continue standard monitoring",
	detection.LevelMedium:   "Flag the session for post-assessment review",
	detection.LevelHigh:     "Escalate to a proctor for manual review",
	detection.LevelCritical: "Escalate immediately and consider invalidating the attempt",
}

const confidenceLevel = 0.95

// Composer is safe for concurrent use.
type Composer struct {
	cfg Config
	z   float64

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewComposer(cfg Config) *Composer {
	return &Composer{
		cfg:     cfg,
		z:       distuv.UnitNormal.Quantile(1 - (1-confidenceLevel)/2),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (c *Composer) Config() Config { return c.cfg }

// NewID returns a ULID for an assessment created at now.
func (c *Composer) NewID(now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), c.entropy).String()
}

// Compose builds an assessment from the stored results of one session.
// Results are in append order; the latest available result per type wins.
func (c *Composer) Compose(sessionID string, results []detection.Result, now time.Time) Assessment {
	latest := map[detection.Type]detection.Result{}
	unavailable := map[detection.Type]string{}
	for _, r := range results {
		if r.Available {
			latest[r.Type] = r
			delete(unavailable, r.Type)
		} else if _, ok := latest[r.Type]; !ok {
			unavailable[r.Type] = r.Reason
		}
	}
	for _, t := range detection.AllTypes {
		if _, ok := latest[t]; !ok && unavailable[t] == "" {
			unavailable[t] = "not analyzed"
		}
	}

	a := Assessment{
		ID:          c.NewID(now),
		SessionID:   sessionID,
		Unavailable: unavailable,
		Breakdown:   []Component{},
		CreatedAt:   now,
		ConfidenceInterval: Interval{
			Confidence: confidenceLevel,
		},
	}

	var totalWeight float64
	for _, t := range detection.AllTypes {
		r, ok := latest[t]
		w := c.cfg.Weights[t]
		if !ok || w <= 0 {
			continue
		}
		totalWeight += w
		a.Breakdown = append(a.Breakdown, Component{
			Type:       t,
			ResultID:   r.ID,
			Score:      r.Score,
			Weight:     w,
			Confidence: r.Confidence,
			Level:      r.Level,
		})
	}

	if totalWeight == 0 {
		a.Classification = Classification{Level: detection.LevelMinimal, Thresholds: c.cfg.Thresholds}
		a.Significance = Significance{Baseline: c.cfg.Baseline, PValue: 1}
		a.RecommendedActions = []string{levelActions[detection.LevelMinimal]}
		return a
	}

	var p float64
	for i := range a.Breakdown {
		a.Breakdown[i].Weight /= totalWeight
		p += a.Breakdown[i].Weight * a.Breakdown[i].Score
	}
	p = detection.Clamp(p)

	// Spread between detectors plus each detector's own uncertainty.
	var variance float64
	for _, comp := range a.Breakdown {
		d := comp.Score - p
		u := (1 - detection.Clamp(comp.Confidence)) / 2
		variance += comp.Weight * (d*d + u*u)
	}
	se := math.Sqrt(variance / float64(len(a.Breakdown)))

	a.CompositeProbability = p
	a.ConfidenceInterval.Lower = detection.Clamp(p - c.z*se)
	a.ConfidenceInterval.Upper = detection.Clamp(p + c.z*se)
	a.Significance = c.significance(p, se)
	a.Classification = Classification{Level: c.cfg.Thresholds.Classify(p), Thresholds: c.cfg.Thresholds}
	a.RecommendedActions = c.actions(a)
	return a
}

func (c *Composer) significance(p, se float64) Significance {
	s := Significance{Baseline: c.cfg.Baseline}
	switch {
	case se > 0:
		s.ZScore = (p - c.cfg.Baseline) / se
		s.PValue = 1 - distuv.UnitNormal.CDF(s.ZScore)
	case p > c.cfg.Baseline:
		// No spread at all: the z-score is unbounded and left at zero.
		s.PValue = 0
	default:
		s.PValue = 1
	}
	s.Significant = s.PValue < 1-confidenceLevel
	return s
}

// actions pairs the level's action with the recommendations of detectors
// that scored MEDIUM or higher, most severe first.
func (c *Composer) actions(a Assessment) []string {
	out := []string{levelActions[a.Classification.Level]}
	comps := make([]Component, len(a.Breakdown))
	copy(comps, a.Breakdown)
	sort.SliceStable(comps, func(i, j int) bool { return comps[i].Score > comps[j].Score })

	seen := map[string]bool{out[0]: true}
	for _, comp := range comps {
		if comp.Level.Rank() < detection.LevelMedium.Rank() {
			continue
		}
		msg := "Review " + string(comp.Type) + " findings (" + string(comp.Level) + ")"
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	return out
}
