package detection

import (
	"fmt"
	"math"
)

// Level is the discrete risk classification.
type Level string

const (
	LevelMinimal  Level = "MINIMAL"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

var levelRank = map[Level]int{
	LevelMinimal:  0,
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// Rank orders levels; unknown levels rank as MINIMAL.
func (l Level) Rank() int { return levelRank[l] }

// Thresholds are the lower bounds of LOW, MEDIUM, HIGH and CRITICAL.
type Thresholds struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.25, Medium: 0.5, High: 0.7, Critical: 0.85}
}

func (t Thresholds) Validate() error {
	if !(0 < t.Low && t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("thresholds must be strictly increasing in (0,1]: %+v", t)
	}
	return nil
}

// Classify maps a score to a level. It is monotonic in score.
func (t Thresholds) Classify(score float64) Level {
	score = Clamp(score)
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	case score >= t.Low:
		return LevelLow
	}
	return LevelMinimal
}

// Clamp bounds v to [0,1]; NaN becomes 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
