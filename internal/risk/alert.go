package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/goproctor/internal/detection"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertThresholds are composite probabilities at which each severity fires.
type AlertThresholds struct {
	Warning  float64
	High     float64
	Critical float64
}

func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{Warning: 0.5, High: 0.7, Critical: 0.85}
}

func (t AlertThresholds) Validate() error {
	if t.Warning <= 0 || t.Warning > t.High || t.High > t.Critical || t.Critical > 1 {
		return fmt.Errorf("alert thresholds must be non-decreasing in (0,1]: %+v", t)
	}
	return nil
}

type Alert struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	AssessmentID string          `json:"assessment_id"`
	Severity     Severity        `json:"severity"`
	Level        detection.Level `json:"risk_level"`
	Score        float64         `json:"score"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Alerter turns an assessment into at most one alert at the highest
// matching severity.
type Alerter struct {
	thresholds AlertThresholds
}

func NewAlerter(t AlertThresholds) *Alerter {
	return &Alerter{thresholds: t}
}

// Evaluate never fails. A nil assessment or a zero score yields no alerts.
func (a *Alerter) Evaluate(sessionID string, as *Assessment, now time.Time) []Alert {
	alerts := []Alert{}
	if as == nil {
		return alerts
	}
	score := detection.Clamp(as.CompositeProbability)
	if score == 0 {
		return alerts
	}

	var sev Severity
	var limit float64
	switch {
	case score >= a.thresholds.Critical:
		sev, limit = SeverityCritical, a.thresholds.Critical
	case score >= a.thresholds.High:
		sev, limit = SeverityHigh, a.thresholds.High
	case score >= a.thresholds.Warning:
		sev, limit = SeverityWarning, a.thresholds.Warning
	default:
		return alerts
	}

	level := as.Classification.Level
	if level == "" {
		level = detection.LevelMinimal
	}
	if sessionID == "" {
		sessionID = as.SessionID
	}
	return append(alerts, Alert{
		ID:           alertID(sessionID, as.ID, sev),
		SessionID:    sessionID,
		AssessmentID: as.ID,
		Severity:     sev,
		Level:        level,
		Score:        score,
		Reason:       reason(as, limit),
		CreatedAt:    now,
	})
}

// alertNamespace scopes alert ids derived from assessment ids.
var alertNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8e-9a41-0c2f5d7e8b13")

// alertID is stable for one session, assessment and severity, so evaluating
// the same assessment twice yields the same alert.
func alertID(sessionID, assessmentID string, sev Severity) string {
	if assessmentID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(alertNamespace, []byte(sessionID+"/"+assessmentID+"/"+string(sev))).String()
}

func reason(as *Assessment, limit float64) string {
	top := ""
	best := -1.0
	for _, c := range as.Breakdown {
		if c.Score > best {
			best, top = c.Score, string(c.Type)
		}
	}
	msg := fmt.Sprintf("composite risk %.2f reached threshold %.2f", as.CompositeProbability, limit)
	if top != "" {
		msg += fmt.Sprintf("; strongest signal %s (%.2f)", top, best)
	}
	return msg
}
