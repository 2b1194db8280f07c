package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/store"
	"github.com/shortontech/goproctor/internal/telemetry"
)

// Summary is the session_summary document. Every section is present; a
// section or part of one that could not be computed carries an
// availability marker instead.
type Summary struct {
	SessionID   string                     `json:"session_id"`
	Overview    Overview                   `json:"analysis_overview"`
	Fingerprint BehavioralFingerprint      `json:"behavioral_fingerprint"`
	Consistency Consistency                `json:"consistency_assessment"`
	Automation  AutomationAssessment       `json:"automation_assessment"`
	Risk        RiskAnalysis               `json:"risk_analysis"`
	Patterns    map[detection.Type]Pattern `json:"behavioral_patterns"`
	Metadata    SessionMetadata            `json:"session_metadata"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

type Overview struct {
	AvailableAnalyses   int                  `json:"available_analyses"`
	UnavailableAnalyses int                  `json:"unavailable_analyses"`
	TotalResults        int                  `json:"total_results"`
	Snapshots           int                  `json:"snapshots"`
	Assessments         int                  `json:"assessments"`
	Alerts              int                  `json:"alerts"`
	Modalities          []telemetry.Modality `json:"modalities"`
	TimeSpanSeconds     float64              `json:"time_span_seconds"`
	FirstSeen           time.Time            `json:"first_seen"`
	LastSeen            time.Time            `json:"last_seen"`
}

// BehavioralFingerprint is the latest recorded feature digest per modality.
type BehavioralFingerprint struct {
	features.Availability
	Keystroke   *features.KeystrokeFeatures   `json:"keystroke,omitempty"`
	Mouse       *features.MouseFeatures       `json:"mouse,omitempty"`
	Timing      *features.TimingFeatures      `json:"timing,omitempty"`
	Device      *features.FingerprintFeatures `json:"device,omitempty"`
	Unavailable map[string]string             `json:"unavailable"`
}

// ConsistencyMetric describes how one feature moved across repeated
// analyses of the session.
type ConsistencyMetric struct {
	Samples      int                   `json:"samples"`
	Distribution features.Distribution `json:"distribution"`
	Stable       bool                  `json:"stable"`
}

type Consistency struct {
	features.Availability
	Score       float64                      `json:"consistency_score"`
	Metrics     map[string]ConsistencyMetric `json:"metrics"`
	Unavailable map[string]string            `json:"unavailable"`
}

type AutomationAssessment struct {
	features.Availability
	Probability    float64            `json:"automation_probability"`
	Classification detection.Level    `json:"classification"`
	RiskLevel      detection.Level    `json:"risk_level"`
	Indicators     []string           `json:"indicators"`
	Regularity     map[string]float64 `json:"timing_regularity"`
	Unavailable    map[string]string  `json:"unavailable"`
	ResultID       string             `json:"result_id,omitempty"`
	AssessedAt     *time.Time         `json:"assessed_at,omitempty"`
}

// RiskAnalysis is the latest stored assessment, or one composed from the
// stored results when none was requested yet. A composed assessment is not
// stored.
type RiskAnalysis struct {
	risk.Assessment
	Persisted     bool `json:"persisted"`
	HistoryLength int  `json:"history_length"`
}

// Pattern is the latest result of one detector.
type Pattern struct {
	features.Availability
	Score           float64         `json:"score"`
	Level           detection.Level `json:"risk_level"`
	Fired           []string        `json:"fired"`
	Recommendations []string        `json:"recommendations"`
	Runs            int             `json:"runs"`
	ResultID        string          `json:"result_id,omitempty"`
	DetectedAt      *time.Time      `json:"detected_at,omitempty"`
}

type SessionMetadata struct {
	telemetry.Metadata
	Submissions    map[telemetry.Modality]int `json:"submissions"`
	Keystrokes     int                        `json:"keystroke_count"`
	MouseEvents    int                        `json:"mouse_event_count"`
	Responses      int                        `json:"response_count"`
	DeviceID       string                     `json:"device_id,omitempty"`
	RequestSignals *telemetry.RequestSignals  `json:"request_signals,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// A feature whose coefficient of variation across analyses stays below
// stableCV counts as stable.
const stableCV = 0.25

// Summary assembles the session summary from stored state only. It fails
// with store.ErrNotFound only when the session never received telemetry.
func (s *Service) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	snaps, err := s.store.ListSnapshots(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	results, err := s.store.ListDetectionResults(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection results: %w", err)
	}
	history, err := s.store.ListAssessments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	alerts, err := s.store.ListAlerts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	now := s.now()
	latest, runs := latestResults(results)

	sum := &Summary{
		SessionID:   sess.ID,
		Fingerprint: behavioralFingerprint(snaps),
		Consistency: consistency(snaps),
		Automation:  automationAssessment(latest[detection.TypeAutomation], snaps),
		Patterns:    patterns(latest, runs),
		Metadata:    s.sessionMetadata(ctx, sess),
		GeneratedAt: now,
	}

	sum.Risk = RiskAnalysis{HistoryLength: len(history)}
	if n := len(history); n > 0 {
		sum.Risk.Assessment = history[n-1]
		sum.Risk.Persisted = true
	} else {
		sum.Risk.Assessment = s.composer.Compose(sessionID, results, now)
	}

	sum.Overview = Overview{
		TotalResults: len(results),
		Snapshots:    len(snaps),
		Assessments:  len(history),
		Alerts:       len(alerts),
		Modalities:   modalities(sess),
		FirstSeen:    sess.CreatedAt,
		LastSeen:     sess.UpdatedAt,
	}
	sum.Overview.TimeSpanSeconds = sess.TimeSpan().Seconds()
	for _, p := range sum.Patterns {
		if p.Available {
			sum.Overview.AvailableAnalyses++
		} else {
			sum.Overview.UnavailableAnalyses++
		}
	}
	return sum, nil
}

// latestResults picks, per detector, the newest available result and falls
// back to the newest result when none was available.
func latestResults(results []detection.Result) (map[detection.Type]*detection.Result, map[detection.Type]int) {
	latest := map[detection.Type]*detection.Result{}
	runs := map[detection.Type]int{}
	for i := range results {
		r := &results[i]
		runs[r.Type]++
		if cur, ok := latest[r.Type]; ok && cur.Available && !r.Available {
			continue
		}
		latest[r.Type] = r
	}
	return latest, runs
}

func patterns(latest map[detection.Type]*detection.Result, runs map[detection.Type]int) map[detection.Type]Pattern {
	out := make(map[detection.Type]Pattern, len(detection.AllTypes))
	for _, t := range detection.AllTypes {
		r, ok := latest[t]
		if !ok {
			out[t] = Pattern{
				Availability:    features.Availability{Reason: "not analyzed"},
				Level:           detection.LevelMinimal,
				Fired:           []string{},
				Recommendations: []string{},
			}
			continue
		}
		p := Pattern{
			Availability:    features.Availability{Available: r.Available, Reason: r.Reason},
			Score:           r.Score,
			Level:           r.Level,
			Fired:           []string{},
			Recommendations: r.Recommendations,
			Runs:            runs[t],
			ResultID:        r.ID,
		}
		at := r.CreatedAt
		p.DetectedAt = &at
		if p.Recommendations == nil {
			p.Recommendations = []string{}
		}
		for _, sub := range r.SubAnalyses {
			if sub.Fired {
				p.Fired = append(p.Fired, sub.Name)
			}
		}
		out[t] = p
	}
	return out
}

func behavioralFingerprint(snaps []features.Snapshot) BehavioralFingerprint {
	fp := BehavioralFingerprint{Unavailable: map[string]string{}}
	for i := len(snaps) - 1; i >= 0; i-- {
		sn := snaps[i]
		if fp.Keystroke == nil && sn.Keystroke != nil {
			fp.Keystroke = sn.Keystroke
		}
		if fp.Mouse == nil && sn.Mouse != nil {
			fp.Mouse = sn.Mouse
		}
		if fp.Timing == nil && sn.Timing != nil {
			fp.Timing = sn.Timing
		}
		if fp.Device == nil && sn.Fingerprint != nil {
			fp.Device = sn.Fingerprint
		}
	}
	if fp.Keystroke == nil {
		fp.Unavailable["keystroke"] = "no keystroke features recorded"
	}
	if fp.Mouse == nil {
		fp.Unavailable["mouse"] = "no mouse features recorded"
	}
	if fp.Timing == nil {
		fp.Unavailable["timing"] = "no response timing features recorded"
	}
	if fp.Device == nil {
		fp.Unavailable["device"] = "no device fingerprint recorded"
	}
	fp.Available = fp.Keystroke != nil || fp.Mouse != nil
	if !fp.Available {
		fp.Reason = "no keystroke or mouse features recorded"
	}
	return fp
}

// consistencyProbes read one feature from the snapshots a submission of
// the given modality produced.
var consistencyProbes = []struct {
	name     string
	modality telemetry.Modality
	value    func(features.Snapshot) (float64, bool)
}{
	{"keystroke.flight_mean", telemetry.ModalityKeystroke, func(sn features.Snapshot) (float64, bool) {
		if sn.Keystroke == nil {
			return 0, false
		}
		return sn.Keystroke.Flight.Mean, true
	}},
	{"keystroke.dwell_mean", telemetry.ModalityKeystroke, func(sn features.Snapshot) (float64, bool) {
		if sn.Keystroke == nil {
			return 0, false
		}
		return sn.Keystroke.Dwell.Mean, true
	}},
	{"mouse.velocity_mean", telemetry.ModalityMouse, func(sn features.Snapshot) (float64, bool) {
		if sn.Mouse == nil {
			return 0, false
		}
		return sn.Mouse.Velocity.Mean, true
	}},
	{"mouse.straightness", telemetry.ModalityMouse, func(sn features.Snapshot) (float64, bool) {
		if sn.Mouse == nil {
			return 0, false
		}
		return sn.Mouse.Straightness, true
	}},
	{"timing.response_time_mean", telemetry.ModalityResponses, func(sn features.Snapshot) (float64, bool) {
		if sn.Timing == nil {
			return 0, false
		}
		return sn.Timing.ResponseTime.Mean, true
	}},
	{"timing.accuracy", telemetry.ModalityResponses, func(sn features.Snapshot) (float64, bool) {
		if sn.Timing == nil {
			return 0, false
		}
		return sn.Timing.Accuracy, true
	}},
}

// consistency measures the variance of features across repeated analyses.
// A metric needs at least two analyses triggered by its own modality.
func consistency(snaps []features.Snapshot) Consistency {
	c := Consistency{Metrics: map[string]ConsistencyMetric{}, Unavailable: map[string]string{}}
	var cvSum float64
	for _, p := range consistencyProbes {
		var xs []float64
		for _, sn := range snaps {
			if sn.Trigger != p.modality {
				continue
			}
			if v, ok := p.value(sn); ok {
				xs = append(xs, v)
			}
		}
		if len(xs) < 2 {
			c.Unavailable[p.name] = fmt.Sprintf("need at least 2 %s analyses, have %d", p.modality, len(xs))
			continue
		}
		d := features.Describe(xs)
		c.Metrics[p.name] = ConsistencyMetric{Samples: len(xs), Distribution: d, Stable: d.CV <= stableCV}
		cvSum += d.CV
	}
	if len(c.Metrics) == 0 {
		c.Reason = "no feature was analyzed more than once"
		return c
	}
	c.Available = true
	c.Score = detection.Clamp(1 - cvSum/float64(len(c.Metrics)))
	return c
}

func automationAssessment(r *detection.Result, snaps []features.Snapshot) AutomationAssessment {
	a := AutomationAssessment{
		Classification: detection.LevelLow,
		RiskLevel:      detection.LevelMinimal,
		Indicators:     []string{},
		Regularity:     regularity(snaps),
		Unavailable:    map[string]string{},
	}
	if r == nil {
		a.Reason = "no automation analysis recorded"
		return a
	}
	a.ResultID = r.ID
	at := r.CreatedAt
	a.AssessedAt = &at
	for _, sub := range r.SubAnalyses {
		if !sub.Available {
			a.Unavailable[sub.Name] = sub.Reason
		}
	}
	if !r.Available {
		a.Reason = r.Reason
		return a
	}
	a.Available = true
	a.Probability = r.Score
	a.RiskLevel = r.Level
	if r.Automation != nil {
		a.Probability = r.Automation.Probability
		a.Classification = r.Automation.Classification
		a.Indicators = append(a.Indicators, r.Automation.Indicators...)
	}
	return a
}

// regularity reports the coefficients of variation of the latest recorded
// timing distributions. Lower means more machine-like.
func regularity(snaps []features.Snapshot) map[string]float64 {
	out := map[string]float64{}
	for i := len(snaps) - 1; i >= 0; i-- {
		sn := snaps[i]
		if _, ok := out["response_time_cv"]; !ok && sn.Timing != nil {
			out["response_time_cv"] = sn.Timing.ResponseTime.CV
		}
		if _, ok := out["flight_cv"]; !ok && sn.Keystroke != nil {
			out["flight_cv"] = sn.Keystroke.Flight.CV
			out["dwell_cv"] = sn.Keystroke.Dwell.CV
		}
		if _, ok := out["velocity_cv"]; !ok && sn.Mouse != nil {
			out["velocity_cv"] = sn.Mouse.Velocity.CV
		}
	}
	return out
}

func (s *Service) sessionMetadata(ctx context.Context, sess *telemetry.Session) SessionMetadata {
	subs := make(map[telemetry.Modality]int, len(sess.Submissions))
	for m, n := range sess.Submissions {
		subs[m] = n
	}
	return SessionMetadata{
		Metadata:       sess.Metadata,
		Submissions:    subs,
		Keystrokes:     len(sess.Keystrokes),
		MouseEvents:    len(sess.Mouse),
		Responses:      len(sess.Responses),
		DeviceID:       deviceOf(sess),
		RequestSignals: sess.Signals,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}
}

func modalities(sess *telemetry.Session) []telemetry.Modality {
	out := make([]telemetry.Modality, 0, len(sess.Submissions))
	for m, n := range sess.Submissions {
		if n > 0 {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
