package detection

import (
	"context"
	"fmt"

	"github.com/shortontech/goproctor/internal/features"
)

// Coefficients of variation below these are tighter than people manage.
const (
	humanResponseCV = 0.35
	humanFlightCV   = 0.35
	humanDwellCV    = 0.25
	humanVelocityCV = 0.3

	minFlightSamples = 10
	minDwellSamples  = 10
)

type AutomationDetails struct {
	Probability    float64  `json:"automation_probability"`
	Classification Level    `json:"classification"`
	Indicators     []string `json:"indicators"`
}

var automationAdvice = map[string]string{
	"response_regularity": "Response times are machine-regular; verify a human completed the assessment",
	"flight_regularity":   "Typing rhythm is too uniform for a human typist",
	"dwell_regularity":    "Key hold times are nearly constant",
	"mouse_linearity":     "Pointer paths are ruler-straight at constant speed",
	"request_signals":     "Request headers or user agent indicate an automation framework",
}

// AutomationDetector estimates the probability that a script drove the
// session. Independent regularity signals are combined by noisy-OR.
type AutomationDetector struct {
	Settings Settings
}

func (d *AutomationDetector) Type() Type { return TypeAutomation }

func (d *AutomationDetector) Detect(_ context.Context, in Input) Result {
	b := in.Features
	subs := []weighted{
		{d.responses(b.Timing), 0.85},
		{regularity("flight_regularity", b.Keystroke.Available, b.Keystroke.Flight, minFlightSamples, humanFlightCV), 0.6},
		{regularity("dwell_regularity", b.Keystroke.Available, b.Keystroke.Dwell, minDwellSamples, humanDwellCV), 0.5},
		{mouseLinearity(b.Mouse), 0.4},
		{d.requestSignals(in), 0.5},
	}

	score, coverage, ok := noisyOr(subs)
	if !ok {
		return Unavailable(d.Type(), in, unavailableReason(subs))
	}
	res := finish(d.Type(), in, d.Settings.Thresholds, score, coverage, unwrap(subs), automationAdvice)

	details := &AutomationDetails{Probability: res.Score, Classification: automationLevel(res.Score), Indicators: []string{}}
	for _, s := range res.SubAnalyses {
		if s.Fired {
			details.Indicators = append(details.Indicators, s.Name)
		}
	}
	res.Automation = details
	return res
}

// automationLevel is the coarse HIGH/MEDIUM/LOW verdict reported with the
// probability.
func automationLevel(p float64) Level {
	switch {
	case p >= 0.7:
		return LevelHigh
	case p >= 0.4:
		return LevelMedium
	}
	return LevelLow
}

func (d *AutomationDetector) responses(t features.TimingFeatures) SubAnalysis {
	const name = "response_regularity"
	if !t.Available {
		return skipped(name, "response features unavailable")
	}
	min := d.Settings.MinResponses
	if min < 2 {
		min = 2
	}
	if t.ResponseTime.Count < min {
		return skipped(name, fmt.Sprintf("only %d timed responses", t.ResponseTime.Count))
	}
	return cvScore(name, t.ResponseTime, humanResponseCV)
}

func regularity(name string, available bool, dist features.Distribution, min int, humanCV float64) SubAnalysis {
	if !available {
		return skipped(name, "keystroke features unavailable")
	}
	if dist.Count < min {
		return skipped(name, fmt.Sprintf("only %d samples", dist.Count))
	}
	return cvScore(name, dist, humanCV)
}

func cvScore(name string, dist features.Distribution, humanCV float64) SubAnalysis {
	return scored(name, (humanCV-dist.CV)/humanCV, 0.6, map[string]float64{
		"cv":       dist.CV,
		"human_cv": humanCV,
		"samples":  float64(dist.Count),
	})
}

func mouseLinearity(m features.MouseFeatures) SubAnalysis {
	const name = "mouse_linearity"
	if !m.Available {
		return skipped(name, "mouse features unavailable")
	}
	if m.Velocity.Count < 5 {
		return skipped(name, "too few pointer movements")
	}
	straight := Clamp((m.Straightness - 0.9) / 0.1)
	steady := Clamp((humanVelocityCV - m.Velocity.CV) / humanVelocityCV)
	return scored(name, straight*steady, 0.6, map[string]float64{
		"straightness": m.Straightness,
		"velocity_cv":  m.Velocity.CV,
	})
}

func (d *AutomationDetector) requestSignals(in Input) SubAnalysis {
	const name = "request_signals"
	if in.Session == nil || in.Session.Signals == nil {
		return skipped(name, "no request signals captured")
	}
	sig := in.Session.Signals
	return scored(name, sig.AutomationScore(), 0.5, map[string]float64{
		"automation_headers": float64(len(sig.AutomationHeaders)),
		"missing_headers":    float64(len(sig.MissingHeaders)),
		"timing_precision":   float64(sig.Timing.IntervalPrecision),
	})
}
