package detection

import (
	"context"
)

var difficultyAdvice = map[string]string{
	"difficulty_correctness": "Compare performance on hard items against the candidate's history; accuracy rises with difficulty",
	"accuracy_inversion":     "Verify hard-item answers; accuracy on hard questions exceeds accuracy on easy ones",
	"time_inversion":         "Check whether hard items were answered from prior knowledge of the questions",
}

// DifficultyDetector flags sessions whose accuracy improves as questions get
// harder, the signature of pre-knowledge or outside help.
type DifficultyDetector struct {
	Settings Settings
}

func (d *DifficultyDetector) Type() Type { return TypeDifficultyProgression }

func (d *DifficultyDetector) Detect(_ context.Context, in Input) Result {
	t := in.Features.Timing
	if !t.Available {
		reason := t.Reason
		if reason == "" {
			reason = "response features unavailable"
		}
		return Unavailable(d.Type(), in, reason)
	}

	var subs []weighted

	if c := t.DifficultyCorrect; c.Valid {
		subs = append(subs, weighted{scored("difficulty_correctness", c.R, 0.3, map[string]float64{
			"r":       c.R,
			"p_value": c.PValue,
			"n":       float64(c.N),
		}), 0.4})
	} else {
		subs = append(subs, weighted{skipped("difficulty_correctness", "difficulty or correctness does not vary"), 0.4})
	}

	easy, okEasy := t.Bin("easy")
	hard, okHard := t.Bin("hard")
	if okEasy && okHard && easy.Count >= 2 && hard.Count >= 2 {
		gap := hard.Accuracy - easy.Accuracy
		subs = append(subs, weighted{scored("accuracy_inversion", gap/0.5, 0.4, map[string]float64{
			"easy_accuracy": easy.Accuracy,
			"hard_accuracy": hard.Accuracy,
			"gap":           gap,
		}), 0.4})
	} else {
		subs = append(subs, weighted{skipped("accuracy_inversion", "need at least two easy and two hard items"), 0.4})
	}

	if c := t.DifficultyTime; c.Valid {
		subs = append(subs, weighted{scored("time_inversion", -c.R, 0.3, map[string]float64{
			"r":       c.R,
			"p_value": c.PValue,
		}), 0.2})
	} else {
		subs = append(subs, weighted{skipped("time_inversion", "response times unavailable"), 0.2})
	}

	score, coverage, ok := weightedMean(subs)
	if !ok {
		return Unavailable(d.Type(), in, unavailableReason(subs))
	}
	res := finish(d.Type(), in, d.Settings.Thresholds, score, coverage*sampleFactor(t.Responses, 30), unwrap(subs), difficultyAdvice)
	if c := t.DifficultyCorrect; c.Valid {
		res.Significance = &Significance{Test: "pearson", Statistic: c.R, PValue: c.PValue, SampleSize: c.N}
	}
	return res
}
