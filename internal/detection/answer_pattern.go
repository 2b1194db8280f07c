package detection

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/shortontech/goproctor/internal/telemetry"
)

const maxRepetitionPeriod = 4

var answerPatternAdvice = map[string]string{
	"distribution_uniformity": "Review answer choice distribution; selections are heavily skewed toward few options",
	"periodic_repetition":     "Inspect the answer sequence for a repeating pattern",
	"change_frequency":        "Review late answer changes against the submission timeline",
}

// AnswerPatternDetector looks for non-random structure in the selected
// answers.
type AnswerPatternDetector struct {
	Settings Settings
}

func (d *AnswerPatternDetector) Type() Type { return TypeAnswerPattern }

func (d *AnswerPatternDetector) Detect(_ context.Context, in Input) Result {
	if in.Session == nil || len(in.Session.Responses) == 0 {
		return Unavailable(d.Type(), in, "no responses submitted")
	}
	rs := in.Session.Responses
	if len(rs) < d.Settings.MinResponses {
		return Unavailable(d.Type(), in, "insufficient responses for pattern analysis")
	}

	seq := answerSequence(rs)
	uniform, sig := d.uniformity(seq)
	subs := []weighted{
		{uniform, 0.4},
		{d.repetition(seq), 0.35},
		{d.changes(rs), 0.25},
	}
	score, coverage, ok := weightedMean(subs)
	if !ok {
		return Unavailable(d.Type(), in, unavailableReason(subs))
	}
	res := finish(d.Type(), in, d.Settings.Thresholds, score, coverage*sampleFactor(len(rs), 20), unwrap(subs), answerPatternAdvice)
	res.Significance = sig
	return res
}

// uniformity runs a chi-square goodness-of-fit test against equal use of
// every observed option. Strong deviation maps toward 1.
func (d *AnswerPatternDetector) uniformity(seq []string) (SubAnalysis, *Significance) {
	const name = "distribution_uniformity"
	if len(seq) < d.Settings.MinResponses {
		return skipped(name, "too few non-empty answers"), nil
	}
	counts := map[string]int{}
	for _, a := range seq {
		counts[a]++
	}
	k := len(counts)
	n := float64(len(seq))
	if k == 1 {
		return scored(name, 1, 0.5, map[string]float64{"options": 1, "p_value": 0}), &Significance{Test: "chi_square", PValue: 0, SampleSize: len(seq)}
	}
	if k == len(seq) {
		return skipped(name, "every answer is distinct"), nil
	}

	expected := n / float64(k)
	var chi2 float64
	for _, key := range sortedKeys(counts) {
		diff := float64(counts[key]) - expected
		chi2 += diff * diff / expected
	}
	df := float64(k - 1)
	p := 1 - distuv.ChiSquared{K: df}.CDF(chi2)
	p = math.Max(0, math.Min(1, p))

	sub := scored(name, uniformityScore(p), 0.5, map[string]float64{
		"chi_square": chi2,
		"df":         df,
		"p_value":    p,
		"options":    float64(k),
	})
	return sub, &Significance{Test: "chi_square", Statistic: chi2, PValue: p, SampleSize: len(seq)}
}

// uniformityScore maps a chi-square p-value onto [0,1] as -log10(p)/3,
// saturating at p <= 0.001.
func uniformityScore(p float64) float64 {
	if p <= 0 {
		return 1
	}
	return Clamp(-math.Log10(p) / 3)
}

// repetition checks whether answers repeat with a short period more often
// than chance.
func (d *AnswerPatternDetector) repetition(seq []string) SubAnalysis {
	const name = "periodic_repetition"
	minLen := d.Settings.MinResponses
	if minLen < 2*maxRepetitionPeriod {
		minLen = 2 * maxRepetitionPeriod
	}
	if len(seq) < minLen {
		return skipped(name, "answer sequence too short")
	}
	options := map[string]bool{}
	for _, a := range seq {
		options[a] = true
	}
	k := len(options)
	if k < 2 {
		k = 2
	}
	chance := 1 / float64(k)

	best, bestPeriod := 0.0, 0
	for period := 1; period <= maxRepetitionPeriod; period++ {
		match := 0
		for i := period; i < len(seq); i++ {
			if seq[i] == seq[i-period] {
				match++
			}
		}
		ratio := float64(match) / float64(len(seq)-period)
		excess := (ratio - chance) / (1 - chance)
		if excess > best {
			best, bestPeriod = excess, period
		}
	}
	return scored(name, best, 0.6, map[string]float64{
		"period":       float64(bestPeriod),
		"excess_ratio": Clamp(best),
		"chance":       chance,
	})
}

// changes scores how often answers were revised, weighting revisions made
// in the final fifth of the session.
func (d *AnswerPatternDetector) changes(rs []telemetry.ResponseRecord) SubAnalysis {
	const name = "change_frequency"
	total := 0
	for _, r := range rs {
		total += r.AnswerChanges
	}
	rate := float64(total) / float64(len(rs))
	if total == 0 {
		return scored(name, 0, 0.5, map[string]float64{"rate": 0, "late_share": 0})
	}

	ordered := make([]telemetry.ResponseRecord, len(rs))
	copy(ordered, rs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })
	cut := len(ordered) - int(math.Ceil(float64(len(ordered))/5))
	late := 0
	for _, r := range ordered[cut:] {
		late += r.AnswerChanges
	}
	lateShare := float64(late) / float64(total)

	score := 0.6*Clamp(rate/2) + 0.4*lateShare
	return scored(name, score, 0.5, map[string]float64{"rate": rate, "late_share": lateShare})
}

func answerSequence(rs []telemetry.ResponseRecord) []string {
	seq := make([]string, 0, len(rs))
	for _, r := range rs {
		if a := normalizeAnswer(r.Answer); a != "" {
			seq = append(seq, a)
		}
	}
	return seq
}
