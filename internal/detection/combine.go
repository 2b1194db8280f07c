package detection

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// weighted is a sub-analysis with its share of the detector score.
type weighted struct {
	SubAnalysis
	weight float64
}

func skipped(name, reason string) SubAnalysis {
	return SubAnalysis{Name: name, Reason: reason}
}

func scored(name string, score float64, fireAt float64, metrics map[string]float64) SubAnalysis {
	score = Clamp(score)
	return SubAnalysis{Name: name, Available: true, Score: score, Fired: score >= fireAt, Metrics: metrics}
}

// weightedMean averages the available sub-analyses, renormalizing their
// weights. coverage is the share of total weight that was available.
func weightedMean(subs []weighted) (score, coverage float64, ok bool) {
	var total, used, sum float64
	for _, s := range subs {
		total += s.weight
		if !s.Available {
			continue
		}
		used += s.weight
		sum += s.weight * s.Score
	}
	if used == 0 {
		return 0, 0, false
	}
	return Clamp(sum / used), used / total, true
}

// noisyOr combines independent evidence: 1 - prod(1 - w*s).
func noisyOr(subs []weighted) (score, coverage float64, ok bool) {
	var total, used float64
	miss := 1.0
	for _, s := range subs {
		total += s.weight
		if !s.Available {
			continue
		}
		used += s.weight
		miss *= 1 - Clamp(s.weight*s.Score)
	}
	if used == 0 {
		return 0, 0, false
	}
	return Clamp(1 - miss), used / total, true
}

func unwrap(subs []weighted) []SubAnalysis {
	out := make([]SubAnalysis, len(subs))
	for i, s := range subs {
		out[i] = s.SubAnalysis
	}
	return out
}

// unavailableReason joins the reasons of every skipped sub-analysis.
func unavailableReason(subs []weighted) string {
	reasons := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.Reason != "" {
			reasons = append(reasons, s.Name+": "+s.Reason)
		}
	}
	if len(reasons) == 0 {
		return "no usable signal"
	}
	return strings.Join(reasons, "; ")
}

// recommend returns advice for each fired sub-analysis, deduplicated and in
// sub-analysis order.
func recommend(subs []SubAnalysis, advice map[string]string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, s := range subs {
		if !s.Fired {
			continue
		}
		text, ok := advice[s.Name]
		if !ok || seen[text] {
			continue
		}
		seen[text] = true
		out = append(out, text)
	}
	return out
}

// finish fills the common fields of an available result.
func finish(t Type, in Input, th Thresholds, score, confidence float64, subs []SubAnalysis, advice map[string]string) Result {
	return Result{
		ID:              uuid.NewString(),
		SessionID:       in.sessionID(),
		Type:            t,
		Available:       true,
		Score:           Clamp(score),
		Level:           th.Classify(score),
		Confidence:      Clamp(confidence),
		SubAnalyses:     subs,
		Recommendations: recommend(subs, advice),
		CreatedAt:       in.now(),
	}
}

// sampleFactor grows toward 1 as n approaches full.
func sampleFactor(n, full int) float64 {
	if full <= 0 {
		return 1
	}
	return Clamp(float64(n) / float64(full))
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
