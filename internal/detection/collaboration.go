package detection

import (
	"context"
	"sort"
	"strings"

	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/telemetry"
)

const (
	minSharedQuestions  = 3
	clusterSimilarity   = 0.85
	minIdenticalWrongOf = 2
)

var collaborationAdvice = map[string]string{
	"answer_similarity":   "Review this session side by side with the most similar sessions",
	"identical_incorrect": "Shared incorrect answers suggest coordination; escalate for manual review",
	"timing_coordination": "Response timing moves in step with another session",
	"similarity_cluster":  "Session belongs to a cluster of near-identical submissions",
}

// PairSimilarity compares the target session with one other session.
type PairSimilarity struct {
	SessionID          string  `json:"session_id"`
	SharedQuestions    int     `json:"shared_questions"`
	Similarity         float64 `json:"similarity"`
	BothIncorrect      int     `json:"both_incorrect"`
	IdenticalIncorrect float64 `json:"identical_incorrect_ratio"`
	TimingCorrelation  float64 `json:"timing_correlation"`
	TimingValid        bool    `json:"timing_valid"`
}

type CollaborationDetails struct {
	Compared    int              `json:"compared"`
	Pairs       []PairSimilarity `json:"pairs"`
	ClusterSize int              `json:"cluster_size"`
}

// CollaborationDetector compares answers and timing across sessions.
type CollaborationDetector struct {
	Settings Settings
}

func (d *CollaborationDetector) Type() Type { return TypeCollaboration }

func (d *CollaborationDetector) Detect(_ context.Context, in Input) Result {
	if len(in.Comparisons) == 0 {
		return Unavailable(d.Type(), in, "no comparison sessions")
	}
	if in.Session == nil || len(in.Session.Responses) == 0 {
		return Unavailable(d.Type(), in, "no responses submitted")
	}

	details := &CollaborationDetails{Compared: len(in.Comparisons)}
	for _, other := range in.Comparisons {
		if other == nil || other.ID == in.Session.ID {
			continue
		}
		p, ok := comparePair(in.Session.Responses, other)
		if !ok {
			continue
		}
		details.Pairs = append(details.Pairs, p)
		if p.Similarity >= clusterSimilarity {
			details.ClusterSize++
		}
	}
	if len(details.Pairs) == 0 {
		return Unavailable(d.Type(), in, "no comparison session shares enough questions")
	}
	sort.SliceStable(details.Pairs, func(i, j int) bool { return details.Pairs[i].Similarity > details.Pairs[j].Similarity })

	var maxSim, maxWrong, maxTiming float64
	wrongSeen, timingSeen := false, false
	for _, p := range details.Pairs {
		if p.Similarity > maxSim {
			maxSim = p.Similarity
		}
		if p.BothIncorrect >= minIdenticalWrongOf {
			wrongSeen = true
			if p.IdenticalIncorrect > maxWrong {
				maxWrong = p.IdenticalIncorrect
			}
		}
		if p.TimingValid {
			timingSeen = true
			if p.TimingCorrelation > maxTiming {
				maxTiming = p.TimingCorrelation
			}
		}
	}

	subs := []weighted{
		{scored("answer_similarity", (maxSim-0.6)/0.4, 0.5, map[string]float64{"max_similarity": maxSim}), 0.35},
		{skipped("identical_incorrect", "no shared incorrect answers"), 0.35},
		{skipped("timing_coordination", "response times not comparable"), 0.2},
		{scored("similarity_cluster", float64(details.ClusterSize)/3, 0.34, map[string]float64{"cluster_size": float64(details.ClusterSize)}), 0.1},
	}
	if wrongSeen {
		subs[1].SubAnalysis = scored("identical_incorrect", maxWrong, 0.5, map[string]float64{"max_ratio": maxWrong})
	}
	if timingSeen {
		subs[2].SubAnalysis = scored("timing_coordination", maxTiming, 0.7, map[string]float64{"max_r": maxTiming})
	}

	score, coverage, _ := weightedMean(subs)
	res := finish(d.Type(), in, d.Settings.Thresholds, score, coverage*sampleFactor(len(details.Pairs), 5), unwrap(subs), collaborationAdvice)
	res.Collaboration = details
	return res
}

// comparePair aligns two sessions on shared question ids.
func comparePair(target []telemetry.ResponseRecord, other *telemetry.Session) (PairSimilarity, bool) {
	byID := make(map[string]telemetry.ResponseRecord, len(other.Responses))
	for _, r := range other.Responses {
		byID[r.QuestionID] = r
	}

	p := PairSimilarity{SessionID: other.ID}
	var same, identicalWrong int
	var ta, tb []float64
	for _, a := range target {
		b, ok := byID[a.QuestionID]
		if !ok {
			continue
		}
		p.SharedQuestions++
		match := normalizeAnswer(a.Answer) == normalizeAnswer(b.Answer) && normalizeAnswer(a.Answer) != ""
		if match {
			same++
		}
		if !a.Correct && !b.Correct {
			p.BothIncorrect++
			if match {
				identicalWrong++
			}
		}
		if a.ResponseTime > 0 && b.ResponseTime > 0 {
			ta = append(ta, a.ResponseTime)
			tb = append(tb, b.ResponseTime)
		}
	}
	if p.SharedQuestions < minSharedQuestions {
		return p, false
	}
	p.Similarity = float64(same) / float64(p.SharedQuestions)
	if p.BothIncorrect > 0 {
		p.IdenticalIncorrect = float64(identicalWrong) / float64(p.BothIncorrect)
	}
	if c := features.Pearson(ta, tb); c.Valid {
		p.TimingCorrelation, p.TimingValid = c.R, true
	}
	return p, true
}

func normalizeAnswer(a string) string { return strings.ToLower(strings.TrimSpace(a)) }
