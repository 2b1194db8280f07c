package features

import (
	"context"

	"github.com/shortontech/goproctor/internal/telemetry"
)

// DifficultyBin aggregates responses within a difficulty band.
type DifficultyBin struct {
	Label            string  `json:"label"`
	Lower            float64 `json:"lower"`
	Upper            float64 `json:"upper"`
	Count            int     `json:"count"`
	Accuracy         float64 `json:"accuracy"`
	MeanResponseTime float64 `json:"mean_response_time"`
}

type TimingFeatures struct {
	Availability
	Responses         int             `json:"responses"`
	ResponseTime      Distribution    `json:"response_time"`
	Accuracy          float64         `json:"accuracy"`
	DifficultyTime    Correlation     `json:"difficulty_time"`
	DifficultyCorrect Correlation     `json:"difficulty_correct"`
	Bins              []DifficultyBin `json:"bins"`
	AnswerChanges     int             `json:"answer_changes"`
}

func (TimingFeatures) Modality() telemetry.Modality { return telemetry.ModalityResponses }
func (f TimingFeatures) Status() Availability      { return f.Availability }

// Bin returns the bin with the given label.
func (f TimingFeatures) Bin(label string) (DifficultyBin, bool) {
	for _, b := range f.Bins {
		if b.Label == label {
			return b, true
		}
	}
	return DifficultyBin{}, false
}

// TimingExtractor relates response times and correctness to difficulty.
type TimingExtractor struct {
	MinResponses int
}

func (e *TimingExtractor) Modality() telemetry.Modality { return telemetry.ModalityResponses }

func (e *TimingExtractor) Extract(_ context.Context, s *telemetry.Session) FeatureSet {
	rs := s.Responses
	f := TimingFeatures{Responses: len(rs)}
	if len(rs) < e.MinResponses || len(rs) == 0 {
		f.Availability = unavailable("insufficient responses: %d < %d", len(rs), e.MinResponses)
		return f
	}

	var (
		times, timedDifficulty []float64
		difficulty, correct    []float64
		nCorrect               int
	)
	bins := []DifficultyBin{
		{Label: "easy", Lower: 0, Upper: 1.0 / 3},
		{Label: "medium", Lower: 1.0 / 3, Upper: 2.0 / 3},
		{Label: "hard", Lower: 2.0 / 3, Upper: 1},
	}
	binTimes := make([][]float64, len(bins))
	binCorrect := make([]int, len(bins))

	for _, r := range rs {
		c := 0.0
		if r.Correct {
			c = 1
			nCorrect++
		}
		difficulty = append(difficulty, r.Difficulty)
		correct = append(correct, c)
		if r.ResponseTime > 0 {
			times = append(times, r.ResponseTime)
			timedDifficulty = append(timedDifficulty, r.Difficulty)
		}
		f.AnswerChanges += r.AnswerChanges

		idx := binIndex(r.Difficulty)
		bins[idx].Count++
		binCorrect[idx] += int(c)
		if r.ResponseTime > 0 {
			binTimes[idx] = append(binTimes[idx], r.ResponseTime)
		}
	}

	for i := range bins {
		if bins[i].Count > 0 {
			bins[i].Accuracy = float64(binCorrect[i]) / float64(bins[i].Count)
		}
		if len(binTimes[i]) > 0 {
			bins[i].MeanResponseTime = Describe(binTimes[i]).Mean
		}
	}

	f.Availability = available()
	f.Accuracy = float64(nCorrect) / float64(len(rs))
	f.ResponseTime = Describe(times)
	f.DifficultyTime = Pearson(timedDifficulty, times)
	f.DifficultyCorrect = Pearson(difficulty, correct)
	f.Bins = bins
	return f
}

func binIndex(d float64) int {
	switch {
	case d < 1.0/3:
		return 0
	case d < 2.0/3:
		return 1
	}
	return 2
}
