package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/telemetry"
)

var testNow = time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)

func input(s *telemetry.Session) Input {
	eng := features.NewEngine(features.DefaultOptions(), nil)
	return Input{Session: s, Features: eng.ExtractAll(context.Background(), s), Now: testNow}
}

func session(id string) *telemetry.Session {
	s := telemetry.NewSession(id, testNow)
	s.Metadata.StartTime = testNow
	return s
}

func TestThresholdsClassify(t *testing.T) {
	th := DefaultThresholds()
	require.NoError(t, th.Validate())

	tests := []struct {
		score float64
		want  Level
	}{
		{-0.5, LevelMinimal},
		{0, LevelMinimal},
		{0.2499, LevelMinimal},
		{0.25, LevelLow},
		{0.5, LevelMedium},
		{0.69, LevelMedium},
		{0.7, LevelHigh},
		{0.85, LevelCritical},
		{1, LevelCritical},
		{3, LevelCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%g", tt.score), func(t *testing.T) {
			assert.Equal(t, tt.want, th.Classify(tt.score))
		})
	}

	prev := LevelMinimal
	for i := 0; i <= 1000; i++ {
		l := th.Classify(float64(i) / 1000)
		assert.GreaterOrEqual(t, l.Rank(), prev.Rank(), "classification must not decrease at %d", i)
		prev = l
	}
}

func TestThresholdsValidate(t *testing.T) {
	bad := []Thresholds{
		{Low: 0.5, Medium: 0.5, High: 0.7, Critical: 0.85},
		{Low: 0, Medium: 0.5, High: 0.7, Critical: 0.85},
		{Low: 0.25, Medium: 0.5, High: 0.9, Critical: 0.85},
		{Low: 0.25, Medium: 0.5, High: 0.7, Critical: 1.1},
	}
	for _, th := range bad {
		assert.Error(t, th.Validate(), "%+v", th)
	}
}

type panicky struct{}

func (panicky) Type() Type { return TypeAutomation }
func (panicky) Detect(context.Context, Input) Result { panic("boom") }

func TestSafeRecoversPanics(t *testing.T) {
	res := Safe(context.Background(), panicky{}, Input{Session: session("s1"), Now: testNow})
	assert.False(t, res.Available)
	assert.Contains(t, res.Reason, "detector failed")
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, TypeAutomation, res.Type)
	assert.Zero(t, res.Score)
}

func TestNewDetectorsCoversEveryType(t *testing.T) {
	got := map[Type]bool{}
	for _, d := range NewDetectors(DefaultSettings()) {
		got[d.Type()] = true
	}
	for _, typ := range AllTypes {
		assert.True(t, got[typ], "missing detector %s", typ)
	}
}

func TestDetectorsOnEmptySession(t *testing.T) {
	in := input(session("empty"))
	for _, d := range NewDetectors(DefaultSettings()) {
		t.Run(string(d.Type()), func(t *testing.T) {
			res := Safe(context.Background(), d, in)
			assert.False(t, res.Available)
			assert.NotEmpty(t, res.Reason)
			assert.Equal(t, LevelMinimal, res.Level)
			assert.NotNil(t, res.Recommendations)
		})
	}
}

func answers(seq ...string) []telemetry.ResponseRecord {
	out := make([]telemetry.ResponseRecord, len(seq))
	for i, a := range seq {
		out[i] = telemetry.ResponseRecord{
			QuestionID:   fmt.Sprintf("q%d", i+1),
			Answer:       a,
			Difficulty:   0.5,
			ResponseTime: float64(10 + (i*7)%23),
			Timestamp:    float64(i * 1000),
		}
	}
	return out
}

func TestAnswerPattern(t *testing.T) {
	d := &AnswerPatternDetector{Settings: DefaultSettings()}

	t.Run("insufficient responses", func(t *testing.T) {
		s := session("s")
		s.Responses = answers("a", "b")
		res := d.Detect(context.Background(), input(s))
		assert.False(t, res.Available)
	})

	t.Run("single option", func(t *testing.T) {
		s := session("s")
		seq := make([]string, 20)
		for i := range seq {
			seq[i] = "A"
		}
		s.Responses = answers(seq...)
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		assert.InDelta(t, 0.75, res.Score, 1e-9)
		assert.Equal(t, LevelHigh, res.Level)
		require.NotNil(t, res.Significance)
		assert.Equal(t, "chi_square", res.Significance.Test)
		assert.NotEmpty(t, res.Recommendations)
	})

	t.Run("cycling answers", func(t *testing.T) {
		s := session("s")
		var seq []string
		for i := 0; i < 5; i++ {
			seq = append(seq, "a", "b", "c", "d")
		}
		s.Responses = answers(seq...)
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		assert.InDelta(t, 0.35, res.Score, 1e-9)
		var rep SubAnalysis
		for _, sub := range res.SubAnalyses {
			if sub.Name == "periodic_repetition" {
				rep = sub
			}
		}
		assert.True(t, rep.Fired)
		assert.Equal(t, 4.0, rep.Metrics["period"])
	})

	t.Run("irregular answers stay low", func(t *testing.T) {
		s := session("s")
		s.Responses = answers("a", "c", "b", "d", "b", "a", "d", "c", "c", "a", "b", "d", "a", "d", "b", "c")
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		assert.Less(t, res.Score, 0.25)
	})

	t.Run("late answer changes", func(t *testing.T) {
		s := session("s")
		s.Responses = answers("a", "c", "b", "d", "b", "a", "d", "c", "c", "a")
		s.Responses[8].AnswerChanges = 4
		s.Responses[9].AnswerChanges = 4
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		for _, sub := range res.SubAnalyses {
			if sub.Name == "change_frequency" {
				assert.Equal(t, 1.0, sub.Metrics["late_share"])
				assert.True(t, sub.Fired)
			}
		}
	})
}

// difficultySession builds 20 responses per difficulty band with the given
// number correct. Response times grow with difficulty.
func difficultySession(easy, medium, hard int) *telemetry.Session {
	s := session("difficulty")
	bands := []struct {
		difficulty float64
		correct    int
		baseTime   float64
	}{
		{0.2, easy, 20},
		{0.5, medium, 40},
		{0.8, hard, 60},
	}
	q := 0
	for _, b := range bands {
		for i := 0; i < 20; i++ {
			q++
			s.Responses = append(s.Responses, telemetry.ResponseRecord{
				QuestionID:   fmt.Sprintf("q%d", q),
				Answer:       "a",
				Correct:      i < b.correct,
				Difficulty:   b.difficulty,
				ResponseTime: b.baseTime + float64(i%5),
				Timestamp:    float64(q * 60000),
			})
		}
	}
	return s
}

func TestDifficultyProgression(t *testing.T) {
	d := &DifficultyDetector{Settings: DefaultSettings()}

	t.Run("expected decline", func(t *testing.T) {
		// 85% / 70% / 55%
		res := d.Detect(context.Background(), input(difficultySession(17, 14, 11)))
		require.True(t, res.Available)
		assert.Less(t, res.Score, 0.25)
		assert.Equal(t, LevelMinimal, res.Level)
	})

	t.Run("inverted progression", func(t *testing.T) {
		// 40% / 65% / 90%
		res := d.Detect(context.Background(), input(difficultySession(8, 13, 18)))
		require.True(t, res.Available)
		assert.GreaterOrEqual(t, res.Score, 0.5)
		assert.GreaterOrEqual(t, res.Level.Rank(), LevelMedium.Rank())
		require.NotNil(t, res.Significance)
		assert.Greater(t, res.Significance.Statistic, 0.0)
		assert.NotEmpty(t, res.Recommendations)
	})

	t.Run("no responses", func(t *testing.T) {
		res := d.Detect(context.Background(), input(session("x")))
		assert.False(t, res.Available)
		assert.Contains(t, res.Reason, "insufficient responses")
	})
}

func TestTimezone(t *testing.T) {
	d := &TimezoneDetector{Settings: DefaultSettings()}

	tests := []struct {
		name      string
		tz        telemetry.TimezoneData
		available bool
		score     float64
	}{
		{
			name:      "consistent",
			tz:        telemetry.TimezoneData{Claimed: "America/New_York", System: "America/New_York", Browser: "America/New_York", IPTimezone: "America/Detroit"},
			available: true,
			score:     0,
		},
		{
			name:      "system and ip mismatch",
			tz:        telemetry.TimezoneData{Claimed: "America/New_York", System: "Asia/Shanghai", Browser: "America/New_York", IPTimezone: "Asia/Shanghai"},
			available: true,
			score:     0.55,
		},
		{
			name:      "clock drift",
			tz:        telemetry.TimezoneData{Claimed: "America/New_York", System: "Asia/Shanghai", IPTimezone: "Asia/Shanghai", NTPDriftMs: 12000},
			available: true,
			score:     0.7,
		},
		{
			name:      "offset only",
			tz:        telemetry.TimezoneData{Claimed: "America/New_York", OffsetMinutes: intPtr(-480)},
			available: true,
			score:     0.25,
		},
		{
			name:      "night activity",
			tz:        telemetry.TimezoneData{Claimed: "America/New_York", ActivityHoursUTC: []int{6, 7, 8, 7, 6}},
			available: true,
			score:     0.2,
		},
		{
			name:      "unknown source skipped",
			tz:        telemetry.TimezoneData{Claimed: "America/New_York", System: "Mars/Olympus", Browser: "America/New_York"},
			available: true,
			score:     0,
		},
		{
			name: "unknown claimed",
			tz:   telemetry.TimezoneData{Claimed: "Nowhere/Special", System: "UTC"},
		},
		{
			name: "nothing comparable",
			tz:   telemetry.TimezoneData{Claimed: "UTC"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session("tz")
			tz := tt.tz
			s.Timezone = &tz
			res := d.Detect(context.Background(), input(s))
			assert.Equal(t, tt.available, res.Available, res.Reason)
			assert.InDelta(t, tt.score, res.Score, 1e-9)
		})
	}

	t.Run("no data", func(t *testing.T) {
		res := d.Detect(context.Background(), input(session("tz")))
		assert.False(t, res.Available)
	})
}

func intPtr(v int) *int { return &v }

func collabResponses(answersSeq []string, correct []bool) []telemetry.ResponseRecord {
	out := make([]telemetry.ResponseRecord, len(answersSeq))
	for i := range answersSeq {
		out[i] = telemetry.ResponseRecord{
			QuestionID:   fmt.Sprintf("q%d", i+1),
			Answer:       answersSeq[i],
			Correct:      correct[i],
			ResponseTime: float64(10 + (i*13)%31),
		}
	}
	return out
}

func TestCollaboration(t *testing.T) {
	d := &CollaborationDetector{Settings: DefaultSettings()}
	seq := []string{"a", "b", "c", "d", "a", "b", "c", "d", "a", "b"}
	correct := []bool{true, true, false, true, false, true, false, true, false, true}

	target := session("target")
	target.Responses = collabResponses(seq, correct)

	t.Run("no comparisons", func(t *testing.T) {
		res := d.Detect(context.Background(), input(target))
		assert.False(t, res.Available)
		assert.Equal(t, "no comparison sessions", res.Reason)
	})

	t.Run("copied answers", func(t *testing.T) {
		in := input(target)
		for i := 0; i < 3; i++ {
			other := session(fmt.Sprintf("copy-%d", i))
			other.Responses = collabResponses(seq, correct)
			in.Comparisons = append(in.Comparisons, other)
		}
		res := d.Detect(context.Background(), in)
		require.True(t, res.Available)
		assert.InDelta(t, 1.0, res.Score, 1e-9)
		assert.Equal(t, LevelCritical, res.Level)
		require.NotNil(t, res.Collaboration)
		assert.Equal(t, 3, res.Collaboration.ClusterSize)
		assert.Len(t, res.Collaboration.Pairs, 3)
	})

	t.Run("independent work", func(t *testing.T) {
		other := session("other")
		other.Responses = collabResponses(
			[]string{"b", "b", "d", "c", "c", "a", "a", "d", "b", "b"},
			[]bool{false, true, true, false, true, true, true, true, true, true},
		)
		for i := range other.Responses {
			other.Responses[i].ResponseTime = float64(40 - i*3)
		}
		in := input(target)
		in.Comparisons = []*telemetry.Session{other}
		res := d.Detect(context.Background(), in)
		require.True(t, res.Available)
		assert.Less(t, res.Score, 0.25)
	})

	t.Run("too few shared questions", func(t *testing.T) {
		other := session("other")
		other.Responses = []telemetry.ResponseRecord{{QuestionID: "q1", Answer: "a"}, {QuestionID: "zz", Answer: "b"}}
		in := input(target)
		in.Comparisons = []*telemetry.Session{other}
		res := d.Detect(context.Background(), in)
		assert.False(t, res.Available)
	})
}

func TestVMDetection(t *testing.T) {
	d := &VMDetector{Settings: DefaultSettings()}
	chromeUA := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	t.Run("virtual machine", func(t *testing.T) {
		s := session("vm")
		s.Device = &telemetry.DeviceData{
			Hardware: &telemetry.HardwareInfo{Vendor: "VMware, Inc.", Cores: 2, MemoryGB: 4},
			GPU:      &telemetry.GPUInfo{Renderer: "VMware SVGA 3D"},
			Screen:   &telemetry.ScreenInfo{Width: 1024, Height: 768, PixelRatio: 1},
			Browser:  telemetry.BrowserInfo{UserAgent: chromeUA},
		}
		s.Network = &telemetry.NetworkData{IP: "45.33.10.10"}
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		require.NotNil(t, res.VM)
		assert.Equal(t, VerdictVirtual, res.VM.Classification)
		assert.InDelta(t, 0.85, res.VM.Probability, 1e-9)
		assert.Equal(t, 1.0, res.VM.ConfidenceMetrics.DetectionQuality)
	})

	t.Run("physical machine", func(t *testing.T) {
		s := session("pc")
		s.Device = &telemetry.DeviceData{
			Hardware: &telemetry.HardwareInfo{Vendor: "Apple", Model: "MacBookPro18,1", Cores: 10, MemoryGB: 16},
			GPU:      &telemetry.GPUInfo{Vendor: "Apple", Renderer: "Apple M1 Pro"},
			Screen:   &telemetry.ScreenInfo{Width: 1728, Height: 1117, PixelRatio: 2},
			Browser:  telemetry.BrowserInfo{UserAgent: chromeUA},
		}
		s.Network = &telemetry.NetworkData{IP: "8.8.8.8"}
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		assert.Equal(t, VerdictPhysical, res.VM.Classification)
		assert.Zero(t, res.Score)
	})

	t.Run("degraded hardware", func(t *testing.T) {
		s := session("degraded")
		s.Device = &telemetry.DeviceData{
			GPU:      &telemetry.GPUInfo{Renderer: "Google SwiftShader"},
			Screen:   &telemetry.ScreenInfo{Width: 1920, Height: 1080, PixelRatio: 1},
			Browser:  telemetry.BrowserInfo{UserAgent: chromeUA},
			Degraded: []string{"hardware"},
		}
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		require.NotNil(t, res.VM)
		assert.Equal(t, VerdictUnknown, res.VM.Signals[0].Verdict)
		assert.Equal(t, "hardware signal degraded", res.VM.Signals[0].Evidence)
		assert.InDelta(t, 0.3/0.55, res.VM.Probability, 1e-9)
		assert.Equal(t, VerdictUnknown, res.VM.Classification)
		assert.InDelta(t, 0.6, res.VM.ConfidenceMetrics.DetectionQuality, 1e-9)
	})

	t.Run("webdriver", func(t *testing.T) {
		s := session("wd")
		s.Device = &telemetry.DeviceData{Browser: telemetry.BrowserInfo{UserAgent: chromeUA, Webdriver: true}}
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		assert.Equal(t, 1.0, res.VM.Probability)
	})
}

func TestAutomation(t *testing.T) {
	d := &AutomationDetector{Settings: DefaultSettings()}

	t.Run("scripted session", func(t *testing.T) {
		s := session("bot")
		ts := 0.0
		for i := 0; i < 25; i++ {
			key := string(rune('a' + i%26))
			s.Keystrokes = append(s.Keystrokes,
				telemetry.KeystrokeEvent{Key: key, Type: telemetry.KeyDown, Timestamp: ts},
				telemetry.KeystrokeEvent{Key: key, Type: telemetry.KeyUp, Timestamp: ts + 80},
			)
			ts += 200
		}
		for i := 0; i < 25; i++ {
			s.Responses = append(s.Responses, telemetry.ResponseRecord{
				QuestionID:   fmt.Sprintf("q%d", i),
				Answer:       "a",
				Difficulty:   0.5,
				ResponseTime: 2 + float64(i%2)*0.01,
			})
		}
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		require.NotNil(t, res.Automation)
		assert.Equal(t, LevelHigh, res.Automation.Classification)
		assert.Greater(t, res.Automation.Probability, 0.9)
		assert.Contains(t, res.Automation.Indicators, "response_regularity")
	})

	t.Run("human timing", func(t *testing.T) {
		s := session("human")
		for i, rt := range []float64{12, 45, 8, 30, 22, 60, 15, 38, 9, 27} {
			s.Responses = append(s.Responses, telemetry.ResponseRecord{QuestionID: fmt.Sprintf("q%d", i), ResponseTime: rt, Difficulty: 0.5})
		}
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		assert.Equal(t, LevelLow, res.Automation.Classification)
		assert.Empty(t, res.Automation.Indicators)
	})

	t.Run("request signals only", func(t *testing.T) {
		s := session("headless")
		s.Signals = &telemetry.RequestSignals{
			UserAgent:         telemetry.UAAnalysis{ContainsAutomation: true},
			AutomationHeaders: []string{"x-selenium"},
			MissingHeaders:    []string{"accept", "accept-language", "accept-encoding"},
		}
		res := d.Detect(context.Background(), input(s))
		require.True(t, res.Available)
		assert.InDelta(t, 0.45, res.Score, 1e-9)
		assert.Equal(t, LevelMedium, res.Automation.Classification)
	})
}

func TestUniformityScore(t *testing.T) {
	tests := []struct {
		p    float64
		want float64
	}{
		{1, 0},
		{0.1, 1.0 / 3},
		{0.01, 2.0 / 3},
		{0.001, 1},
		{1e-9, 1},
		{0, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.p), func(t *testing.T) {
			assert.InDelta(t, tt.want, uniformityScore(tt.p), 1e-9)
		})
	}
}
