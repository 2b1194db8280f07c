package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shortontech/goproctor/internal/analysis"
	"github.com/shortontech/goproctor/internal/sink"
	"github.com/shortontech/goproctor/internal/telemetry"
)

type demoSubmission struct {
	modality telemetry.Modality
	body     map[string]any
}

type demoSession struct {
	profile     string
	id          string
	submissions []demoSubmission
}

// demoSessions builds four candidates: an ordinary student, a scripted
// client, a candidate inside a VM, and a peer copying the first candidate's
// answers.
func demoSessions(rng *rand.Rand) []demoSession {
	short := func() string { return uuid.New().String()[:8] }
	human := "demo-human-" + short()
	bot := "demo-bot-" + short()
	vm := "demo-vm-" + short()
	peer := "demo-peer-" + short()

	humanAnswers := demoAnswers(rng, false)
	return []demoSession{
		{profile: "human", id: human, submissions: []demoSubmission{
			{telemetry.ModalityKeystroke, withSession(human, "keystroke_data", demoKeystrokes(rng, 60, false))},
			{telemetry.ModalityMouse, withSession(human, "mouse_data", demoMouse(rng, 40, false))},
			{telemetry.ModalityResponses, withSession(human, "session_data", humanAnswers)},
			{telemetry.ModalityDevice, withSession(human, "device_data", map[string]any{
				"device_id": "demo-laptop-" + short(),
				"hardware":  map[string]any{"vendor": "Apple", "model": "MacBookPro18,1", "cores": 10.0, "memory_gb": 16.0},
				"gpu":       map[string]any{"vendor": "Apple", "renderer": "Apple M1 Pro"},
				"screen":    map[string]any{"width": 3024.0, "height": 1964.0, "pixel_ratio": 2.0},
				"browser":   map[string]any{"user_agent": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15"},
			})},
			{telemetry.ModalityTimezone, withSession(human, "timezone_data", map[string]any{
				"claimed_timezone": "Europe/Berlin", "system_timezone": "Europe/Berlin",
			})},
		}},
		{profile: "bot", id: bot, submissions: []demoSubmission{
			{telemetry.ModalityKeystroke, withSession(bot, "keystroke_data", demoKeystrokes(rng, 60, true))},
			{telemetry.ModalityMouse, withSession(bot, "mouse_data", demoMouse(rng, 40, true))},
			{telemetry.ModalityResponses, withSession(bot, "session_data", demoAnswers(rng, true))},
			{telemetry.ModalityDevice, withSession(bot, "device_data", map[string]any{
				"browser": map[string]any{"user_agent": "Mozilla/5.0 HeadlessChrome/120.0.0.0", "webdriver": true},
			})},
		}},
		{profile: "vm", id: vm, submissions: []demoSubmission{
			{telemetry.ModalityDevice, withSession(vm, "device_data", map[string]any{
				"device_id": "demo-vm-" + short(),
				"hardware":  map[string]any{"vendor": "VMware, Inc.", "model": "VMware Virtual Platform", "cores": 2.0, "memory_gb": 2.0},
				"gpu":       map[string]any{"vendor": "VMware, Inc.", "renderer": "SVGA3D; build: RELEASE; LLVM;"},
				"screen":    map[string]any{"width": 1024.0, "height": 768.0, "pixel_ratio": 1.0},
			})},
			{telemetry.ModalityTimezone, withSession(vm, "timezone_data", map[string]any{
				"claimed_timezone": "America/New_York", "system_timezone": "Asia/Shanghai",
			})},
		}},
		{profile: "peer", id: peer, submissions: []demoSubmission{
			{telemetry.ModalityResponses, withSession(peer, "session_data", humanAnswers)},
		}},
	}
}

func withSession(id, key string, data any) map[string]any {
	return map[string]any{"session_id": id, key: data}
}

func demoKeystrokes(rng *rand.Rand, n int, scripted bool) []any {
	events := make([]any, 0, 2*n)
	ts := 0.0
	for i := 0; i < n; i++ {
		dwell, flight := 70+rng.Float64()*60, 80+rng.Float64()*220
		if scripted {
			dwell, flight = 50, 50
		}
		key := string(rune('a' + i%26))
		events = append(events,
			map[string]any{"key": key, "type": "keydown", "timestamp": ts},
			map[string]any{"key": key, "type": "keyup", "timestamp": ts + dwell},
		)
		ts += dwell + flight
	}
	return events
}

func demoMouse(rng *rand.Rand, n int, scripted bool) map[string]any {
	events := make([]any, 0, n)
	x, y, ts := 100.0, 100.0, 0.0
	for i := 0; i < n; i++ {
		if scripted {
			x, y, ts = x+10, y+10, ts+16
		} else {
			x, y, ts = x+rng.Float64()*30-5, y+rng.Float64()*20-8, ts+10+rng.Float64()*40
		}
		events = append(events, map[string]any{"type": "move", "x": x, "y": y, "timestamp": ts})
	}
	return map[string]any{"events": events}
}

func demoAnswers(rng *rand.Rand, scripted bool) map[string]any {
	difficulties := []string{"easy", "medium", "hard"}
	responses := make([]any, 0, 30)
	for i := 0; i < 30; i++ {
		rt := 15 + rng.Float64()*45
		correct := rng.Float64() < 0.7
		if scripted {
			rt, correct = 4, true
		}
		responses = append(responses, map[string]any{
			"question_id":     fmt.Sprintf("q%02d", i+1),
			"selected_answer": string(rune('a' + rng.Intn(4))),
			"is_correct":      correct,
			"difficulty":      difficulties[i%3],
			"response_time":   rt,
		})
	}
	return map[string]any{"responses": responses}
}

// runDemo pushes the demo sessions through ingestion, collaboration
// analysis, risk composition and alerting, logging what each step found.
func runDemo(ctx context.Context, svc *analysis.Service, buf *sink.Buffer, log *zap.Logger) error {
	log.Info("demo: seeding synthetic sessions")
	sessions := demoSessions(rand.New(rand.NewSource(42)))

	for _, s := range sessions {
		for _, sub := range s.submissions {
			if _, err := svc.Submit(ctx, sub.modality, sub.body, nil); err != nil {
				return fmt.Errorf("failed to submit %s telemetry for %s: %w", sub.modality, s.profile, err)
			}
		}
	}

	human, peer := sessions[0].id, sessions[3].id
	collab, err := svc.DetectCollaboration(ctx, peer, []string{human})
	if err != nil {
		return fmt.Errorf("failed to compare sessions: %w", err)
	}
	log.Info("demo: collaboration", zap.String("session_id", peer), zap.Float64("score", collab.Score))

	for _, s := range sessions {
		a, err := svc.ComposeRisk(ctx, s.id)
		if err != nil {
			return fmt.Errorf("failed to compose risk for %s: %w", s.profile, err)
		}
		alerts, err := svc.TriggerAlerts(ctx, s.id, &a)
		if err != nil {
			return fmt.Errorf("failed to evaluate %s: %w", s.profile, err)
		}
		log.Info("demo: session assessed",
			zap.String("profile", s.profile),
			zap.String("session_id", s.id),
			zap.Float64("composite", a.CompositeProbability),
			zap.String("level", string(a.Classification.Level)),
			zap.Int("alerts", len(alerts)))
	}
	if buf != nil {
		kinds := map[sink.Kind]int{}
		for _, r := range buf.Records() {
			kinds[r.Kind]++
		}
		log.Info("demo: records published",
			zap.Int("detections", kinds[sink.KindDetection]),
			zap.Int("assessments", kinds[sink.KindAssessment]),
			zap.Int("alerts", kinds[sink.KindAlert]))
	}
	log.Info("demo: done, query /api/sessions/{id}/summary for details")
	return nil
}
