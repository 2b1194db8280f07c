package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/sink"
	"github.com/shortontech/goproctor/internal/store"
	"github.com/shortontech/goproctor/internal/telemetry"
)

// lookup returns the session, or nil when it was never seen.
func (s *Service) lookup(ctx context.Context, sessionID string) (*telemetry.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// ComposeRisk composes the stored detection results of a session into a new
// assessment, appends it to the risk history and merges it into the device
// reputation. A session without telemetry gets a MINIMAL assessment that is
// returned but not stored.
func (s *Service) ComposeRisk(ctx context.Context, sessionID string) (risk.Assessment, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return risk.Assessment{}, err
	}

	var results []detection.Result
	if sess != nil {
		if results, err = s.store.ListDetectionResults(ctx, sessionID); err != nil {
			return risk.Assessment{}, fmt.Errorf("failed to load detection results: %w", err)
		}
	}

	a := s.composer.Compose(sessionID, results, s.now())
	s.metrics.ObserveCompositeScore(a.CompositeProbability)
	if sess == nil {
		return a, nil
	}

	if err := s.store.SaveAssessment(ctx, a); err != nil {
		return risk.Assessment{}, fmt.Errorf("failed to save assessment: %w", err)
	}
	s.publish(sink.KindAssessment, a.ID, sessionID, a.CreatedAt, a)

	// Assessments without any evidence would only dilute the device mean.
	if id := deviceOf(sess); id != "" && len(a.Breakdown) > 0 {
		if err := s.rep.AddRisk(ctx, id, a.CompositeProbability, a.CreatedAt); err != nil {
			s.log.Warn("analysis: reputation merge failed", zap.String("device_id", id), zap.Error(err))
		}
	}
	return a, nil
}

// TriggerAlerts evaluates current against the alert thresholds. With a nil
// assessment the session's risk is composed first. The assessment and the
// alerts are stored once; evaluating the same assessment again is a no-op
// for the history.
func (s *Service) TriggerAlerts(ctx context.Context, sessionID string, current *risk.Assessment) ([]risk.Alert, error) {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if current == nil {
		a, err := s.ComposeRisk(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		current = &a
	} else {
		a := s.normalizeAssessment(sessionID, *current)
		current = &a
		if sess != nil {
			if err := s.store.SaveAssessment(ctx, a); err != nil {
				return nil, fmt.Errorf("failed to save assessment: %w", err)
			}
		}
	}

	alerts := s.alerter.Evaluate(sessionID, current, s.now())
	if sess == nil {
		return alerts, nil
	}
	for _, al := range alerts {
		if err := s.store.SaveAlert(ctx, al); err != nil {
			return nil, fmt.Errorf("failed to save alert: %w", err)
		}
		s.metrics.IncrementAlerts(string(al.Severity))
		s.publish(sink.KindAlert, al.ID, al.SessionID, al.CreatedAt, al)
		s.log.Warn("analysis: alert raised",
			zap.String("session_id", al.SessionID),
			zap.String("severity", string(al.Severity)),
			zap.Float64("score", al.Score),
			zap.String("assessment_id", al.AssessmentID))
	}
	return alerts, nil
}

// normalizeAssessment fills what a caller-supplied assessment may omit so it
// can be stored and serialized like a composed one.
func (s *Service) normalizeAssessment(sessionID string, a risk.Assessment) risk.Assessment {
	if sessionID != "" {
		a.SessionID = sessionID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.ID == "" {
		a.ID = s.composer.NewID(a.CreatedAt)
	}
	a.CompositeProbability = detection.Clamp(a.CompositeProbability)
	if a.Classification.Level == "" {
		a.Classification.Level = s.opts.Risk.Thresholds.Classify(a.CompositeProbability)
		a.Classification.Thresholds = s.opts.Risk.Thresholds
	}
	if a.Breakdown == nil {
		a.Breakdown = []risk.Component{}
	}
	if a.Unavailable == nil {
		a.Unavailable = map[detection.Type]string{}
	}
	if a.RecommendedActions == nil {
		a.RecommendedActions = []string{}
	}
	return a
}

// RiskHistory returns the stored assessments, oldest first.
func (s *Service) RiskHistory(ctx context.Context, sessionID string) ([]risk.Assessment, error) {
	out, err := s.store.ListAssessments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	return out, nil
}

func (s *Service) DetectionHistory(ctx context.Context, sessionID string) ([]detection.Result, error) {
	out, err := s.store.ListDetectionResults(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection results: %w", err)
	}
	return out, nil
}

func (s *Service) Alerts(ctx context.Context, sessionID string) ([]risk.Alert, error) {
	out, err := s.store.ListAlerts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return out, nil
}

// Purge removes sessions not updated since before, with everything stored
// for them.
func (s *Service) Purge(ctx context.Context, before time.Time) (int, error) {
	n, err := s.store.PurgeBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	s.tracker.Forget(before)
	s.log.Info("analysis: purged sessions", zap.Int("sessions", n), zap.Time("before", before))
	return n, nil
}
