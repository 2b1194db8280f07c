// Package analysis runs the session pipeline: telemetry in, features,
// detector results, composite risk, alerts and the per-session summary.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/metrics"
	"github.com/shortontech/goproctor/internal/reputation"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/sink"
	"github.com/shortontech/goproctor/internal/store"
	"github.com/shortontech/goproctor/internal/telemetry"
)

// modalityDetectors lists the detectors re-run after a submission of each
// modality. Collaboration needs other sessions and only runs on demand.
var modalityDetectors = map[telemetry.Modality][]detection.Type{
	telemetry.ModalityKeystroke: {detection.TypeAutomation},
	telemetry.ModalityMouse:     {detection.TypeAutomation},
	telemetry.ModalityResponses: {detection.TypeAnswerPattern, detection.TypeDifficultyProgression, detection.TypeAutomation},
	telemetry.ModalityDevice:    {detection.TypeVM},
	telemetry.ModalityTimezone:  {detection.TypeTimezone},
	telemetry.ModalityNetwork:   {detection.TypeVM, detection.TypeTimezone},
}

type Options struct {
	Features  features.Options
	Detection detection.Settings
	Risk      risk.Config
	Alerts    risk.AlertThresholds

	Workers         int // concurrent detector runs across all sessions
	ComparisonLimit int // sessions considered for collaboration when none are named
	TrustProxy      bool
}

func DefaultOptions() Options {
	return Options{
		Features:        features.DefaultOptions(),
		Detection:       detection.DefaultSettings(),
		Risk:            risk.DefaultConfig(),
		Alerts:          risk.DefaultAlertThresholds(),
		Workers:         4,
		ComparisonLimit: 200,
	}
}

// Deps are the collaborators of a Service. Nil fields get in-memory
// defaults.
type Deps struct {
	Store      store.Store
	Reputation reputation.Store
	Sinks      []sink.Sink
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// Service is safe for concurrent use. Submissions for one session are
// serialized; different sessions proceed independently.
type Service struct {
	opts       Options
	store      store.Store
	rep        reputation.Store
	sinks      []sink.Sink
	metrics    *metrics.Metrics
	log        *zap.Logger
	tracer     trace.Tracer
	normalizer *telemetry.Normalizer
	tracker    *telemetry.MemoryTracker
	engine     *features.Engine
	detectors  map[detection.Type]detection.Detector
	composer   *risk.Composer
	alerter    *risk.Alerter

	locks *keyedMutex
	sem   chan struct{}
	now   func() time.Time
}

func New(deps Deps, opts Options) *Service {
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Reputation == nil {
		deps.Reputation = reputation.NewMemory()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ComparisonLimit <= 0 {
		opts.ComparisonLimit = DefaultOptions().ComparisonLimit
	}

	dets := map[detection.Type]detection.Detector{}
	for _, d := range detection.NewDetectors(opts.Detection) {
		dets[d.Type()] = d
	}

	return &Service{
		opts:       opts,
		store:      deps.Store,
		rep:        deps.Reputation,
		sinks:      deps.Sinks,
		metrics:    deps.Metrics,
		log:        deps.Log.Named("analysis"),
		tracer:     otel.Tracer("goproctor/analysis"),
		normalizer: telemetry.NewNormalizer(deps.Log),
		tracker:    telemetry.NewMemoryTracker(),
		engine:     features.NewEngine(opts.Features, deps.Reputation),
		detectors:  dets,
		composer:   risk.NewComposer(opts.Risk),
		alerter:    risk.NewAlerter(opts.Alerts),
		locks:      newKeyedMutex(),
		sem:        make(chan struct{}, opts.Workers),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SubmitResult is the analysis_result of one telemetry submission.
type SubmitResult struct {
	SessionID       string                    `json:"session_id"`
	Modality        telemetry.Modality        `json:"modality"`
	SubmissionCount int                       `json:"submission_count"`
	Features        features.FeatureSet       `json:"features,omitempty"`
	Detections      []detection.Result        `json:"detections"`
	Coercions       []telemetry.Coercion      `json:"coercions"`
	RequestSignals  *telemetry.RequestSignals `json:"request_signals,omitempty"`
}

// Detection returns the result of detector t, if it ran.
func (r *SubmitResult) Detection(t detection.Type) (detection.Result, bool) {
	for _, d := range r.Detections {
		if d.Type == t {
			return d, true
		}
	}
	return detection.Result{}, false
}

// Submit validates one modality payload, merges it into the session and
// runs the detectors bound to the modality. req may be nil when the
// submission did not arrive over HTTP.
func (s *Service) Submit(ctx context.Context, m telemetry.Modality, body map[string]any, req *http.Request) (*SubmitResult, error) {
	patch, err := s.normalizer.Normalize(m, body)
	if err != nil {
		s.metrics.IncrementSubmissions(string(m), "rejected")
		return nil, err
	}

	unlock := s.locks.Lock(patch.SessionID)
	defer unlock()

	now := s.now()
	sess, err := s.store.GetSession(ctx, patch.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = telemetry.NewSession(patch.SessionID, now)
	case err != nil:
		s.metrics.IncrementSubmissions(string(m), "failed")
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	telemetry.Apply(sess, patch, now)
	if req != nil {
		telemetry.EnrichRequest(req, sess, s.opts.TrustProxy, s.tracker)
	}

	bundle := s.engine.ExtractAll(ctx, sess)
	if m == telemetry.ModalityDevice {
		s.recordDevice(ctx, sess, bundle.Fingerprint, now)
	}

	if err := s.store.SaveSession(ctx, sess); err != nil {
		s.metrics.IncrementSubmissions(string(m), "failed")
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	if err := s.store.AppendSnapshot(ctx, bundle.Snapshot(sess.ID, m, now)); err != nil {
		s.metrics.IncrementSubmissions(string(m), "failed")
		return nil, fmt.Errorf("failed to append snapshot: %w", err)
	}

	results := s.run(ctx, modalityDetectors[m], detection.Input{Session: sess, Features: bundle, Now: now})
	if err := s.persist(ctx, results); err != nil {
		return nil, err
	}
	s.metrics.IncrementSubmissions(string(m), "accepted")

	coercions := patch.Coercions
	if coercions == nil {
		coercions = []telemetry.Coercion{}
	}
	s.log.Debug("analysis: submission accepted",
		zap.String("session_id", sess.ID),
		zap.String("modality", string(m)),
		zap.Int("coercions", len(coercions)),
		zap.Int("detections", len(results)))

	return &SubmitResult{
		SessionID:       sess.ID,
		Modality:        m,
		SubmissionCount: sess.Submissions[m],
		Features:        featureSet(m, bundle),
		Detections:      results,
		Coercions:       coercions,
		RequestSignals:  sess.Signals,
	}, nil
}

func featureSet(m telemetry.Modality, b features.Bundle) features.FeatureSet {
	switch m {
	case telemetry.ModalityKeystroke:
		return b.Keystroke
	case telemetry.ModalityMouse:
		return b.Mouse
	case telemetry.ModalityResponses:
		return b.Timing
	case telemetry.ModalityDevice, telemetry.ModalityNetwork:
		return b.Fingerprint
	}
	return nil
}

// Analyze runs every detector against the stored session. With no
// comparison ids, recent sessions serve as the collaboration cohort.
func (s *Service) Analyze(ctx context.Context, sessionID string, comparisonIDs []string) ([]detection.Result, error) {
	return s.analyze(ctx, sessionID, comparisonIDs, detection.AllTypes)
}

// DetectCollaboration compares the session against others. It yields an
// unavailable result when there is nothing to compare with.
func (s *Service) DetectCollaboration(ctx context.Context, sessionID string, comparisonIDs []string) (detection.Result, error) {
	results, err := s.analyze(ctx, sessionID, comparisonIDs, []detection.Type{detection.TypeCollaboration})
	if err != nil {
		return detection.Result{}, err
	}
	return results[0], nil
}

func (s *Service) analyze(ctx context.Context, sessionID string, comparisonIDs []string, types []detection.Type) ([]detection.Result, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	in := detection.Input{Session: sess, Now: s.now()}
	for _, t := range types {
		if t == detection.TypeCollaboration {
			if in.Comparisons, err = s.comparisons(ctx, sess.ID, comparisonIDs); err != nil {
				return nil, err
			}
			break
		}
	}
	in.Features = s.engine.ExtractAll(ctx, sess)

	results := s.run(ctx, types, in)
	if err := s.persist(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) comparisons(ctx context.Context, selfID string, ids []string) ([]*telemetry.Session, error) {
	out := []*telemetry.Session{}
	if len(ids) == 0 {
		all, err := s.store.ListSessions(ctx, s.opts.ComparisonLimit+1)
		if err != nil {
			return nil, fmt.Errorf("failed to list comparison sessions: %w", err)
		}
		for _, c := range all {
			if c.ID != selfID && len(out) < s.opts.ComparisonLimit {
				out = append(out, c)
			}
		}
		return out, nil
	}

	seen := map[string]bool{selfID: true}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := s.store.GetSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load comparison session %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// run executes the detectors in parallel, bounded by the worker semaphore.
// Results keep the order of types.
func (s *Service) run(ctx context.Context, types []detection.Type, in detection.Input) []detection.Result {
	results := make([]detection.Result, len(types))
	var wg sync.WaitGroup
	for i, t := range types {
		d, ok := s.detectors[t]
		if !ok {
			results[i] = detection.Unavailable(t, in, "detector not configured")
			continue
		}
		wg.Add(1)
		go func(i int, d detection.Detector) {
			defer wg.Done()
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = detection.Unavailable(d.Type(), in, "analysis cancelled")
				return
			}
			defer func() { <-s.sem }()
			results[i] = s.detect(ctx, d, in)
		}(i, d)
	}
	wg.Wait()
	return results
}

func (s *Service) detect(ctx context.Context, d detection.Detector, in detection.Input) detection.Result {
	ctx, span := s.tracer.Start(ctx, "detector."+string(d.Type()),
		trace.WithAttributes(attribute.String("session.id", in.Session.ID)))
	defer span.End()

	s.metrics.InFlightAnalyses.Inc()
	defer s.metrics.InFlightAnalyses.Dec()

	start := time.Now()
	res := detection.Safe(ctx, d, in)
	s.metrics.ObserveDetector(string(d.Type()), res.Available, time.Since(start))

	span.SetAttributes(
		attribute.Bool("detection.available", res.Available),
		attribute.Float64("detection.score", res.Score),
		attribute.String("detection.level", string(res.Level)),
	)
	return res
}

func (s *Service) persist(ctx context.Context, results []detection.Result) error {
	for _, r := range results {
		if err := s.store.AppendDetectionResult(ctx, r); err != nil {
			return fmt.Errorf("failed to append detection result: %w", err)
		}
		s.publish(sink.KindDetection, r.ID, r.SessionID, r.CreatedAt, r)
	}
	return nil
}

// recordDevice links the session to its device and, the first time the
// device is seen, counts its components in the population.
func (s *Service) recordDevice(ctx context.Context, sess *telemetry.Session, fp features.FingerprintFeatures, now time.Time) {
	id := deviceID(sess, fp)
	sess.DeviceID = id
	if id == "" {
		return
	}
	first, err := s.rep.Record(ctx, id, sess.ID, now)
	if err != nil {
		s.log.Warn("analysis: reputation record failed", zap.String("device_id", id), zap.Error(err))
		return
	}
	if first && fp.Available {
		if err := s.rep.Observe(ctx, fp.Components); err != nil {
			s.log.Warn("analysis: population update failed", zap.String("device_id", id), zap.Error(err))
		}
	}
}

// deviceID prefers the client-assigned id and falls back to the
// fingerprint signature.
func deviceID(sess *telemetry.Session, fp features.FingerprintFeatures) string {
	if sess.Device != nil && sess.Device.DeviceID != "" {
		return sess.Device.DeviceID
	}
	return fp.Signature
}

// deviceOf returns the id the session was recorded under at its last
// device submission. Later network or timezone data does not move it.
func deviceOf(sess *telemetry.Session) string {
	if sess == nil || sess.Device == nil {
		return ""
	}
	return sess.DeviceID
}

// publish hands a record to every sink. Sink failures are counted and
// logged, never returned.
func (s *Service) publish(kind sink.Kind, id, sessionID string, ts time.Time, payload any) {
	rec := sink.Record{Kind: kind, ID: id, SessionID: sessionID, TS: ts, Payload: payload}
	for _, sk := range s.sinks {
		if err := sk.Enqueue(rec); err != nil {
			s.metrics.IncrementSinkErrors(sk.Name())
			s.log.Warn("analysis: sink enqueue failed",
				zap.String("sink", sk.Name()),
				zap.String("kind", string(kind)),
				zap.Error(err))
			continue
		}
		s.metrics.IncrementSinkPublished(sk.Name(), string(kind))
	}
}

// DeviceReputation returns the merged history of a device.
func (s *Service) DeviceReputation(ctx context.Context, deviceID string) (reputation.Device, error) {
	return s.rep.Get(ctx, deviceID)
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}
