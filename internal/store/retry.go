package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/telemetry"
)

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second, MaxRetries: 4}
}

// Retrying retries TransientErrors from the wrapped store with exponential
// backoff. Other errors, including ErrNotFound, are returned at once.
type Retrying struct {
	next    Store
	policy  RetryPolicy
	log     *zap.Logger
	onError func(op string)
}

// NewRetrying wraps next. onError, if set, is called for every failed
// attempt.
func NewRetrying(next Store, policy RetryPolicy, log *zap.Logger, onError func(op string)) *Retrying {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retrying{next: next, policy: policy, log: log, onError: onError}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialInterval
	eb.MaxInterval = r.policy.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.policy.MaxRetries), ctx)

	attempt := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if r.onError != nil {
			r.onError(op)
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("store: retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(attempt, b, notify)
}

func (r *Retrying) SaveSession(ctx context.Context, s *telemetry.Session) error {
	return r.do(ctx, "save_session", func() error { return r.next.SaveSession(ctx, s) })
}

func (r *Retrying) GetSession(ctx context.Context, id string) (*telemetry.Session, error) {
	var out *telemetry.Session
	err := r.do(ctx, "get_session", func() (err error) {
		out, err = r.next.GetSession(ctx, id)
		return err
	})
	return out, err
}

func (r *Retrying) ListSessions(ctx context.Context, limit int) ([]*telemetry.Session, error) {
	var out []*telemetry.Session
	err := r.do(ctx, "list_sessions", func() (err error) {
		out, err = r.next.ListSessions(ctx, limit)
		return err
	})
	return out, err
}

func (r *Retrying) AppendSnapshot(ctx context.Context, snap features.Snapshot) error {
	return r.do(ctx, "append_snapshot", func() error { return r.next.AppendSnapshot(ctx, snap) })
}

func (r *Retrying) ListSnapshots(ctx context.Context, sessionID string) ([]features.Snapshot, error) {
	var out []features.Snapshot
	err := r.do(ctx, "list_snapshots", func() (err error) {
		out, err = r.next.ListSnapshots(ctx, sessionID)
		return err
	})
	return out, err
}

func (r *Retrying) AppendDetectionResult(ctx context.Context, res detection.Result) error {
	return r.do(ctx, "append_detection_result", func() error { return r.next.AppendDetectionResult(ctx, res) })
}

func (r *Retrying) ListDetectionResults(ctx context.Context, sessionID string) ([]detection.Result, error) {
	var out []detection.Result
	err := r.do(ctx, "list_detection_results", func() (err error) {
		out, err = r.next.ListDetectionResults(ctx, sessionID)
		return err
	})
	return out, err
}

func (r *Retrying) SaveAssessment(ctx context.Context, a risk.Assessment) error {
	return r.do(ctx, "save_assessment", func() error { return r.next.SaveAssessment(ctx, a) })
}

func (r *Retrying) ListAssessments(ctx context.Context, sessionID string) ([]risk.Assessment, error) {
	var out []risk.Assessment
	err := r.do(ctx, "list_assessments", func() (err error) {
		out, err = r.next.ListAssessments(ctx, sessionID)
		return err
	})
	return out, err
}

func (r *Retrying) SaveAlert(ctx context.Context, a risk.Alert) error {
	return r.do(ctx, "save_alert", func() error { return r.next.SaveAlert(ctx, a) })
}

func (r *Retrying) ListAlerts(ctx context.Context, sessionID string) ([]risk.Alert, error) {
	var out []risk.Alert
	err := r.do(ctx, "list_alerts", func() (err error) {
		out, err = r.next.ListAlerts(ctx, sessionID)
		return err
	})
	return out, err
}

func (r *Retrying) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.do(ctx, "purge", func() (err error) {
		n, err = r.next.PurgeBefore(ctx, cutoff)
		return err
	})
	return n, err
}

func (r *Retrying) Ping(ctx context.Context) error { return r.next.Ping(ctx) }
func (r *Retrying) Close() error                   { return r.next.Close() }
