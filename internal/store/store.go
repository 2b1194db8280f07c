// Package store persists sessions, feature snapshots, detection results,
// risk assessments and alerts. Results, assessments and alerts are append
// only: once acknowledged they are never rewritten or removed, except by
// the retention purge.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/telemetry"
)

var ErrNotFound = errors.New("session not found")

// TransientError marks a failure worth retrying, such as a dropped
// connection.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type Store interface {
	SaveSession(ctx context.Context, s *telemetry.Session) error
	GetSession(ctx context.Context, id string) (*telemetry.Session, error)
	// ListSessions returns the most recently updated sessions first.
	ListSessions(ctx context.Context, limit int) ([]*telemetry.Session, error)

	AppendSnapshot(ctx context.Context, snap features.Snapshot) error
	ListSnapshots(ctx context.Context, sessionID string) ([]features.Snapshot, error)

	AppendDetectionResult(ctx context.Context, r detection.Result) error
	ListDetectionResults(ctx context.Context, sessionID string) ([]detection.Result, error)

	// SaveAssessment is idempotent on the assessment id.
	SaveAssessment(ctx context.Context, a risk.Assessment) error
	ListAssessments(ctx context.Context, sessionID string) ([]risk.Assessment, error)

	SaveAlert(ctx context.Context, a risk.Alert) error
	ListAlerts(ctx context.Context, sessionID string) ([]risk.Alert, error)

	// PurgeBefore removes sessions not updated since cutoff together with
	// everything recorded for them. It returns the number of sessions removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
