package sink

import (
	"context"
	"time"
)

// Kind names the record carried in a Record payload.
type Kind string

const (
	KindDetection  Kind = "detection_result"
	KindAssessment Kind = "risk_assessment"
	KindAlert      Kind = "alert"
)

// Record is one outbound analysis artifact. ID is the artifact's own id, so
// consumers can deduplicate redeliveries.
type Record struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TS        time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

type Sink interface {
	Start(ctx context.Context) error
	Enqueue(r Record) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}
