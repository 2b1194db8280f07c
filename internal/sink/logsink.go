package sink

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every record as one structured log line.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("sink")}
}

func (s *LogSink) Start(ctx context.Context) error { return nil }

func (s *LogSink) Enqueue(r Record) error {
	s.log.Info("analysis record",
		zap.String("kind", string(r.Kind)),
		zap.String("id", r.ID),
		zap.String("session_id", r.SessionID),
		zap.Time("ts", r.TS),
		zap.Any("payload", r.Payload),
	)
	return nil
}

func (s *LogSink) Close() error {
	_ = s.log.Sync()
	return nil
}

func (s *LogSink) Name() string { return "log" }
