package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/telemetry"
)

// validTableName matches PostgreSQL unquoted identifiers.
var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateTableName prevents SQL injection through configured names.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if len(name) > 63 {
		return fmt.Errorf("table name too long (max 63 characters): %s", name)
	}
	if !validTableName.MatchString(name) {
		return fmt.Errorf("invalid table name: %s (must start with letter or underscore, contain only alphanumeric and underscores)", name)
	}
	return nil
}

type tables struct {
	sessions, snapshots, detections, assessments, alerts string
}

func newTables(prefix string) (tables, error) {
	t := tables{
		sessions:    prefix + "_sessions",
		snapshots:   prefix + "_snapshots",
		detections:  prefix + "_detections",
		assessments: prefix + "_assessments",
		alerts:      prefix + "_alerts",
	}
	for _, name := range []string{t.sessions, t.snapshots, t.detections, t.assessments, t.alerts} {
		if err := validateTableName(name); err != nil {
			return tables{}, err
		}
	}
	return t, nil
}

// Postgres stores every record as a JSONB document next to the columns it
// is queried by. A bigserial seq column keeps append order.
type Postgres struct {
	db *sql.DB
	t  tables
}

// NewPostgres connects, verifies the connection and creates the schema.
func NewPostgres(ctx context.Context, dsn, prefix string) (*Postgres, error) {
	t, err := newTables(prefix)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	p := &Postgres{db: db, t: t}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	creates := []struct{ table, ddl string }{
		{p.t.sessions, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, p.t.sessions)},
		{p.t.snapshots, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, p.t.snapshots)},
		{p.t.detections, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, p.t.detections)},
		{p.t.assessments, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, id)
		)`, p.t.assessments)},
		{p.t.alerts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			assessment_id TEXT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, id)
		)`, p.t.alerts)},
	}
	for _, c := range creates {
		if _, err := p.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", c.table, err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_at DESC)`, p.t.sessions, p.t.sessions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (session_id, seq)`, p.t.snapshots, p.t.snapshots),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (session_id, seq)`, p.t.detections, p.t.detections),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (session_id, seq)`, p.t.assessments, p.t.assessments),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s (created_at DESC)`, p.t.assessments, p.t.assessments),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (session_id, seq)`, p.t.alerts, p.t.alerts),
	}
	for _, ddl := range indexes {
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (p *Postgres) SaveSession(ctx context.Context, s *telemetry.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, doc, created_at, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`, p.t.sessions)
	if _, err := p.db.ExecContext(ctx, q, s.ID, doc, s.CreatedAt, s.UpdatedAt); err != nil {
		return classify("save session", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*telemetry.Session, error) {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, p.t.sessions)
	var doc []byte
	if err := p.db.QueryRowContext(ctx, q, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("get session", err)
	}
	var s telemetry.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if s.Submissions == nil {
		s.Submissions = map[telemetry.Modality]int{}
	}
	return &s, nil
}

func (p *Postgres) ListSessions(ctx context.Context, limit int) ([]*telemetry.Session, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := fmt.Sprintf(`SELECT doc FROM %s ORDER BY updated_at DESC LIMIT $1`, p.t.sessions)
	out := []*telemetry.Session{}
	err := p.scanDocs(ctx, "list sessions", q, []any{limit}, func(doc []byte) error {
		var s telemetry.Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return err
		}
		out = append(out, &s)
		return nil
	})
	return out, err
}

func (p *Postgres) AppendSnapshot(ctx context.Context, snap features.Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (session_id, doc, created_at) VALUES ($1, $2, $3)`, p.t.snapshots)
	if _, err := p.db.ExecContext(ctx, q, snap.SessionID, doc, snap.CreatedAt); err != nil {
		return classify("append snapshot", err)
	}
	return nil
}

func (p *Postgres) ListSnapshots(ctx context.Context, sessionID string) ([]features.Snapshot, error) {
	out := []features.Snapshot{}
	err := p.listBySession(ctx, "list snapshots", p.t.snapshots, sessionID, func(doc []byte) error {
		var s features.Snapshot
		if err := json.Unmarshal(doc, &s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func (p *Postgres) AppendDetectionResult(ctx context.Context, r detection.Result) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal detection result: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, session_id, type, doc, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`, p.t.detections)
	if _, err := p.db.ExecContext(ctx, q, r.ID, r.SessionID, string(r.Type), doc, r.CreatedAt); err != nil {
		return classify("append detection result", err)
	}
	return nil
}

func (p *Postgres) ListDetectionResults(ctx context.Context, sessionID string) ([]detection.Result, error) {
	out := []detection.Result{}
	err := p.listBySession(ctx, "list detection results", p.t.detections, sessionID, func(doc []byte) error {
		var r detection.Result
		if err := json.Unmarshal(doc, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (p *Postgres) SaveAssessment(ctx context.Context, a risk.Assessment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, session_id, doc, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, id) DO NOTHING`, p.t.assessments)
	if _, err := p.db.ExecContext(ctx, q, a.ID, a.SessionID, doc, a.CreatedAt); err != nil {
		return classify("save assessment", err)
	}
	return nil
}

func (p *Postgres) ListAssessments(ctx context.Context, sessionID string) ([]risk.Assessment, error) {
	out := []risk.Assessment{}
	err := p.listBySession(ctx, "list assessments", p.t.assessments, sessionID, func(doc []byte) error {
		var a risk.Assessment
		if err := json.Unmarshal(doc, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (p *Postgres) SaveAlert(ctx context.Context, a risk.Alert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, session_id, assessment_id, doc, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, id) DO NOTHING`, p.t.alerts)
	if _, err := p.db.ExecContext(ctx, q, a.ID, a.SessionID, a.AssessmentID, doc, a.CreatedAt); err != nil {
		return classify("save alert", err)
	}
	return nil
}

func (p *Postgres) ListAlerts(ctx context.Context, sessionID string) ([]risk.Alert, error) {
	out := []risk.Alert{}
	err := p.listBySession(ctx, "list alerts", p.t.alerts, sessionID, func(doc []byte) error {
		var a risk.Alert
		if err := json.Unmarshal(doc, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (p *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("purge", err)
	}
	defer tx.Rollback()

	stale := fmt.Sprintf(`SELECT id FROM %s WHERE updated_at < $1`, p.t.sessions)
	for _, child := range []string{p.t.snapshots, p.t.detections, p.t.assessments, p.t.alerts} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE session_id IN (%s)`, child, stale)
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, classify("purge", err)
		}
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE updated_at < $1`, p.t.sessions), cutoff)
	if err != nil {
		return 0, classify("purge", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, classify("purge", err)
	}
	return int(n), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) listBySession(ctx context.Context, op, table, sessionID string, fn func([]byte) error) error {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE session_id = $1 ORDER BY seq ASC`, table)
	return p.scanDocs(ctx, op, q, []any{sessionID}, fn)
}

func (p *Postgres) scanDocs(ctx context.Context, op, q string, args []any, fn func([]byte) error) error {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return classify(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return classify(op, err)
		}
		if err := fn(doc); err != nil {
			return fmt.Errorf("failed to decode %s row: %w", op, err)
		}
	}
	if err := rows.Err(); err != nil {
		return classify(op, err)
	}
	return nil
}

// transientClasses are SQLSTATE classes worth retrying: connection
// exceptions, transaction rollbacks, insufficient resources and operator
// intervention.
var transientClasses = map[pq.ErrorClass]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return &TransientError{Op: op, Err: err}
	case errors.As(err, &pqErr) && transientClasses[pqErr.Code.Class()]:
		return &TransientError{Op: op, Err: err}
	case errors.As(err, &netErr):
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
