package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/telemetry"
)

// TestValidateTableName tests SQL injection prevention
func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		wantError bool
	}{
		{"valid simple name", "sessions", false},
		{"valid with underscores", "proctor_sessions", false},
		{"valid with numbers", "proctor_2024", false},
		{"valid starting with underscore", "_private", false},
		{"empty string", "", true},
		{"SQL injection attempt with semicolon", "x; DROP TABLE users;--", true},
		{"SQL injection with quotes", "x' OR '1'='1", true},
		{"contains spaces", "my sessions", true},
		{"contains dash", "proctor-sessions", true},
		{"starts with number", "2024_sessions", true},
		{"too long (>63 chars)", strings.Repeat("a", 64), true},
		{"exactly 63 chars (valid)", strings.Repeat("a", 63), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTableName(tt.tableName)
			if (err != nil) != tt.wantError {
				t.Errorf("validateTableName(%q) error = %v, wantError = %v", tt.tableName, err, tt.wantError)
			}
		})
	}
}

func TestNewTablesRejectsBadPrefix(t *testing.T) {
	if _, err := newTables("bad prefix"); err == nil {
		t.Error("expected error for prefix with a space")
	}
	if _, err := newTables(strings.Repeat("p", 60)); err == nil {
		t.Error("expected error when suffixed names exceed 63 characters")
	}
}

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	tb, err := newTables("proctor")
	if err != nil {
		t.Fatal(err)
	}
	return &Postgres{db: db, t: tb}, mock
}

func TestPostgres_EnsureSchema_Success(t *testing.T) {
	p, mock := newMockStore(t)
	for _, table := range []string{"proctor_sessions", "proctor_snapshots", "proctor_detections", "proctor_assessments", "proctor_alerts"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for i := 0; i < 6; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_proctor_").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := p.ensureSchema(context.Background()); err != nil {
		t.Errorf("ensureSchema failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_EnsureSchema_TableError(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS proctor_sessions").
		WillReturnError(fmt.Errorf("permission denied"))

	err := p.ensureSchema(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to create table") {
		t.Errorf("error should mention table creation: %v", err)
	}
}

func TestPostgres_EnsureSchema_IndexError(t *testing.T) {
	p, mock := newMockStore(t)
	for i := 0; i < 5; i++ {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_proctor_sessions_updated").
		WillReturnError(fmt.Errorf("index error"))

	err := p.ensureSchema(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to create index") {
		t.Errorf("error should mention index creation: %v", err)
	}
}

func TestPostgres_SaveAndGetSession(t *testing.T) {
	p, mock := newMockStore(t)
	t0 := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	s := telemetry.NewSession("s1", t0)
	s.Responses = []telemetry.ResponseRecord{{QuestionID: "q1", Answer: "b", Correct: true}}

	mock.ExpectExec("INSERT INTO proctor_sessions").
		WithArgs("s1", sqlmock.AnyArg(), t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.SaveSession(context.Background(), s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	doc, _ := json.Marshal(s)
	mock.ExpectQuery("SELECT doc FROM proctor_sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))
	got, err := p.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != "s1" || len(got.Responses) != 1 || !got.Responses[0].Correct {
		t.Errorf("GetSession = %+v", got)
	}

	mock.ExpectQuery("SELECT doc FROM proctor_sessions WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))
	if _, err := p.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_DetectionResultsInAppendOrder(t *testing.T) {
	p, mock := newMockStore(t)
	r1 := detection.Result{ID: "r1", SessionID: "s1", Type: detection.TypeVM, Available: true, Score: 0.4}
	r2 := detection.Result{ID: "r2", SessionID: "s1", Type: detection.TypeAutomation, Reason: "no data"}

	mock.ExpectExec("INSERT INTO proctor_detections .* ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs("r1", "s1", "vm_detection", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.AppendDetectionResult(context.Background(), r1); err != nil {
		t.Fatal(err)
	}

	d1, _ := json.Marshal(r1)
	d2, _ := json.Marshal(r2)
	mock.ExpectQuery("SELECT doc FROM proctor_detections WHERE session_id = \\$1 ORDER BY seq ASC").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(d1).AddRow(d2))
	got, err := p.ListDetectionResults(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "r2" || got[1].Available {
		t.Errorf("ListDetectionResults = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_EmptyListIsNotNil(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("SELECT doc FROM proctor_assessments").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))
	got, err := p.ListAssessments(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ListAssessments = %#v, want empty slice", got)
	}
}

func TestPostgres_SaveAssessmentIsIdempotent(t *testing.T) {
	p, mock := newMockStore(t)
	a := risk.Assessment{ID: "01HX", SessionID: "s1"}
	mock.ExpectExec("INSERT INTO proctor_assessments .* ON CONFLICT \\(session_id, id\\) DO NOTHING").
		WithArgs("01HX", "s1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := p.SaveAssessment(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_PurgeBefore(t *testing.T) {
	p, mock := newMockStore(t)
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	for _, child := range []string{"snapshots", "detections", "assessments", "alerts"} {
		mock.ExpectExec("DELETE FROM proctor_" + child + " WHERE session_id IN").
			WithArgs(cutoff).
			WillReturnResult(sqlmock.NewResult(0, 3))
	}
	mock.ExpectExec("DELETE FROM proctor_sessions WHERE updated_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := p.PurgeBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_PurgeRollsBackOnError(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM proctor_snapshots").WillReturnError(fmt.Errorf("boom"))
	mock.ExpectRollback()

	if _, err := p.PurgeBefore(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"bad connection", driver.ErrBadConn, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient(classify(%v)) = %v, want %v", tt.err, !tt.transient, tt.transient)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("classified error does not wrap the original")
			}
		})
	}
}

func TestPostgres_SaveAlertScopesIDToSession(t *testing.T) {
	p, mock := newMockStore(t)
	a := risk.Alert{ID: "al1", SessionID: "s2", AssessmentID: "01HX"}
	mock.ExpectExec("INSERT INTO proctor_alerts .* ON CONFLICT \\(session_id, id\\) DO NOTHING").
		WithArgs("al1", "s2", "01HX", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.SaveAlert(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
