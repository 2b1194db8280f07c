package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/features"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/telemetry"
)

// Memory is the in-process store.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*telemetry.Session
	snapshots   map[string][]features.Snapshot
	results     map[string][]detection.Result
	assessments map[string][]risk.Assessment
	alerts      map[string][]risk.Alert
	ids         map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*telemetry.Session),
		snapshots:   make(map[string][]features.Snapshot),
		results:     make(map[string][]detection.Result),
		assessments: make(map[string][]risk.Assessment),
		alerts:      make(map[string][]risk.Alert),
		ids:         make(map[string]struct{}),
	}
}

func (m *Memory) SaveSession(_ context.Context, s *telemetry.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*telemetry.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context, limit int) ([]*telemetry.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*telemetry.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, s := range out {
		out[i] = s.Clone()
	}
	return out, nil
}

func (m *Memory) AppendSnapshot(_ context.Context, snap features.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.SessionID] = append(m.snapshots[snap.SessionID], snap)
	return nil
}

func (m *Memory) ListSnapshots(_ context.Context, sessionID string) ([]features.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]features.Snapshot{}, m.snapshots[sessionID]...), nil
}

// seen records id and reports whether it was already stored.
func (m *Memory) seen(kind, id string) bool {
	key := kind + "/" + id
	if _, ok := m.ids[key]; ok {
		return true
	}
	m.ids[key] = struct{}{}
	return false
}

func (m *Memory) AppendDetectionResult(_ context.Context, r detection.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen("result", r.ID) {
		return nil
	}
	m.results[r.SessionID] = append(m.results[r.SessionID], r)
	return nil
}

func (m *Memory) ListDetectionResults(_ context.Context, sessionID string) ([]detection.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]detection.Result{}, m.results[sessionID]...), nil
}

func (m *Memory) SaveAssessment(_ context.Context, a risk.Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen("assessment", a.SessionID+"/"+a.ID) {
		return nil
	}
	m.assessments[a.SessionID] = append(m.assessments[a.SessionID], a)
	return nil
}

func (m *Memory) ListAssessments(_ context.Context, sessionID string) ([]risk.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]risk.Assessment{}, m.assessments[sessionID]...), nil
}

func (m *Memory) SaveAlert(_ context.Context, a risk.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen("alert", a.SessionID+"/"+a.ID) {
		return nil
	}
	m.alerts[a.SessionID] = append(m.alerts[a.SessionID], a)
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, sessionID string) ([]risk.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]risk.Alert{}, m.alerts[sessionID]...), nil
}

func (m *Memory) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, r := range m.results[id] {
			delete(m.ids, "result/"+r.ID)
		}
		for _, a := range m.assessments[id] {
			delete(m.ids, "assessment/"+a.ID)
		}
		for _, a := range m.alerts[id] {
			delete(m.ids, "alert/"+a.ID)
		}
		delete(m.sessions, id)
		delete(m.snapshots, id)
		delete(m.results, id)
		delete(m.assessments, id)
		delete(m.alerts, id)
		n++
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
