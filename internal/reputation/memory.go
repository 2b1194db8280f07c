package reputation

import (
	"context"
	"sync"
	"time"
)

// Memory keeps reputation in process. Used by default and in tests.
type Memory struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	sessions map[string]map[string]struct{}
	counts   map[string]int64
	total    int64
}

func NewMemory() *Memory {
	return &Memory{
		devices:  make(map[string]*Device),
		sessions: make(map[string]map[string]struct{}),
		counts:   make(map[string]int64),
	}
}

func (m *Memory) device(id string, now time.Time) (*Device, bool) {
	d, ok := m.devices[id]
	if !ok {
		d = &Device{DeviceID: id, FirstSeen: now}
		m.devices[id] = d
		m.sessions[id] = make(map[string]struct{})
	}
	return d, !ok
}

func (m *Memory) Record(_ context.Context, deviceID, sessionID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, first := m.device(deviceID, now)
	if _, seen := m.sessions[deviceID][sessionID]; !seen {
		m.sessions[deviceID][sessionID] = struct{}{}
		d.Sessions++
	}
	d.LastSeen = now
	return first, nil
}

func (m *Memory) AddRisk(_ context.Context, deviceID string, score float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, _ := m.device(deviceID, now)
	d.Assessments++
	d.RiskSum += score
	d.LastSeen = now
	return nil
}

func (m *Memory) Get(_ context.Context, deviceID string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, ErrUnknownDevice
	}
	out := *d
	out.finish()
	return out, nil
}

func (m *Memory) Observe(_ context.Context, components map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	for name, value := range components {
		m.counts[componentKey(name, value)]++
	}
	return nil
}

func (m *Memory) Frequencies(_ context.Context, components map[string]string) (map[string]int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(components))
	for name, value := range components {
		out[name] = m.counts[componentKey(name, value)]
	}
	return out, m.total, nil
}

func (m *Memory) Close() error { return nil }
