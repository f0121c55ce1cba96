package repo

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the default in-process repository. It is authoritative for the
// realtime window; Postgres is an optional mirror for deployments that need
// history across restarts.
type Memory struct {
	mu       sync.RWMutex
	calls    map[string]*Call
	events   map[string][]Event
	alerts   []Alert
	nextID   int64
	maxEvent int
}

// NewMemory builds an empty repository. maxEventsPerCall bounds per-call
// history; zero means the default of 500.
func NewMemory(maxEventsPerCall int) *Memory {
	if maxEventsPerCall <= 0 {
		maxEventsPerCall = 500
	}
	return &Memory{
		calls:    make(map[string]*Call),
		events:   make(map[string][]Event),
		nextID:   1,
		maxEvent: maxEventsPerCall,
	}
}

func (m *Memory) UpsertCall(_ context.Context, mut CallMutation) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	occurred := mut.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	call, ok := m.calls[mut.CallID]
	if !ok {
		call = &Call{CallID: mut.CallID, StartedAt: occurred}
		m.calls[mut.CallID] = call
	}
	mergeCall(call, mut)
	call.UpdatedAt = now

	out := cloneCall(call)
	return &out, nil
}

func mergeCall(call *Call, mut CallMutation) {
	if mut.Provider != "" {
		call.Provider = mut.Provider
	}
	if mut.Status != "" {
		call.Status = mut.Status
	}
	if mut.AgentID != "" {
		call.AgentID = mut.AgentID
	}
	if mut.CustomerID != "" {
		call.CustomerID = mut.CustomerID
	}
	if mut.LastSpeaker != "" {
		call.LastSpeaker = mut.LastSpeaker
	}
	if mut.LastText != "" {
		call.LastText = TruncateText(mut.LastText)
	}
	// New calls without an explicit status start active.
	if call.Status == "" {
		call.Status = "active"
	}
	call.RiskScore = mut.RiskScore
	call.SentimentScore = mut.SentimentScore
	call.Metadata = MergeMetadata(call.Metadata, mut.Metadata)
}

func (m *Memory) AppendEvent(_ context.Context, callID string, ev Event) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = m.nextID
	m.nextID++
	ev.CallID = callID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	list := append(m.events[callID], ev)
	if len(list) > m.maxEvent {
		list = list[len(list)-m.maxEvent:]
	}
	m.events[callID] = list

	out := ev
	return &out, nil
}

func (m *Memory) AppendAlert(_ context.Context, a Alert) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.ID = m.nextID
	m.nextID++
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.alerts = append(m.alerts, a)

	out := a
	return &out, nil
}

func (m *Memory) GetCall(_ context.Context, callID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	call, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneCall(call)
	return &out, nil
}

func (m *Memory) RecentEvents(_ context.Context, callID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.events[callID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]Event, len(list))
	copy(out, list)
	return out, nil
}

func (m *Memory) RecentAlerts(_ context.Context, q AlertQuery) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, 16)
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if q.CallID != "" && a.CallID != q.CallID {
			continue
		}
		if q.OpenOnly && a.Acknowledged {
			continue
		}
		out = append(out, a)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	// Equal timestamps are common under test clocks, so order by id too.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) LastAlertTimes(_ context.Context, callID string) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]time.Time)
	for _, a := range m.alerts {
		if a.CallID != callID {
			continue
		}
		if existing, ok := out[a.Type]; !ok || a.CreatedAt.After(existing) {
			out[a.Type] = a.CreatedAt
		}
	}
	return out, nil
}

func (m *Memory) AckAlert(_ context.Context, alertID int64, at time.Time) (*Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID != alertID {
			continue
		}
		if m.alerts[i].Acknowledged {
			out := m.alerts[i]
			return &out, false, nil
		}
		ts := at.UTC()
		m.alerts[i].Acknowledged = true
		m.alerts[i].AcknowledgedAt = &ts
		out := m.alerts[i]
		return &out, true, nil
	}
	return nil, false, ErrNotFound
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func cloneCall(c *Call) Call {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
