package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"worksafety/pkg/domain"
)

var (
	_ domain.MetricStore        = (*MetricStore)(nil)
	_ domain.SiteConditionStore = (*SiteConditionStore)(nil)
	_ domain.TriggerLog         = (*TriggerLog)(nil)
)

// MetricStore keeps metric values in process memory.
type MetricStore struct {
	mu     sync.RWMutex
	values map[domain.MetricKey]domain.MetricValue
}

// NewMetricStore returns an empty metric store.
func NewMetricStore() *MetricStore {
	return &MetricStore{values: make(map[domain.MetricKey]domain.MetricValue)}
}

// Upsert stores v unless a row with a later or equal calculated_at exists.
func (s *MetricStore) Upsert(_ context.Context, v domain.MetricValue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.values[v.Key]; ok && !v.Newer(current) {
		return false, nil
	}
	s.values[v.Key] = v
	return true, nil
}

func (s *MetricStore) Get(_ context.Context, key domain.MetricKey) (domain.MetricValue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Range returns the subject's values for kind with dates in [from, to], ascending.
func (s *MetricStore) Range(_ context.Context, tenantID string, kind domain.MetricKind, subjectID string, from, to domain.Date) ([]domain.MetricValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := domain.Window{Start: from, End: to}
	var out []domain.MetricValue
	for key, v := range s.values {
		if key.TenantID != tenantID || key.Kind != kind || key.SubjectID != subjectID {
			continue
		}
		if !window.Contains(key.Date) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Date.Before(out[j].Key.Date) })
	return out, nil
}

// ListSubject returns every kind stored for the subject at date.
func (s *MetricStore) ListSubject(_ context.Context, tenantID, subjectID string, date domain.Date) ([]domain.MetricValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MetricValue
	for key, v := range s.values {
		if key.TenantID == tenantID && key.SubjectID == subjectID && key.Date == date {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Kind < out[j].Key.Kind })
	return out, nil
}

// SiteConditionStore keeps evaluator output in process memory.
type SiteConditionStore struct {
	mu        sync.RWMutex
	instances map[domain.SiteConditionKey]domain.SiteConditionInstance
}

// NewSiteConditionStore returns an empty site-condition store.
func NewSiteConditionStore() *SiteConditionStore {
	return &SiteConditionStore{instances: make(map[domain.SiteConditionKey]domain.SiteConditionInstance)}
}

// Put stores inst unless a later instance exists for the key.
func (s *SiteConditionStore) Put(_ context.Context, inst domain.SiteConditionInstance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.instances[inst.Key]; ok && !inst.CalculatedAt.After(current.CalculatedAt) {
		return false, nil
	}
	s.instances[inst.Key] = inst
	return true, nil
}

func (s *SiteConditionStore) Get(_ context.Context, key domain.SiteConditionKey) (domain.SiteConditionInstance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[key]
	return inst, ok, nil
}

func (s *SiteConditionStore) ListLocation(_ context.Context, tenantID, locationID string, date domain.Date) ([]domain.SiteConditionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SiteConditionInstance
	for key, inst := range s.instances {
		if key.TenantID == tenantID && key.LocationID == locationID && key.Date == date {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.LibraryID < out[j].Key.LibraryID })
	return out, nil
}

// TriggerLog keeps the trigger log in process memory. It is durable only for
// the lifetime of the process.
type TriggerLog struct {
	mu     sync.RWMutex
	rows   map[string]domain.Trigger
	byKey  map[domain.MetricKey]map[string]struct{}
	failed map[string]map[string]struct{} // tenant -> failed trigger ids
}

// NewTriggerLog returns an empty trigger log.
func NewTriggerLog() *TriggerLog {
	return &TriggerLog{
		rows:   make(map[string]domain.Trigger),
		byKey:  make(map[domain.MetricKey]map[string]struct{}),
		failed: make(map[string]map[string]struct{}),
	}
}

func (l *TriggerLog) Save(_ context.Context, triggers ...domain.Trigger) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range triggers {
		if prev, ok := l.rows[t.ID]; ok {
			l.unindex(prev)
		}
		l.rows[t.ID] = t.Clone()
		l.index(t)
	}
	return nil
}

func (l *TriggerLog) index(t domain.Trigger) {
	indexAdd(l.byKey, t.Key, t.ID)
	if t.Status == domain.TriggerFailed {
		indexAdd(l.failed, t.Key.TenantID, t.ID)
	}
}

func (l *TriggerLog) unindex(t domain.Trigger) {
	indexRemove(l.byKey, t.Key, t.ID)
	if t.Status == domain.TriggerFailed {
		indexRemove(l.failed, t.Key.TenantID, t.ID)
	}
}

func indexAdd[K comparable](idx map[K]map[string]struct{}, k K, id string) {
	ids, ok := idx[k]
	if !ok {
		ids = make(map[string]struct{})
		idx[k] = ids
	}
	ids[id] = struct{}{}
}

func indexRemove[K comparable](idx map[K]map[string]struct{}, k K, id string) {
	ids := idx[k]
	delete(ids, id)
	if len(ids) == 0 {
		delete(idx, k)
	}
}

func (l *TriggerLog) Open(_ context.Context) ([]domain.Trigger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Trigger
	for _, t := range l.rows {
		if t.Status == domain.TriggerPending || t.Status == domain.TriggerRunning {
			out = append(out, t.Clone())
		}
	}
	return byEnqueue(out), nil
}

func (l *TriggerLog) Failed(_ context.Context, tenantID string) ([]domain.Trigger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.failed[tenantID]
	out := make([]domain.Trigger, 0, len(ids))
	for id := range ids {
		out = append(out, l.rows[id].Clone())
	}
	return byEnqueue(out), nil
}

func (l *TriggerLog) Latest(_ context.Context, key domain.MetricKey) (domain.Trigger, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var (
		latest domain.Trigger
		found  bool
	)
	for id := range l.byKey[key] {
		t := l.rows[id]
		if !found || t.UpdatedAt.After(latest.UpdatedAt) {
			latest, found = t, true
		}
	}
	if found {
		latest = latest.Clone()
	}
	return latest, found, nil
}

func (l *TriggerLog) Prune(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, t := range l.rows {
		if t.Status == domain.TriggerDone && t.UpdatedAt.Before(before) {
			l.unindex(t)
			delete(l.rows, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of rows, for tests.
func (l *TriggerLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

func byEnqueue(out []domain.Trigger) []domain.Trigger {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
