package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
	"github.com/hamed0406/webguard/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Store keeps every table in maps guarded by one RWMutex. Values are copied
// in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	nextID        int64
	targets       map[domain.TargetID]domain.Target
	checks        []domain.CheckResult
	certs         map[domain.TargetID]domain.CertificateSnapshot
	baselines     []domain.ContentBaseline
	incidents     []domain.Incident
	notifications []domain.NotificationRecord
}

func New() *Store {
	return &Store{
		targets: make(map[domain.TargetID]domain.Target),
		checks:  make([]domain.CheckResult, 0, 128),
		certs:   make(map[domain.TargetID]domain.CertificateSnapshot),
	}
}

func (m *Store) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Store) Ping(context.Context) error { return nil }
func (m *Store) Close() error               { return nil }

// ---- TargetStore ----

func (m *Store) CreateTarget(_ context.Context, t *domain.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.targets {
		if cur.URL == t.URL {
			return repo.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	t.ID = domain.TargetID(m.id())
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.targets[t.ID] = *t
	return nil
}

func (m *Store) GetTarget(_ context.Context, id domain.TargetID) (*domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &t, nil
}

func (m *Store) ListTargets(_ context.Context, enabledOnly bool) ([]domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Target, 0, len(m.targets))
	for _, t := range m.targets {
		if enabledOnly && !t.MonitoringEnabled {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Target) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *Store) SetTargetEnabled(_ context.Context, id domain.TargetID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return repo.ErrNotFound
	}
	t.MonitoringEnabled = enabled
	t.UpdatedAt = time.Now().UTC()
	m.targets[id] = t
	return nil
}

func (m *Store) DeleteTarget(_ context.Context, id domain.TargetID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.targets, id)
	delete(m.certs, id)
	m.checks = slices.DeleteFunc(m.checks, func(r domain.CheckResult) bool { return r.TargetID == id })
	m.baselines = slices.DeleteFunc(m.baselines, func(b domain.ContentBaseline) bool { return b.TargetID == id })
	m.incidents = slices.DeleteFunc(m.incidents, func(i domain.Incident) bool { return i.TargetID == id })
	m.notifications = slices.DeleteFunc(m.notifications, func(n domain.NotificationRecord) bool { return n.TargetID == id })
	return nil
}

func (m *Store) requireTarget(id domain.TargetID) error {
	if _, ok := m.targets[id]; !ok {
		return repo.ErrNotFound
	}
	return nil
}

// ---- CheckStore ----

func (m *Store) AppendCheck(_ context.Context, r *domain.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTarget(r.TargetID); err != nil {
		return err
	}
	r.ID = m.id()
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now().UTC()
	}
	m.checks = append(m.checks, *r)
	return nil
}

func (m *Store) RecentChecks(_ context.Context, id domain.TargetID, limit int) ([]domain.CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.CheckResult
	for i := len(m.checks) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.checks[i].TargetID == id {
			out = append(out, m.checks[i])
		}
	}
	return out, nil
}

func (m *Store) LatestCheck(_ context.Context, id domain.TargetID, kind domain.CheckKind) (*domain.CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.checks) - 1; i >= 0; i-- {
		if c := m.checks[i]; c.TargetID == id && c.Kind == kind {
			return &c, nil
		}
	}
	return nil, nil
}

// ---- CertificateStore ----

func (m *Store) ReplaceCertificate(_ context.Context, c *domain.CertificateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTarget(c.TargetID); err != nil {
		return err
	}
	c.ID = m.id()
	m.certs[c.TargetID] = *c
	return nil
}

func (m *Store) GetCertificate(_ context.Context, id domain.TargetID) (*domain.CertificateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ---- BaselineStore ----

func (m *Store) AppendBaseline(_ context.Context, b *domain.ContentBaseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTarget(b.TargetID); err != nil {
		return err
	}
	b.ID = m.id()
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now().UTC()
	}
	m.baselines = append(m.baselines, *b)
	return nil
}

func (m *Store) LatestBaseline(_ context.Context, id domain.TargetID) (*domain.ContentBaseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.baselines) - 1; i >= 0; i-- {
		if m.baselines[i].TargetID == id {
			b := m.baselines[i]
			return &b, nil
		}
	}
	return nil, nil
}

// ---- IncidentStore ----

func (m *Store) CreateIncident(_ context.Context, inc *domain.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTarget(inc.TargetID); err != nil {
		return err
	}
	inc.ID = m.id()
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now().UTC()
	}
	m.incidents = append(m.incidents, *inc)
	return nil
}

func (m *Store) findIncident(id domain.TargetID, kind domain.IncidentKind, openOnly bool) *domain.Incident {
	for i := len(m.incidents) - 1; i >= 0; i-- {
		inc := m.incidents[i]
		if inc.TargetID != id || inc.Kind != kind || (openOnly && !inc.IsOpen()) {
			continue
		}
		return &inc
	}
	return nil
}

func (m *Store) OpenIncident(_ context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findIncident(id, kind, true), nil
}

func (m *Store) LatestIncident(_ context.Context, id domain.TargetID, kind domain.IncidentKind) (*domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findIncident(id, kind, false), nil
}

func (m *Store) ResolveIncidents(_ context.Context, id domain.TargetID, kind domain.IncidentKind, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.incidents {
		inc := &m.incidents[i]
		if inc.TargetID == id && inc.Kind == kind && inc.IsOpen() {
			ts := at
			inc.ResolvedAt = &ts
			n++
		}
	}
	return n, nil
}

func (m *Store) RecentIncidents(_ context.Context, id domain.TargetID, limit int) ([]domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Incident
	for i := len(m.incidents) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.incidents[i].TargetID == id {
			out = append(out, m.incidents[i])
		}
	}
	return out, nil
}

// ---- NotificationStore ----

func (m *Store) AppendNotification(_ context.Context, n *domain.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.id()
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *Store) CountSentSince(_ context.Context, id domain.TargetID, kind domain.IncidentKind, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.notifications {
		if rec.TargetID == id && rec.Kind == kind && rec.Status == domain.DeliverySent && rec.SentAt.After(since) {
			n++
		}
	}
	return n, nil
}

// Notifications returns a copy of every record, oldest first.
func (m *Store) Notifications() []domain.NotificationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.notifications)
}

// Baselines returns a copy of every baseline row for id, oldest first.
func (m *Store) Baselines(id domain.TargetID) []domain.ContentBaseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ContentBaseline
	for _, b := range m.baselines {
		if b.TargetID == id {
			out = append(out, b)
		}
	}
	return out
}
