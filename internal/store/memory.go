package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/models"
)

// MemoryStore keeps everything in process. Alerts, deliveries and failed jobs
// live in append-only slices; an ID is the slice index plus one, so IDs are
// monotonic and lookups are O(1).
type MemoryStore struct {
	mu         sync.RWMutex
	clients    map[string]models.Client
	users      map[string]models.User
	samples    []models.MetricSample
	alerts     []models.Alert
	byKey      map[string][]int64 // clientID|metric -> alert IDs, oldest first
	deliveries []models.DeliveryRecord
	byAlert    map[int64][]int64 // alert ID -> delivery IDs
	failed     []models.FailedJob
	settings   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:  make(map[string]models.Client),
		users:    make(map[string]models.User),
		byKey:    make(map[string][]int64),
		byAlert:  make(map[int64][]int64),
		settings: make(map[string]string),
	}
}

func (m *MemoryStore) Close() error { return nil }

func alertKey(clientID, metric string) string {
	return clientID + "|" + metric
}

func cloneAlert(a models.Alert) models.Alert {
	if a.AcknowledgedBy != nil {
		by := *a.AcknowledgedBy
		a.AcknowledgedBy = &by
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		a.AcknowledgedAt = &at
	}
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		a.ResolvedAt = &at
	}
	return a
}

func cloneClient(c models.Client) models.Client {
	if c.LastSeenAt != nil {
		t := *c.LastSeenAt
		c.LastSeenAt = &t
	}
	return c
}

// --- Clients ---

func (m *MemoryStore) UpsertClient(c *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.Thresholds = c.Thresholds.WithDefaults()
	if existing, ok := m.clients[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
		c.LastSeenAt = existing.LastSeenAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.clients[c.ID] = cloneClient(*c)
	return nil
}

func (m *MemoryStore) GetClient(id string) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	c = cloneClient(c)
	return &c, nil
}

func (m *MemoryStore) ListClients() ([]models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]models.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, cloneClient(c))
	}
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Name != clients[j].Name {
			return clients[i].Name < clients[j].Name
		}
		return clients[i].ID < clients[j].ID
	})
	return clients, nil
}

func (m *MemoryStore) TouchClient(id string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil
	}
	if c.LastSeenAt == nil || c.LastSeenAt.Before(seen) {
		t := seen.UTC()
		c.LastSeenAt = &t
		m.clients[id] = c
	}
	return nil
}

// --- Users ---

func (m *MemoryStore) UpsertUser(u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.users {
		if id != u.ID && strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("upsert user: email %q already used by %s", u.Email, id)
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListActiveUsersByRoles(roles ...string) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}
	var users []models.User
	for _, u := range m.users {
		if u.IsActive && want[u.Role] {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// --- Samples ---

func (m *MemoryStore) InsertSample(s models.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *MemoryStore) ListSamples(clientID string, from, to time.Time, limit int) ([]models.MetricSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MetricSample
	for i := len(m.samples) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.samples[i]
		if s.ClientID != clientID || s.SampleTime.Before(from) || s.SampleTime.After(to) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SampleTime.After(out[j].SampleTime) })
	return out, nil
}

func (m *MemoryStore) AggregateSamples(clientID string, from, to time.Time) (*models.SampleAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg := &models.SampleAggregate{ClientID: clientID, From: from, To: to, Metrics: map[string]models.MetricAggregate{}}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range m.samples {
		if s.ClientID != clientID || s.SampleTime.Before(from) || s.SampleTime.After(to) {
			continue
		}
		agg.Samples++
		for _, metric := range models.AggregatedMetrics {
			v, ok := s.Value(metric)
			if !ok {
				continue
			}
			cur := agg.Metrics[metric]
			if counts[metric] == 0 || v > cur.Max {
				cur.Max = v
			}
			agg.Metrics[metric] = cur
			sums[metric] += v
			counts[metric]++
		}
	}
	for metric, cur := range agg.Metrics {
		cur.Avg = sums[metric] / float64(counts[metric])
		agg.Metrics[metric] = cur
	}
	return agg, nil
}

func (m *MemoryStore) PruneSamples(before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var n int64
	for _, s := range m.samples {
		if s.SampleTime.Before(before) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return n, nil
}

// --- Alerts ---

func (m *MemoryStore) InsertAlert(a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[a.ClientID]; !ok {
		return fmt.Errorf("insert alert: %w", apperr.ErrClientNotFound)
	}
	a.ID = int64(len(m.alerts) + 1)
	m.alerts = append(m.alerts, cloneAlert(*a))
	key := alertKey(a.ClientID, a.Metric)
	m.byKey[key] = append(m.byKey[key], a.ID)
	return nil
}

func (m *MemoryStore) alertAt(id int64) (*models.Alert, bool) {
	if id < 1 || id > int64(len(m.alerts)) {
		return nil, false
	}
	return &m.alerts[id-1], true
}

func (m *MemoryStore) GetAlert(id int64) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alertAt(id)
	if !ok {
		return nil, nil
	}
	out := cloneAlert(*a)
	return &out, nil
}

func (m *MemoryStore) UpdateAlert(a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alertAt(a.ID)
	if !ok {
		return fmt.Errorf("update alert %d: %w", a.ID, apperr.ErrAlertNotFound)
	}
	next := cloneAlert(*a)
	cur.Status = next.Status
	cur.AcknowledgedBy = next.AcknowledgedBy
	cur.AcknowledgedAt = next.AcknowledgedAt
	cur.ResolvedAt = next.ResolvedAt
	return nil
}

func (m *MemoryStore) FindOpenAlert(clientID, metric string, since time.Time) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byKey[alertKey(clientID, metric)]
	for i := len(ids) - 1; i >= 0; i-- {
		a, _ := m.alertAt(ids[i])
		if a.Status == models.StatusOpen && a.CreatedAt.After(since) {
			out := cloneAlert(*a)
			return &out, nil
		}
	}
	return nil, nil
}

func matchesQuery(a *models.Alert, q models.AlertQuery) bool {
	if q.ClientID != "" && a.ClientID != q.ClientID {
		return false
	}
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	if q.Severity != "" && a.Severity != q.Severity {
		return false
	}
	if q.From != nil && a.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && a.CreatedAt.After(*q.To) {
		return false
	}
	return true
}

func (m *MemoryStore) QueryAlerts(q models.AlertQuery) ([]models.Alert, int, error) {
	q = q.Normalize()
	m.mu.RLock()
	var matched []models.Alert
	for i := range m.alerts {
		if matchesQuery(&m.alerts[i], q) {
			matched = append(matched, cloneAlert(m.alerts[i]))
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := q.Offset()
	if start >= total {
		return []models.Alert{}, total, nil
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) AlertStats(clientID string, since time.Time) (*models.AlertStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := models.NewAlertStats(since)
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.CreatedAt.Before(since) {
			continue
		}
		if clientID != "" && a.ClientID != clientID {
			continue
		}
		st.Add(a.Status, a.Severity)
	}
	return st, nil
}

// --- Deliveries ---

func (m *MemoryStore) InsertDelivery(d *models.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alertAt(d.AlertID); !ok {
		return fmt.Errorf("insert delivery: %w", apperr.ErrAlertNotFound)
	}
	d.ID = int64(len(m.deliveries) + 1)
	m.deliveries = append(m.deliveries, *d)
	m.byAlert[d.AlertID] = append(m.byAlert[d.AlertID], d.ID)
	return nil
}

func (m *MemoryStore) ListDeliveries(alertID int64) ([]models.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAlert[alertID]
	records := make([]models.DeliveryRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, m.deliveries[id-1])
	}
	return records, nil
}

func (m *MemoryStore) InsertFailedJob(f *models.FailedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = int64(len(m.failed) + 1)
	m.failed = append(m.failed, *f)
	return nil
}

func (m *MemoryStore) ListFailedJobs(limit int) ([]models.FailedJob, error) {
	if limit <= 0 {
		limit = models.DefaultPageLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := []models.FailedJob{}
	for i := len(m.failed) - 1; i >= 0 && len(jobs) < limit; i-- {
		jobs = append(jobs, m.failed[i])
	}
	return jobs, nil
}

// --- Settings ---

func (m *MemoryStore) GetSetting(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[key], nil
}

func (m *MemoryStore) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemoryStore) GetAllSettings() (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}
