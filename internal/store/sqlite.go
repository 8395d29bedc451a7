package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/models"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getUserVersion() int {
	var v int
	s.db.QueryRow("PRAGMA user_version").Scan(&v)
	return v
}

func (s *SQLiteStore) migrate() error {
	current := s.getUserVersion()
	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration v%d: %w", i+1, err)
		}
		if err := migrations[i](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("set user_version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// --- Clients ---

func (s *SQLiteStore) UpsertClient(c *models.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t := c.Thresholds.WithDefaults()
	_, err := s.db.Exec(`INSERT INTO clients (id, name, hostname, cpu_threshold, mem_threshold, disk_threshold, is_active, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, hostname = excluded.hostname,
			cpu_threshold = excluded.cpu_threshold, mem_threshold = excluded.mem_threshold,
			disk_threshold = excluded.disk_threshold, is_active = excluded.is_active`,
		c.ID, c.Name, c.Hostname, t.CPU, t.Memory, t.Disk, c.IsActive, nullMillis(c.LastSeenAt), toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	c.Thresholds = t
	return nil
}

const clientColumns = `id, name, hostname, cpu_threshold, mem_threshold, disk_threshold, is_active, last_seen_at, created_at`

func scanClient(row interface{ Scan(...any) error }) (*models.Client, error) {
	c := &models.Client{}
	var lastSeen sql.NullInt64
	var created int64
	err := row.Scan(&c.ID, &c.Name, &c.Hostname, &c.Thresholds.CPU, &c.Thresholds.Memory, &c.Thresholds.Disk,
		&c.IsActive, &lastSeen, &created)
	if err != nil {
		return nil, err
	}
	c.LastSeenAt = timePtr(lastSeen)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func (s *SQLiteStore) GetClient(id string) (*models.Client, error) {
	c, err := scanClient(s.db.QueryRow("SELECT "+clientColumns+" FROM clients WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListClients() ([]models.Client, error) {
	rows, err := s.db.Query("SELECT " + clientColumns + " FROM clients ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

func (s *SQLiteStore) TouchClient(id string, seen time.Time) error {
	ms := toMillis(seen)
	_, err := s.db.Exec(`UPDATE clients SET last_seen_at = ?
		WHERE id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)`, ms, id, ms)
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) UpsertUser(u *models.User) error {
	_, err := s.db.Exec(`INSERT INTO users (id, email, name, role, is_active, password_hash, push_key, phone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, name = excluded.name, role = excluded.role,
			is_active = excluded.is_active, password_hash = excluded.password_hash,
			push_key = excluded.push_key, phone = excluded.phone`,
		u.ID, u.Email, u.Name, u.Role, u.IsActive, u.PasswordHash, u.PushKey, u.Phone)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, name, role, is_active, password_hash, push_key, phone`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.IsActive, &u.PasswordHash, &u.PushKey, &u.Phone)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByEmail(email string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE email = ? COLLATE NOCASE", email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListActiveUsersByRoles(roles ...string) ([]models.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roles))
	args := make([]any, len(roles))
	for i, r := range roles {
		placeholders[i] = "?"
		args[i] = r
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s FROM users
		WHERE is_active = 1 AND role IN (%s) ORDER BY id`, userColumns, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// --- Samples ---

func nullPct(s models.MetricSample, metric string) sql.NullFloat64 {
	v, ok := s.Value(metric)
	return sql.NullFloat64{Float64: v, Valid: ok}
}

func (s *SQLiteStore) InsertSample(sample models.MetricSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO samples (client_id, recorded_at, cpu_pct, mem_pct, disk_pct, gpu_pct, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sample.ClientID, toMillis(sample.SampleTime),
		nullPct(sample, models.MetricCPU), nullPct(sample, models.MetricMemory),
		nullPct(sample, models.MetricDisk), nullPct(sample, models.MetricGPU), string(payload))
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSamples(clientID string, from, to time.Time, limit int) ([]models.MetricSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`SELECT payload FROM samples
		WHERE client_id = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at DESC LIMIT ?`, clientID, toMillis(from), toMillis(to), limit)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var samples []models.MetricSample
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var sample models.MetricSample
		if err := json.Unmarshal([]byte(payload), &sample); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (s *SQLiteStore) AggregateSamples(clientID string, from, to time.Time) (*models.SampleAggregate, error) {
	agg := &models.SampleAggregate{ClientID: clientID, From: from, To: to, Metrics: map[string]models.MetricAggregate{}}

	var avgs, maxes [4]sql.NullFloat64
	err := s.db.QueryRow(`SELECT COUNT(*),
			AVG(cpu_pct), MAX(cpu_pct), AVG(mem_pct), MAX(mem_pct),
			AVG(disk_pct), MAX(disk_pct), AVG(gpu_pct), MAX(gpu_pct)
		FROM samples WHERE client_id = ? AND recorded_at >= ? AND recorded_at <= ?`,
		clientID, toMillis(from), toMillis(to)).Scan(&agg.Samples,
		&avgs[0], &maxes[0], &avgs[1], &maxes[1],
		&avgs[2], &maxes[2], &avgs[3], &maxes[3])
	if err != nil {
		return nil, fmt.Errorf("aggregate samples: %w", err)
	}
	// column order above follows models.AggregatedMetrics
	for i, metric := range models.AggregatedMetrics {
		if avgs[i].Valid {
			agg.Metrics[metric] = models.MetricAggregate{Avg: avgs[i].Float64, Max: maxes[i].Float64}
		}
	}
	return agg, nil
}

func (s *SQLiteStore) PruneSamples(before time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM samples WHERE recorded_at < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// --- Alerts ---

const alertColumns = `id, client_id, metric, value, threshold, severity, status, title, message,
	created_at, acknowledged_by, acknowledged_at, resolved_at`

func (s *SQLiteStore) InsertAlert(a *models.Alert) error {
	result, err := s.db.Exec(`INSERT INTO alerts (client_id, metric, value, threshold, severity, status, title, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ClientID, a.Metric, a.Value, a.Threshold, a.Severity, a.Status, a.Title, a.Message, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	id, _ := result.LastInsertId()
	a.ID = id
	return nil
}

func (s *SQLiteStore) GetAlert(id int64) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRow("SELECT "+alertColumns+" FROM alerts WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdateAlert(a *models.Alert) error {
	var ackBy sql.NullString
	if a.AcknowledgedBy != nil {
		ackBy = sql.NullString{String: *a.AcknowledgedBy, Valid: true}
	}
	result, err := s.db.Exec(`UPDATE alerts SET status = ?, acknowledged_by = ?, acknowledged_at = ?, resolved_at = ?
		WHERE id = ?`, a.Status, ackBy, nullMillis(a.AcknowledgedAt), nullMillis(a.ResolvedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update alert %d: %w", a.ID, apperr.ErrAlertNotFound)
	}
	return nil
}

func (s *SQLiteStore) FindOpenAlert(clientID, metric string, since time.Time) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(`SELECT `+alertColumns+` FROM alerts
		WHERE client_id = ? AND metric = ? AND status = ? AND created_at > ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, clientID, metric, models.StatusOpen, toMillis(since)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open alert: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) QueryAlerts(q models.AlertQuery) ([]models.Alert, int, error) {
	q = q.Normalize()
	var conditions []string
	var args []any

	if q.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, q.ClientID)
	}
	if q.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, q.Status)
	}
	if q.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, q.Severity)
	}
	if q.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, toMillis(*q.From))
	}
	if q.To != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, toMillis(*q.To))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM alerts "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}

	queryArgs := append(args, q.Limit, q.Offset())
	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s FROM alerts %s
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, alertColumns, where), queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, total, rows.Err()
}

func (s *SQLiteStore) AlertStats(clientID string, since time.Time) (*models.AlertStats, error) {
	query := "SELECT status, severity, COUNT(*) FROM alerts WHERE created_at >= ?"
	args := []any{toMillis(since)}
	if clientID != "" {
		query += " AND client_id = ?"
		args = append(args, clientID)
	}
	rows, err := s.db.Query(query+" GROUP BY status, severity", args...)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}
	defer rows.Close()

	st := models.NewAlertStats(since)
	for rows.Next() {
		var status, severity string
		var n int
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return nil, err
		}
		st.Total += n
		st.ByStatus[status] += n
		st.BySeverity[severity] += n
	}
	return st, rows.Err()
}

func scanAlert(row interface{ Scan(...any) error }) (*models.Alert, error) {
	a := &models.Alert{}
	var created int64
	var ackBy sql.NullString
	var ackAt, resolvedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.ClientID, &a.Metric, &a.Value, &a.Threshold, &a.Severity, &a.Status,
		&a.Title, &a.Message, &created, &ackBy, &ackAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(created)
	if ackBy.Valid {
		by := ackBy.String
		a.AcknowledgedBy = &by
	}
	a.AcknowledgedAt = timePtr(ackAt)
	a.ResolvedAt = timePtr(resolvedAt)
	return a, nil
}

// --- Deliveries ---

func (s *SQLiteStore) InsertDelivery(d *models.DeliveryRecord) error {
	result, err := s.db.Exec(`INSERT INTO deliveries (job_id, alert_id, user_id, channel, status, attempt, sent_at, delivered_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.JobID, d.AlertID, d.UserID, string(d.Channel), d.Status, d.Attempt,
		toMillis(d.SentAt), nullMillis(d.DeliveredAt), d.Error)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	id, _ := result.LastInsertId()
	d.ID = id
	return nil
}

func (s *SQLiteStore) ListDeliveries(alertID int64) ([]models.DeliveryRecord, error) {
	rows, err := s.db.Query(`SELECT id, job_id, alert_id, user_id, channel, status, attempt, sent_at, delivered_at, error
		FROM deliveries WHERE alert_id = ? ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	records := []models.DeliveryRecord{}
	for rows.Next() {
		var d models.DeliveryRecord
		var channel string
		var sent int64
		var delivered sql.NullInt64
		if err := rows.Scan(&d.ID, &d.JobID, &d.AlertID, &d.UserID, &channel, &d.Status, &d.Attempt,
			&sent, &delivered, &d.Error); err != nil {
			return nil, err
		}
		d.Channel = models.Channel(channel)
		d.SentAt = fromMillis(sent)
		d.DeliveredAt = timePtr(delivered)
		records = append(records, d)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) InsertFailedJob(f *models.FailedJob) error {
	job, err := json.Marshal(f.Job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	result, err := s.db.Exec(`INSERT INTO failed_jobs (job_id, alert_id, job, reason, error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)`, f.Job.ID, f.Job.AlertID, string(job), f.Reason, f.Error, toMillis(f.FailedAt))
	if err != nil {
		return fmt.Errorf("insert failed job: %w", err)
	}
	id, _ := result.LastInsertId()
	f.ID = id
	return nil
}

func (s *SQLiteStore) ListFailedJobs(limit int) ([]models.FailedJob, error) {
	if limit <= 0 {
		limit = models.DefaultPageLimit
	}
	rows, err := s.db.Query(`SELECT id, job, reason, error, failed_at FROM failed_jobs
		ORDER BY failed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.FailedJob{}
	for rows.Next() {
		var f models.FailedJob
		var job string
		var failed int64
		if err := rows.Scan(&f.ID, &job, &f.Reason, &f.Error, &failed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(job), &f.Job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		f.FailedAt = fromMillis(failed)
		jobs = append(jobs, f)
	}
	return jobs, rows.Err()
}

// --- Settings ---

func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM global_settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO global_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM global_settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}
