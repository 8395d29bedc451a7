package store

import (
	"time"

	"github.com/serversentinel/sentinel/internal/models"
)

// Store is the persistence boundary for the alert pipeline. Lookups return
// (nil, nil) when the row does not exist.
type Store interface {
	Close() error

	// Clients
	UpsertClient(c *models.Client) error
	GetClient(id string) (*models.Client, error)
	ListClients() ([]models.Client, error)
	// TouchClient advances last-seen; it never moves it backwards.
	TouchClient(id string, seen time.Time) error

	// Users
	UpsertUser(u *models.User) error
	GetUser(id string) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
	ListActiveUsersByRoles(roles ...string) ([]models.User, error)

	// Samples
	InsertSample(s models.MetricSample) error
	ListSamples(clientID string, from, to time.Time, limit int) ([]models.MetricSample, error)
	AggregateSamples(clientID string, from, to time.Time) (*models.SampleAggregate, error)

	// Alerts. InsertAlert assigns a.ID.
	InsertAlert(a *models.Alert) error
	GetAlert(id int64) (*models.Alert, error)
	UpdateAlert(a *models.Alert) error
	// FindOpenAlert returns the newest OPEN alert for (clientID, metric)
	// created strictly after since.
	FindOpenAlert(clientID, metric string, since time.Time) (*models.Alert, error)
	QueryAlerts(q models.AlertQuery) ([]models.Alert, int, error)
	AlertStats(clientID string, since time.Time) (*models.AlertStats, error)

	// Notification audit trail
	InsertDelivery(d *models.DeliveryRecord) error
	ListDeliveries(alertID int64) ([]models.DeliveryRecord, error)
	InsertFailedJob(f *models.FailedJob) error
	ListFailedJobs(limit int) ([]models.FailedJob, error)

	// Settings
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	GetAllSettings() (map[string]string, error)

	// Maintenance
	PruneSamples(before time.Time) (int64, error)
}

// Open picks a store implementation by driver name.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	default:
		return NewSQLiteStore(path)
	}
}
