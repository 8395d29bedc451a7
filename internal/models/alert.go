package models

import "time"

// Severity levels.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Alert statuses. Transitions only move forward: OPEN -> ACKNOWLEDGED -> CLOSED,
// or OPEN -> CLOSED directly.
const (
	StatusOpen         = "OPEN"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusClosed       = "CLOSED"
)

// Severities lists every severity, lowest first.
var Severities = []string{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Statuses lists every status in lifecycle order.
var Statuses = []string{StatusOpen, StatusAcknowledged, StatusClosed}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s string) bool {
	for _, v := range Severities {
		if v == s {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type Alert struct {
	ID             int64      `json:"id"`
	ClientID       string     `json:"clientId"`
	Metric         string     `json:"metric"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"createdAt"`
	AcknowledgedBy *string    `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// AlertQuery filters a page of alerts. Zero values mean "no filter".
type AlertQuery struct {
	ClientID string
	Status   string
	Severity string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Normalize clamps paging to sane values.
func (q AlertQuery) Normalize() AlertQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	return q
}

// Offset is the number of rows skipped for the requested page.
func (q AlertQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// AlertPage is one page of query results.
type AlertPage struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
	Limit  int     `json:"limit"`
	Pages  int     `json:"pages"`
}

// AlertStats counts alerts created in a time window.
type AlertStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	BySeverity map[string]int `json:"bySeverity"`
	Since      time.Time      `json:"since"`
}

// NewAlertStats returns stats with every status and severity present at zero.
func NewAlertStats(since time.Time) *AlertStats {
	st := &AlertStats{
		ByStatus:   make(map[string]int, len(Statuses)),
		BySeverity: make(map[string]int, len(Severities)),
		Since:      since,
	}
	for _, s := range Statuses {
		st.ByStatus[s] = 0
	}
	for _, s := range Severities {
		st.BySeverity[s] = 0
	}
	return st
}

// Add counts one alert.
func (st *AlertStats) Add(status, severity string) {
	st.Total++
	st.ByStatus[status]++
	st.BySeverity[severity]++
}
