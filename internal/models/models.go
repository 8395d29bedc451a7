package models

import (
	"math"
	"time"
)

// Well-known metric names. Percentages are 0-100.
const (
	MetricCPU    = "cpu"
	MetricMemory = "memory"
	MetricDisk   = "disk"
	MetricGPU    = "gpu"
)

// Raw counter names carried alongside the percentage metrics.
const (
	CounterMemoryUsedMB    = "memoryUsedMb"
	CounterMemoryTotalMB   = "memoryTotalMb"
	CounterDiskUsedGB      = "diskUsedGb"
	CounterDiskTotalGB     = "diskTotalGb"
	CounterNetworkRxBytes  = "networkRxBytes"
	CounterNetworkTxBytes  = "networkTxBytes"
	CounterProcessCount    = "processCount"
	CounterGPUMemoryUsedMB = "gpuMemoryUsedMb"
	CounterGPUMemTotalMB   = "gpuMemoryTotalMb"
	CounterGPUTemperature  = "gpuTemperature"
)

// IngestRequest is what an agent posts on every reporting interval.
type IngestRequest struct {
	ClientID  string         `json:"clientId"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   MetricsPayload `json:"metrics"`
}

// MetricsPayload holds the reported values. Absent fields are nil.
type MetricsPayload struct {
	CPU    *float64 `json:"cpu,omitempty"`
	Memory *float64 `json:"memory,omitempty"`
	Disk   *float64 `json:"disk,omitempty"`
	GPU    *float64 `json:"gpu,omitempty"`

	MemoryUsedMB     *float64  `json:"memoryUsedMb,omitempty"`
	MemoryTotalMB    *float64  `json:"memoryTotalMb,omitempty"`
	DiskUsedGB       *float64  `json:"diskUsedGb,omitempty"`
	DiskTotalGB      *float64  `json:"diskTotalGb,omitempty"`
	NetworkRxBytes   *float64  `json:"networkRxBytes,omitempty"`
	NetworkTxBytes   *float64  `json:"networkTxBytes,omitempty"`
	ProcessCount     *float64  `json:"processCount,omitempty"`
	GPUMemoryUsedMB  *float64  `json:"gpuMemoryUsedMb,omitempty"`
	GPUMemoryTotalMB *float64  `json:"gpuMemoryTotalMb,omitempty"`
	GPUTemperature   *float64  `json:"gpuTemperature,omitempty"`
	LoadAverage      []float64 `json:"loadAverage,omitempty"`
}

// Percentages returns the percentage metrics that are present, keyed by metric name.
func (p MetricsPayload) Percentages() map[string]*float64 {
	return map[string]*float64{
		MetricCPU:    p.CPU,
		MetricMemory: p.Memory,
		MetricDisk:   p.Disk,
		MetricGPU:    p.GPU,
	}
}

// Counters returns the raw counters keyed by counter name.
func (p MetricsPayload) Counters() map[string]*float64 {
	return map[string]*float64{
		CounterMemoryUsedMB:    p.MemoryUsedMB,
		CounterMemoryTotalMB:   p.MemoryTotalMB,
		CounterDiskUsedGB:      p.DiskUsedGB,
		CounterDiskTotalGB:     p.DiskTotalGB,
		CounterNetworkRxBytes:  p.NetworkRxBytes,
		CounterNetworkTxBytes:  p.NetworkTxBytes,
		CounterProcessCount:    p.ProcessCount,
		CounterGPUMemoryUsedMB: p.GPUMemoryUsedMB,
		CounterGPUMemTotalMB:   p.GPUMemoryTotalMB,
		CounterGPUTemperature:  p.GPUTemperature,
	}
}

// MetricSample is a validated, normalized reading from one client.
type MetricSample struct {
	ClientID    string             `json:"clientId"`
	SampleTime  time.Time          `json:"timestamp"`
	Percentages map[string]float64 `json:"percentages"`
	Counters    map[string]float64 `json:"counters,omitempty"`
	LoadAverage []float64          `json:"loadAverage,omitempty"`
}

// Value returns the percentage reported for metric, if any.
func (s MetricSample) Value(metric string) (float64, bool) {
	v, ok := s.Percentages[metric]
	return v, ok
}

// AggregatedMetrics lists the metrics SampleAggregate summarizes.
var AggregatedMetrics = []string{MetricCPU, MetricMemory, MetricDisk, MetricGPU}

// MetricAggregate is the average and peak of one metric over a window.
type MetricAggregate struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// SampleAggregate summarizes a client's samples in [From, To]. Metrics
// only holds entries for metrics at least one sample reported.
type SampleAggregate struct {
	ClientID string                     `json:"clientId"`
	From     time.Time                  `json:"from"`
	To       time.Time                  `json:"to"`
	Samples  int                        `json:"samples"`
	Metrics  map[string]MetricAggregate `json:"metrics"`
}

// Client is a monitored host. Registration is handled elsewhere; this
// service only reads clients and advances LastSeenAt.
type Client struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hostname   string     `json:"hostname"`
	Thresholds Thresholds `json:"thresholds"`
	IsActive   bool       `json:"isActive"`
	LastSeenAt *time.Time `json:"lastSeen,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// DisplayName is the name used in alert titles.
func (c *Client) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Hostname != "" {
		return c.Hostname
	}
	return c.ID
}

// Thresholds are per-client percentage limits. A zero value means unset.
type Thresholds struct {
	CPU    float64 `json:"cpu" toml:"cpu"`
	Memory float64 `json:"memory" toml:"memory"`
	Disk   float64 `json:"disk" toml:"disk"`
}

// DefaultThresholds returns the thresholds applied when a client omits them.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 85, Memory: 85, Disk: 90}
}

// For returns the threshold configured for metric.
func (t Thresholds) For(metric string) (float64, bool) {
	var v float64
	switch metric {
	case MetricCPU:
		v = t.CPU
	case MetricMemory:
		v = t.Memory
	case MetricDisk:
		v = t.Disk
	default:
		return 0, false
	}
	if v <= 0 || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// WithDefaults fills unset thresholds from DefaultThresholds.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CPU <= 0 {
		t.CPU = d.CPU
	}
	if t.Memory <= 0 {
		t.Memory = d.Memory
	}
	if t.Disk <= 0 {
		t.Disk = d.Disk
	}
	return t
}

// User roles.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleOperator   = "operator"
	RoleViewer     = "viewer"
)

// User is a person who can act on alerts and receive notifications.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	IsActive     bool   `json:"isActive"`
	PasswordHash string `json:"-"`
	PushKey      string `json:"-"`
	Phone        string `json:"-"`
}

// Topic names used by the realtime broadcaster.
func UserTopic(userID string) string     { return "user:" + userID }
func ClientTopic(clientID string) string { return "client:" + clientID }
