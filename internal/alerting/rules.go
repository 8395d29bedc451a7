package alerting

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/serversentinel/sentinel/internal/models"
)

// DefaultCriticalBand is how far above the threshold a value must be to be CRITICAL.
const DefaultCriticalBand = 10.0

// Severity grades a breach. Exactly threshold+band is still HIGH.
func Severity(value, threshold, band float64) string {
	if value > threshold+band {
		return models.SeverityCritical
	}
	return models.SeverityHigh
}

var metricLabels = map[string]string{
	models.MetricCPU:    "CPU",
	models.MetricMemory: "Memory",
	models.MetricDisk:   "Disk",
	models.MetricGPU:    "GPU",
}

// MetricLabel is the human name of a metric.
func MetricLabel(metric string) string {
	if l, ok := metricLabels[metric]; ok {
		return l
	}
	if metric == "" {
		return metric
	}
	return strings.ToUpper(metric[:1]) + metric[1:]
}

// Title renders e.g. "High CPU Usage on web-1".
func Title(metric, clientName string) string {
	return fmt.Sprintf("High %s Usage on %s", MetricLabel(metric), clientName)
}

// Message renders e.g. "CPU usage is at 92.5%, exceeding threshold of 85%".
func Message(metric string, value, threshold float64) string {
	return fmt.Sprintf("%s usage is at %.1f%%, exceeding threshold of %s%%",
		MetricLabel(metric), value, strconv.FormatFloat(threshold, 'f', -1, 64))
}
