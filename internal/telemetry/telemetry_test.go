package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.AlertCreated("HIGH", "cpu")
	m.AlertCreated("HIGH", "cpu")
	m.AlertSuppressed("cpu")
	m.NotificationSent("email", "failed", 20*time.Millisecond)
	m.AlertTransition("CLOSED")
	m.NotificationRetried(5 * time.Second)
	m.NotificationRetried(10 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsCreated.WithLabelValues("HIGH", "cpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertTransitions.WithLabelValues("closed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NotificationRetries))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `sentinel_alerts_suppressed_total{metric="cpu"} 1`))
	assert.True(t, strings.Contains(string(body), `sentinel_notifications_sent_total{channel="email",status="failed"} 1`))
	assert.True(t, strings.Contains(string(body), `sentinel_notification_retry_delay_seconds_sum 15`))
}
