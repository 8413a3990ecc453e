package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

func TestObserveCounts(t *testing.T) {
	c := New()
	c.Observe(lifecycle.Outcome{Kind: lifecycle.KindPause, Duration: 20 * time.Millisecond, Success: true})
	c.Observe(lifecycle.Outcome{Kind: lifecycle.KindPause, Duration: 30 * time.Millisecond, Success: true})
	c.Observe(lifecycle.Outcome{Kind: lifecycle.KindPause, Duration: time.Second})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("pause", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("pause", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.durations))
}

func TestHandlerExposesPoolSize(t *testing.T) {
	c := New()
	c.TrackPoolSize(func() int { return 7 })
	c.Observe(lifecycle.Outcome{Kind: lifecycle.KindCreate, Duration: time.Second, Success: true})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sandpress_pool_size 7")
	assert.Contains(t, string(body), `sandpress_operations_total{kind="create",result="success"} 1`)
	assert.Contains(t, string(body), `sandpress_operation_duration_seconds_count{kind="create"} 1`)
}
