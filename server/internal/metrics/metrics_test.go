package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CacheHit()
	m.Fetch("page", errors.New("x"))
	m.SurfaceMounted()
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.CacheHit()
	m.CacheHit()
	m.Fetch("page", nil)
	m.Fetch("page", errors.New("down"))
	m.Announced("create")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("page", "error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "feed_broadcast_announcements_total"))
}
