package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums a counter family's samples whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			matched := 0
			for _, lp := range metric.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(want) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestHTTPMetricsMiddleware_RecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	h := HTTPMetricsMiddleware(m, "/api/payment")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payment", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1.0, counterValue(t, reg, "http_requests_total",
		map[string]string{"handler": "/api/payment", "method": "POST", "status": "4xx"}))
}

func TestHTTPMetricsMiddleware_PreservesFlusher(t *testing.T) {
	var flushed bool
	h := HTTPMetricsMiddleware(nil, "/sse")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		flushed = ok
		if ok {
			f.Flush()
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))

	assert.True(t, flushed)
	assert.True(t, rec.Flushed)
}

func TestRecordCacheLookup(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCacheLookup("memory", true)
	m.RecordCacheLookup("memory", false)
	m.RecordCacheLookup("memory", false)

	assert.Equal(t, 1.0, counterValue(t, reg, "pos_cache_lookups_total", map[string]string{"tier": "memory", "result": "hit"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "pos_cache_lookups_total", map[string]string{"tier": "memory", "result": "miss"}))
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(204))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(99))
}
