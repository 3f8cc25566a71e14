package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubrid/gobroker/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

// --- HTTP Middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	resp, err := http.Get(server.URL + "/some/asset.js")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	// Admin command paths should be kept as-is.
	beforeAdmin := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/admin/command", "200")
	req, _ := http.NewRequest("POST", server.URL+"/admin/command", strings.NewReader("{}"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterAdmin := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/admin/command", "200")
	assert.Equal(t, float64(1), afterAdmin-beforeAdmin)

	// /metrics path should be kept as-is.
	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	// Unrecognized paths should be grouped as /other.
	beforeOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	resp, err = http.Get(server.URL + "/whatever")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	assert.Equal(t, float64(1), afterOther-beforeOther)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

// --- Business gauge tests ---

func TestActiveWorkersGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveWorkers)
	metrics.ActiveWorkers.Inc()
	after := getGaugeValue(t, metrics.ActiveWorkers)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveWorkers.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveWorkers)
	assert.Equal(t, before, afterDec)
}

func TestBusyWorkersGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.BusyWorkers)
	metrics.BusyWorkers.Inc()
	after := getGaugeValue(t, metrics.BusyWorkers)
	assert.Equal(t, float64(1), after-before)

	metrics.BusyWorkers.Dec()
	afterDec := getGaugeValue(t, metrics.BusyWorkers)
	assert.Equal(t, before, afterDec)
}

func TestQueuedJobsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.QueuedJobs)
	metrics.QueuedJobs.Set(before + 3)
	after := getGaugeValue(t, metrics.QueuedJobs)
	assert.Equal(t, float64(3), after-before)

	metrics.QueuedJobs.Set(before)
}

// --- Counter tests ---

func TestWorkerRespawnsCounter(t *testing.T) {
	m := &dto.Metric{}
	_ = metrics.WorkerRespawns.Write(m)
	before := m.GetCounter().GetValue()

	metrics.WorkerRespawns.Inc()

	m2 := &dto.Metric{}
	_ = metrics.WorkerRespawns.Write(m2)
	after := m2.GetCounter().GetValue()

	assert.Equal(t, float64(1), after-before)
}

func TestRPCErrorsTotalByCode(t *testing.T) {
	before := getCounterValue(t, metrics.RPCErrorsTotal, "BUSY")
	metrics.RPCErrorsTotal.WithLabelValues("BUSY").Inc()
	after := getCounterValue(t, metrics.RPCErrorsTotal, "BUSY")
	assert.Equal(t, float64(1), after-before)
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
