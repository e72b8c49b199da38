package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// collectMetric returns the first series of c whose labels include all of labels
func collectMetric(c prometheus.Collector, labels prometheus.Labels) *dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		matched := 0
		for _, lp := range dm.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return &dm
		}
	}
	return nil
}

func counterValue(cv *prometheus.CounterVec, labels prometheus.Labels) float64 {
	if dm := collectMetric(cv, labels); dm != nil {
		return dm.GetCounter().GetValue()
	}
	return 0
}

func histogramCount(hv *prometheus.HistogramVec, labels prometheus.Labels) uint64 {
	if dm := collectMetric(hv, labels); dm != nil {
		return dm.GetHistogram().GetSampleCount()
	}
	return 0
}

func newMetricsRouter(status int) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/v1/directory/sync/events/:id", func(c *gin.Context) {
		c.Status(status)
	})
	return r
}

// ---------------------------------------------------------------------------
// MetricsMiddleware tests
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_RecordsCounterAndHistogram(t *testing.T) {
	counterLabels := prometheus.Labels{"method": "GET", "path": "/v1/directory/sync/events/:id", "status": "200"}
	histLabels := prometheus.Labels{"method": "GET", "path": "/v1/directory/sync/events/:id"}
	beforeCount := counterValue(telemetry.HTTPRequestsTotal, counterLabels)
	beforeHist := histogramCount(telemetry.HTTPRequestDuration, histLabels)

	w := httptest.NewRecorder()
	newMetricsRouter(http.StatusOK).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/directory/sync/events/42", nil))

	if got := counterValue(telemetry.HTTPRequestsTotal, counterLabels); got-beforeCount < 1 {
		t.Errorf("http_requests_total not incremented: before=%.0f after=%.0f", beforeCount, got)
	}
	if got := histogramCount(telemetry.HTTPRequestDuration, histLabels); got <= beforeHist {
		t.Errorf("http_request_duration_seconds sample count did not increase: before=%d after=%d", beforeHist, got)
	}
	if dm := collectMetric(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "/v1/directory/sync/events/42"}); dm != nil {
		t.Error("raw URL used as path label; expected the route template")
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/v1/directory/sync/events/:id", "status": "502"}
	before := counterValue(telemetry.HTTPRequestsTotal, labels)

	w := httptest.NewRecorder()
	newMetricsRouter(http.StatusBadGateway).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/directory/sync/events/x", nil))

	if after := counterValue(telemetry.HTTPRequestsTotal, labels); after-before < 1 {
		t.Errorf("http_requests_total for status=502 not incremented: before=%.0f after=%.0f", before, after)
	}
}

func TestMetricsMiddleware_NoRouteLabel(t *testing.T) {
	r := gin.New()
	r.Use(MetricsMiddleware())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	if dm := collectMetric(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "<no-route>", "status": "404"}); dm == nil {
		t.Error("expected path label <no-route> for an unmatched request")
	}
}
