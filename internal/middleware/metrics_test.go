package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"devtools-proxy-go/internal/metrics"
)

// findSeries returns the first series of family name whose labels include all of want.
func findSeries(t *testing.T, m *metrics.Metrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, s := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range s.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			return s
		}
	}
	return nil
}

func serve(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))
	return rec
}

func TestMetricsMiddleware_RouteLabels(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/__devtools-proxy/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	tests := []struct {
		target string
		route  string
	}{
		{"/", "page"},
		{"/about?tab=1", "page"},
		{"/index.html", "page"},
		{"/static/app.js", "asset"},
		{"/__devtools-proxy/healthz", "/__devtools-proxy/healthz"},
	}

	for _, tt := range tests {
		if rec := serve(e, http.MethodGet, tt.target); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want %d", tt.target, rec.Code, http.StatusOK)
		}
	}

	for _, want := range []struct {
		route string
		count float64
	}{{"page", 3}, {"asset", 1}, {"/__devtools-proxy/healthz", 1}} {
		s := findSeries(t, m, "devtools_proxy_http_requests_total", map[string]string{
			"method": "GET", "status_code": "200", "route": want.route,
		})
		if s == nil {
			t.Errorf("no requests_total series for route %q", want.route)
			continue
		}
		if got := s.GetCounter().GetValue(); got != want.count {
			t.Errorf("route %q count = %v, want %v", want.route, got, want.count)
		}
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/")

	s := findSeries(t, m, "devtools_proxy_http_request_duration_seconds", map[string]string{"route": "page"})
	if s == nil || s.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected devtools_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	})

	serve(e, http.MethodPost, "/upload")

	if findSeries(t, m, "devtools_proxy_http_requests_total", map[string]string{"route": "page", "status_code": "413"}) == nil {
		t.Error("expected requests_total with status_code=413 taken from the returned error")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, "XYZZY", "/")

	if findSeries(t, m, "devtools_proxy_http_requests_total", map[string]string{"method": "other"}) == nil {
		t.Error("expected requests_total with method=other")
	}
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))

	var during float64
	e.Any("/*", func(c echo.Context) error {
		s := findSeries(t, m, "devtools_proxy_http_requests_in_flight", nil)
		during = s.GetGauge().GetValue()
		return c.NoContent(http.StatusNoContent)
	})

	serve(e, http.MethodGet, "/")

	if during != 1 {
		t.Errorf("in-flight during request = %v, want 1", during)
	}
	if after := findSeries(t, m, "devtools_proxy_http_requests_in_flight", nil).GetGauge().GetValue(); after != 0 {
		t.Errorf("in-flight after request = %v, want 0", after)
	}
}
