package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"devtools-proxy-go/internal/config"
)

// pathEcho answers every request with its own request URI.
func pathEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream", "1")
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI()))
	})
}

func TestRegisterRoutes_Defaults(t *testing.T) {
	upstream := httptest.NewServer(pathEcho())
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, nil)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"root", http.MethodGet, "/"},
		{"nested", http.MethodGet, "/a/b/c?x=1"},
		{"post", http.MethodPost, "/api/save"},
		{"delete", http.MethodDelete, "/api/items/1"},
		{"options", http.MethodOptions, "/api"},
		{"admin prefix proxied when disabled", http.MethodGet, "/__devtools-proxy/healthz"},
		{"metrics path proxied when disabled", http.MethodGet, "/__devtools-proxy/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := p.do(t, tt.method, tt.path)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if rec.Header().Get("X-Upstream") != "1" {
				t.Error("request did not reach the upstream")
			}
			if want := tt.method + " " + tt.path; rec.Body.String() != want {
				t.Errorf("body = %q, want %q", rec.Body.String(), want)
			}
		})
	}
}

func TestRegisterRoutes_AdminAndMetricsEnabled(t *testing.T) {
	upstream := httptest.NewServer(pathEcho())
	defer upstream.Close()
	p := newTestProxy(t, upstream.URL, func(cfg *config.Config) {
		cfg.Admin.Enabled = true
		cfg.Metrics.Enabled = true
	})

	tests := []struct {
		name         string
		path         string
		wantUpstream bool
		wantContains string
	}{
		{"healthz", "/__devtools-proxy/healthz", false, `"status":"ok"`},
		{"status", "/__devtools-proxy/status", false, `"script_url":"http://localhost:8097"`},
		{"metrics", "/__devtools-proxy/metrics", false, "devtools_proxy_bind_attempts_total"},
		{"other path under prefix", "/__devtools-proxy/other", true, "GET /__devtools-proxy/other"},
		{"app path", "/healthz", true, "GET /healthz"},
	}

	// Record something so every vector family is exported.
	p.metrics.ObserveBind("bound")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := p.do(t, http.MethodGet, tt.path)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got := rec.Header().Get("X-Upstream") == "1"; got != tt.wantUpstream {
				t.Errorf("reached upstream = %v, want %v", got, tt.wantUpstream)
			}
			if !strings.Contains(rec.Body.String(), tt.wantContains) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantContains)
			}
		})
	}
}
