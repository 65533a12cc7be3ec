package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServer_Endpoints(t *testing.T) {
	tests := []struct {
		name       string
		ready      ReadyFunc
		path       string
		wantStatus int
		wantBody   string
	}{
		{"healthz", nil, "/healthz", http.StatusOK, "ok"},
		{"readyz nil func", nil, "/readyz", http.StatusOK, "ready"},
		{"readyz ready", func() bool { return true }, "/readyz", http.StatusOK, "ready"},
		{"readyz draining", func() bool { return false }, "/readyz", http.StatusServiceUnavailable, "not ready"},
		{"metrics", nil, "/metrics", http.StatusOK, "go_goroutines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newMux(tt.ready).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected body to contain %q, got %q", tt.wantBody, rec.Body.String())
			}
		})
	}
}
