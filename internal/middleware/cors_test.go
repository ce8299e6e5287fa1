package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const appOrigin = "https://class.readalong.app"

func corsHandler(cfg CORSConfig) (http.Handler, *bool) {
	called := false
	return CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})), &called
}

func TestCORS(t *testing.T) {
	cfg := DefaultCORSConfig([]string{appOrigin, " https://library.example.org "})

	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		wantStatus  int
		wantNext    bool
		wantAllowed string
		wantExposed bool
	}{
		{name: "disabled without origins", method: http.MethodGet, origin: "https://any.example", wantStatus: http.StatusOK, wantNext: true},
		{name: "same origin request", origins: cfg.AllowedOrigins, method: http.MethodGet, wantStatus: http.StatusOK, wantNext: true},
		{name: "allowed origin", origins: cfg.AllowedOrigins, method: http.MethodGet, origin: appOrigin, wantStatus: http.StatusOK, wantNext: true, wantAllowed: appOrigin, wantExposed: true},
		{name: "trimmed origin entry", origins: cfg.AllowedOrigins, method: http.MethodPost, origin: "https://library.example.org", wantStatus: http.StatusOK, wantNext: true, wantAllowed: "https://library.example.org", wantExposed: true},
		{name: "unknown origin", origins: cfg.AllowedOrigins, method: http.MethodGet, origin: "https://evil.example", wantStatus: http.StatusForbidden},
		{name: "origin prefix is not a match", origins: cfg.AllowedOrigins, method: http.MethodGet, origin: appOrigin + ".evil.example", wantStatus: http.StatusForbidden},
		{name: "preflight", origins: cfg.AllowedOrigins, method: http.MethodOptions, origin: appOrigin, wantStatus: http.StatusNoContent, wantAllowed: appOrigin},
		{name: "preflight from unknown origin", origins: cfg.AllowedOrigins, method: http.MethodOptions, origin: "https://evil.example", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.AllowedOrigins = tt.origins
			handler, called := corsHandler(c)

			req := httptest.NewRequest(tt.method, "/assessments", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if *called != tt.wantNext {
				t.Errorf("next called = %v, want %v", *called, tt.wantNext)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllowed {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllowed)
			}
			if got := rec.Header().Get("Access-Control-Expose-Headers") != ""; got != tt.wantExposed {
				t.Errorf("Access-Control-Expose-Headers present = %v, want %v", got, tt.wantExposed)
			}
		})
	}
}

func TestCORS_PreflightHeaders(t *testing.T) {
	handler, called := corsHandler(DefaultCORSConfig([]string{appOrigin}))

	req := httptest.NewRequest(http.MethodOptions, "/assessments", nil)
	req.Header.Set("Origin", appOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if *called {
		t.Error("preflight should not reach the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Access-Control-Max-Age = %q, want 600", got)
	}
	methods := rec.Header().Get("Access-Control-Allow-Methods")
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		if !strings.Contains(methods, m) {
			t.Errorf("Access-Control-Allow-Methods %q missing %s", methods, m)
		}
	}
	headers := rec.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"Authorization", IdempotencyKeyHeader, "X-Request-ID"} {
		if !strings.Contains(headers, h) {
			t.Errorf("Access-Control-Allow-Headers %q missing %s", headers, h)
		}
	}
}

func TestCORS_NoCredentialsWhenDisabled(t *testing.T) {
	cfg := DefaultCORSConfig([]string{appOrigin})
	cfg.AllowCredentials = false
	cfg.MaxAge = 0
	handler, _ := corsHandler(cfg)

	req := httptest.NewRequest(http.MethodOptions, "/rooms", nil)
	req.Header.Set("Origin", appOrigin)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want empty", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "" {
		t.Errorf("Access-Control-Max-Age = %q, want empty", got)
	}
}

func TestCORS_RejectionEnvelope(t *testing.T) {
	handler, _ := corsHandler(DefaultCORSConfig([]string{appOrigin}))

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != ErrCodeOriginNotAllowed {
		t.Errorf("error code = %q, want %q", body.Error.Code, ErrCodeOriginNotAllowed)
	}
}

func TestOriginAllowlist(t *testing.T) {
	empty := NewOriginAllowlist([]string{" ", ""})
	if empty.Enabled() {
		t.Error("blank entries should leave the allowlist disabled")
	}
	if !empty.Allowed("https://anything.example") {
		t.Error("a disabled allowlist allows every origin")
	}

	list := NewOriginAllowlist([]string{appOrigin})
	if !list.Allowed(appOrigin) || list.Allowed("http://class.readalong.app") {
		t.Error("origins must match scheme and host exactly")
	}
}
