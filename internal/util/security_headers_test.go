package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeadersOnJSONAPI(t *testing.T) {
	h := WithSecurityHeaders(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/bookings?scope=mine", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"Referrer-Policy":              "no-referrer",
		"Cross-Origin-Resource-Policy": "same-site",
		"Cache-Control":                "no-store",
	}
	for name, value := range want {
		if got := rec.Header().Get(name); got != value {
			t.Fatalf("%s = %q, want %q", name, got, value)
		}
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatalf("missing Content-Security-Policy")
	}
	if rec.Header().Get("X-Accel-Buffering") != "" {
		t.Fatalf("JSON response should not disable proxy buffering")
	}
}

func TestSecurityHeadersLetCatalogBeCached(t *testing.T) {
	h := WithSecurityHeaders(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/catalog", nil))
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Fatalf("handler Cache-Control overridden: %q", got)
	}
}

func TestSecurityHeadersOnBookingStream(t *testing.T) {
	h := WithSecurityHeaders(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/bookings/stream?scope=all", nil),
		func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
			r.Header.Set("Accept", "text/event-stream")
			return r
		}(),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-transform" {
			t.Fatalf("%s: Cache-Control = %q", req.URL, got)
		}
		if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
			t.Fatalf("%s: X-Accel-Buffering = %q", req.URL, got)
		}
	}
}

func TestSecurityHeadersHSTSTrustsOnlyKnownProxies(t *testing.T) {
	ingress, err := NewTrustedProxies([]string{"10.42.0.0/16"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	h := WithSecurityHeaders(ingress, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name  string
		peer  string
		proto string
		want  bool
	}{
		{name: "plain http", peer: "10.42.0.9:443", want: false},
		{name: "https via ingress", peer: "10.42.0.9:443", proto: "https", want: true},
		{name: "https claimed by visitor", peer: "49.36.12.7:5000", proto: "https", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
			req.RemoteAddr = tc.peer
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if got := rec.Header().Get("Strict-Transport-Security") != ""; got != tc.want {
				t.Fatalf("HSTS set = %v, want %v", got, tc.want)
			}
		})
	}
}
