package util

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIPBehindIngress(t *testing.T) {
	ingress, err := NewTrustedProxies([]string{"10.42.0.0/16", " ", "172.20.0.5"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}

	cases := []struct {
		name    string
		peer    string
		xff     string
		realIP  string
		trusted *TrustedProxies
		want    string
	}{
		{name: "direct visitor", peer: "49.36.12.7:51514", want: "49.36.12.7"},
		{name: "spoofed header from untrusted peer", peer: "49.36.12.7:51514", xff: "1.1.1.1", realIP: "8.8.8.8", want: "49.36.12.7"},
		{name: "spoofed header without allowlist", peer: "10.42.3.9:443", xff: "1.1.1.1", want: "10.42.3.9"},
		{name: "single ingress hop", peer: "10.42.3.9:443", xff: "49.36.12.7", trusted: ingress, want: "49.36.12.7"},
		{name: "visitor prepends fake hop", peer: "10.42.3.9:443", xff: "1.1.1.1, 49.36.12.7, 172.20.0.5", trusted: ingress, want: "49.36.12.7"},
		{name: "garbage forwarded falls back to x-real-ip", peer: "172.20.0.5:8080", xff: "unknown", realIP: "49.36.12.8", trusted: ingress, want: "49.36.12.8"},
		{name: "internal caller", peer: "10.42.3.9:443", xff: "10.42.0.7", trusted: ingress, want: "10.42.0.7"},
		{name: "ipv4-mapped peer", peer: "[::ffff:10.42.3.9]:443", xff: "49.36.12.7", trusted: ingress, want: "49.36.12.7"},
		{name: "unparseable peer kept verbatim", peer: "pipe", want: "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/bookings", nil)
			req.RemoteAddr = tc.peer
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateLimitKeySeparatesRoutes(t *testing.T) {
	login := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	login.RemoteAddr = "49.36.12.7:1000"
	chat := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	chat.RemoteAddr = "49.36.12.7:2000"

	if got := RateLimitKey(login, nil); got != "/api/auth/login|49.36.12.7" {
		t.Fatalf("login key = %q", got)
	}
	if RateLimitKey(login, nil) == RateLimitKey(chat, nil) {
		t.Fatalf("login and chat share a rate limit bucket")
	}
}

func TestNewTrustedProxies(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"10.42.0.0/16", "2001:db8::1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !tp.Trusts(netip.MustParseAddr("10.42.200.1")) || !tp.Trusts(netip.MustParseAddr("2001:db8::1")) {
		t.Fatalf("expected configured ranges to be trusted")
	}
	if tp.Trusts(netip.MustParseAddr("10.43.0.1")) {
		t.Fatalf("address outside range trusted")
	}
	if empty, err := NewTrustedProxies([]string{"", "  "}); err != nil || empty != nil {
		t.Fatalf("blank entries should trust nobody, got %v %v", empty, err)
	}
	for _, bad := range []string{"ingress.local", "10.42.0.0/33"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
