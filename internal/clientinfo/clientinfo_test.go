package clientinfo

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestResolveIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name: "real ip wins over forwarded-for",
			headers: map[string]string{
				"X-Real-IP":       "10.0.0.5",
				"X-Forwarded-For": "203.0.113.9, 10.0.0.1",
			},
			want: "10.0.0.5",
		},
		{
			name: "malformed real ip falls through to forwarded-for",
			headers: map[string]string{
				"X-Real-IP":       "not-an-ip",
				"X-Forwarded-For": "203.0.113.9, 10.0.0.1",
			},
			want: "203.0.113.9",
		},
		{
			name:    "forwarded-for first entry is trimmed",
			headers: map[string]string{"X-Forwarded-For": "   198.51.100.7  ,10.0.0.1"},
			want:    "198.51.100.7",
		},
		{
			name:    "rfc 7239 forwarded with port",
			headers: map[string]string{"Forwarded": "for=192.0.2.60:8080;proto=http;by=203.0.113.43"},
			want:    "192.0.2.60",
		},
		{
			name:    "rfc 7239 forwarded ipv6",
			headers: map[string]string{"Forwarded": `for="[2001:db8:cafe::17]:4711", for=192.0.2.1`},
			want:    "2001:db8:cafe::17",
		},
		{
			name:    "client-ip is the last header checked",
			headers: map[string]string{"Client-IP": "192.0.2.99"},
			want:    "192.0.2.99",
		},
		{
			name: "all headers invalid falls back to peer address",
			headers: map[string]string{
				"X-Real-IP":       "999.1.1.1",
				"X-Forwarded-For": "unknown",
				"Forwarded":       "for=_hidden",
				"Client-IP":       "",
			},
			remoteAddr: "172.16.0.4:51234",
			want:       "172.16.0.4",
		},
		{
			name:       "ipv6 peer address",
			remoteAddr: "[::1]:9000",
			want:       "::1",
		},
		{
			name:    "ipv6 zone is dropped from header",
			headers: map[string]string{"X-Real-IP": "fe80::1%" + strings.Repeat("a", 60)},
			want:    "fe80::1",
		},
		{
			name:       "ipv6 zone is dropped from peer address",
			remoteAddr: "[fe80::1%eth0]:9000",
			want:       "fe80::1",
		},
		{
			name:       "unparsable peer address is not recorded verbatim",
			remoteAddr: "not-an-address-" + strings.Repeat("x", 50),
			want:       UnknownAddress,
		},
		{
			name:       "unparsable peer host with port",
			remoteAddr: "gateway.internal:8080",
			want:       UnknownAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/login", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.remoteAddr != "" {
				req.RemoteAddr = tt.remoteAddr
			}

			got := ResolveIP(req)
			if got != tt.want {
				t.Errorf("ResolveIP() = %q, want %q", got, tt.want)
			}
			if len(got) > 45 {
				t.Errorf("ResolveIP() = %d bytes, longer than the ip_address column", len(got))
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := httptest.NewRequest("GET", "/subnets/search?q=10.0", nil)
	req.Header.Set("User-Agent", "curl/8.5")
	req.Header.Set("Referer", "https://ipam.example.com/subnets")
	req.Header.Set("X-Real-IP", "10.1.2.3")

	cc := FromRequest(req, now)

	if cc.IPAddress != "10.1.2.3" {
		t.Errorf("IPAddress = %q", cc.IPAddress)
	}
	if cc.UserAgent != "curl/8.5" || cc.Referer != "https://ipam.example.com/subnets" {
		t.Errorf("unexpected agent/referer: %+v", cc)
	}
	if cc.Method != "GET" || cc.URI != "/subnets/search?q=10.0" {
		t.Errorf("unexpected method/uri: %+v", cc)
	}
	if !cc.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", cc.Timestamp, now)
	}
}
