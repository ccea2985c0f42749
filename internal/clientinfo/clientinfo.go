// Package clientinfo resolves the request metadata that is attached to every
// audit event: source address, user agent, referer, method, URI and time.
//
// Trust assumption: ResolveIP believes the proxy forwarding headers below, in
// this order, before it looks at the TCP peer address:
//
//	X-Real-IP, X-Forwarded-For (first entry), Forwarded (for=), Client-IP
//
// That is correct behind a reverse proxy that overwrites these headers. When
// the service is reachable directly, any client can put an arbitrary address
// in them, which lets it dodge or redirect per-address blocking. Deployments
// without such a proxy must strip the headers at the edge.
package clientinfo

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Header names checked by ResolveIP, highest priority first.
const (
	HeaderRealIP       = "X-Real-IP"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderForwarded    = "Forwarded"
	HeaderClientIP     = "Client-IP"
)

// UnknownAddress is recorded when the peer address is present but not an IP
// literal.
const UnknownAddress = "unknown"

var forwardingHeaders = []string{
	HeaderRealIP,
	HeaderForwardedFor,
	HeaderForwarded,
	HeaderClientIP,
}

// ClientContext is the request metadata recorded with an audit event.
type ClientContext struct {
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Referer   string    `json:"referer,omitempty"`
	Method    string    `json:"method,omitempty"`
	URI       string    `json:"uri,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FromRequest builds the client context of r stamped with now.
func FromRequest(r *http.Request, now time.Time) ClientContext {
	return ClientContext{
		IPAddress: ResolveIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Method:    r.Method,
		URI:       r.URL.RequestURI(),
		Timestamp: now,
	}
}

// ResolveIP returns the first forwarding-header candidate that parses as an IP
// literal, falling back to the host part of r.RemoteAddr. IPv6 zones are
// dropped, so the result always fits an INET6_ADDRSTRLEN column.
func ResolveIP(r *http.Request) string {
	for _, header := range forwardingHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		if ip, ok := candidate(header, value); ok {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

func candidate(header, value string) (string, bool) {
	switch header {
	case HeaderForwardedFor:
		first, _, _ := strings.Cut(value, ",")
		return validIP(first)
	case HeaderForwarded:
		return forwardedFor(value)
	default:
		return validIP(value)
	}
}

// forwardedFor extracts the for= parameter of the first RFC 7239 element.
func forwardedFor(value string) (string, bool) {
	first, _, _ := strings.Cut(value, ",")
	for _, pair := range strings.Split(first, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "for") {
			continue
		}
		val = strings.Trim(val, `"`)
		if strings.HasPrefix(val, "[") {
			// [2001:db8::1]:4711
			if end := strings.Index(val, "]"); end > 0 {
				val = val[1:end]
			}
		} else if host, _, err := net.SplitHostPort(val); err == nil {
			val = host
		}
		return validIP(val)
	}
	return validIP(first)
}

func validIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.WithZone("").String(), true
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	if ip, ok := validIP(remoteAddr); ok {
		return ip
	}
	return UnknownAddress
}
