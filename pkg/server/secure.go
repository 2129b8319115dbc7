package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// proxyMatcher answers whether a peer address belongs to a trusted
// reverse proxy. Only trusted peers get their forwarded headers
// believed.
type proxyMatcher struct {
	ips  map[string]struct{}
	nets []*net.IPNet
}

func newProxyMatcher(entries []string, logger *slog.Logger) *proxyMatcher {
	m := &proxyMatcher{ips: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn("ignoring invalid trusted proxy range", "entry", entry, "error", err)
				continue
			}
			m.nets = append(m.nets, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			logger.Warn("ignoring invalid trusted proxy address", "entry", entry)
			continue
		}
		m.ips[ip.String()] = struct{}{}
	}
	return m
}

func (m *proxyMatcher) IsTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if _, ok := m.ips[ip.String()]; ok {
		return true
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteIP extracts the peer IP from a request, dropping port, IPv6
// brackets and zone suffix.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}

// isRequestSecure reports whether the request arrived over TLS, either
// directly or via a trusted proxy that vouches for it. The answer
// decides cookie Secure flags and the scheme of the request
// destination.
func isRequestSecure(r *http.Request, trusted *proxyMatcher) bool {
	if r.TLS != nil {
		return true
	}
	if trusted == nil || !trusted.IsTrusted(remoteIP(r)) {
		return false
	}
	if proto := forwardedProto(r); proto != "" {
		return isSecureProto(proto)
	}
	return false
}

// forwardedProto returns the scheme a proxy forwarded, preferring the
// standard Forwarded header over X-Forwarded-Proto.
func forwardedProto(r *http.Request) string {
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		// Only the first (closest proxy) element counts.
		first := fwd
		if i := strings.IndexByte(first, ','); i >= 0 {
			first = first[:i]
		}
		for _, part := range strings.Split(first, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(k), "proto") {
				return strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
			}
		}
	}
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first := xf
		if i := strings.IndexByte(first, ','); i >= 0 {
			first = first[:i]
		}
		return strings.ToLower(strings.TrimSpace(first))
	}
	return ""
}

func isSecureProto(proto string) bool {
	return proto == "https" || proto == "wss"
}

// clientIP returns the best-effort client address: the first
// X-Forwarded-For hop when the peer is a trusted proxy, the peer
// address otherwise.
func clientIP(r *http.Request, trusted *proxyMatcher) string {
	peer := remoteIP(r)
	if trusted == nil || !trusted.IsTrusted(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.IndexByte(first, ','); i >= 0 {
			first = first[:i]
		}
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	return peer
}
