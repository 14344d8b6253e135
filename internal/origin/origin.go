// Package origin implements the browser Origin checks applied to the HTTP and
// WebSocket endpoints.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy decides which browser origins may reach the relay.
//
// With no allowed origins configured, only same-host requests are accepted
// (the Origin's host[:port] must match the request Host). Otherwise the
// normalized Origin must appear in the list, or the list must contain "*".
//
// Requests without an Origin header are not from a browser and are always
// allowed.
type Policy struct {
	allowed []string
}

// NewPolicy builds a Policy from entries already normalized with
// NormalizeHeader (or "*").
func NewPolicy(allowed []string) *Policy {
	return &Policy{allowed: append([]string(nil), allowed...)}
}

// AllowsAny reports whether the policy accepts every origin.
func (p *Policy) AllowsAny() bool {
	if p == nil {
		return false
	}
	for _, a := range p.allowed {
		if a == "*" {
			return true
		}
	}
	return false
}

// Check validates an Origin header for a request to requestHost. It returns
// the normalized origin when allowed.
func (p *Policy) Check(originHeader, requestHost string) (string, bool) {
	normalized, host, ok := NormalizeHeader(originHeader)
	if !ok {
		return "", false
	}
	var allowed []string
	if p != nil {
		allowed = p.allowed
	}
	if !IsAllowed(normalized, host, requestHost, allowed) {
		return "", false
	}
	return normalized, true
}

// CheckRequest applies the policy to r's Origin header.
func (p *Policy) CheckRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	_, ok := p.Check(header, r.Host)
	return ok
}

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] portion for same-host comparisons. The special
// Origin value "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may access requestHost.
//
// If allowedOrigins is non-empty, each entry must be either "*" or a normalized
// origin. Otherwise the origin's host[:port] must equal the request Host.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Schemes are not compared: a TLS-terminating proxy in front of the relay
	// makes https origins arrive on plain http requests.
	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := normalizeAuthority(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalizeAuthority lower-cases host[:port], validates the port and drops it
// when it is the scheme's default.
func normalizeAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]. IPv6 literals are returned
// without brackets; the port is not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in an authority.
		return "", "", false
	}
}
