package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Native watch and CLI clients send no Origin header; browsers always do.
// The allow-list is only consulted for requests that carry one.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com" or "http://127.0.0.1:5173"
//   - Hostnames, e.g. "example.com" (port ignored, case-insensitive)
//   - Wildcard hostnames, e.g. "*.example.com" (subdomains only, not the apex)
//   - Exact non-standard Origin values, e.g. "null"
type originRule struct {
	raw      string
	scheme   bool   // entry carries a scheme, match the full Origin value
	wildcard string // lowercased base of a "*." entry
	hostPort bool   // entry is host:port, match against parsed Host
}

func parseOriginRules(allowed []string) []originRule {
	rules := make([]originRule, 0, len(allowed))
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		rule := originRule{raw: entry}
		switch {
		case strings.Contains(entry, "://"):
			rule.scheme = true
		case strings.HasPrefix(entry, "*."):
			rule.wildcard = strings.ToLower(strings.TrimPrefix(entry, "*."))
		default:
			if _, _, err := net.SplitHostPort(entry); err == nil {
				rule.hostPort = true
			}
		}
		rules = append(rules, rule)
	}
	return rules
}

// matches expects host and hostname already lowercased.
func (rule originRule) matches(origin, host, hostname string) bool {
	switch {
	case rule.scheme:
		return origin == rule.raw
	case rule.wildcard != "":
		return hostname != "" && strings.HasSuffix(hostname, "."+rule.wildcard)
	case rule.hostPort:
		return host != "" && host == strings.ToLower(rule.raw)
	default:
		// Hostname entry, plus exact match for non-standard values like "null".
		return (hostname != "" && hostname == strings.ToLower(rule.raw)) || origin == rule.raw
	}
}

func matchOrigin(rules []originRule, origin string) bool {
	host := ""
	hostname := ""
	if parsed, err := url.Parse(origin); err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, rule := range rules {
		if rule.matches(origin, host, hostname) {
			return true
		}
	}
	return false
}

// IsOriginAllowed validates r.Header["Origin"] against an allow-list.
// If the request has no Origin header, allowNoOrigin controls acceptance.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	return matchOrigin(parseOriginRules(allowed), origin)
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function with the
// allow-list parsed once up front.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	rules := parseOriginRules(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return allowNoOrigin
		}
		return matchOrigin(rules, origin)
	}
}
