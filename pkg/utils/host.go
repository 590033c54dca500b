package utils

import (
	"regexp"
	"strings"
)

var hostValidation = regexp.MustCompile(`^([a-z0-9.-]+|\[[a-f0-9]*:[a-f0-9.:]+\])(:[0-9]+)?$`)

// SplitDomainPort splits a Host header value into a lower-cased domain
// and port. Malformed hosts return an empty domain.
func SplitDomainPort(host string) (domain, port string) {
	host = strings.ToLower(host)
	if !hostValidation.MatchString(host) {
		return "", ""
	}
	if strings.HasSuffix(host, "]") {
		return host, ""
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		domain, port = host[:i], host[i+1:]
	} else {
		domain = host
	}
	return strings.TrimSuffix(domain, "."), port
}

// IsSameDomain reports whether host matches pattern. A pattern starting
// with a dot matches the domain itself and every subdomain.
func IsSameDomain(host, pattern string) bool {
	if pattern == "" {
		return false
	}
	pattern = strings.ToLower(pattern)
	if pattern[0] == '.' {
		return strings.HasSuffix(host, pattern) || host == pattern[1:]
	}
	return host == pattern
}

// ValidateHost reports whether domain is allowed by any of the patterns;
// "*" allows everything.
func ValidateHost(domain string, allowed []string) bool {
	for _, p := range allowed {
		if p == "*" || IsSameDomain(domain, p) {
			return true
		}
	}
	return false
}
