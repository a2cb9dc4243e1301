// Package origin normalizes browser Origin values for allowlist comparison.
//
// A canonical origin is exactly scheme://host[:port], lowercased, with
// default ports dropped. Everything else (paths, queries, fragments,
// userinfo, non-web schemes) is rejected so that two origins compare equal
// only when a browser would treat them as the same origin.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidOrigin indicates a value that does not canonicalize to a plain
// scheme://host[:port] web origin.
var ErrInvalidOrigin = errors.New("invalid origin format")

// loopbackHosts are the only hosts allowed to use plain http.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// Canonicalize normalizes value to its canonical origin form.
//
// Rules: scheme must be https, or http for loopback hosts only; no
// userinfo; path must be empty or "/"; no query or fragment. The result is
// lowercase scheme://host[:port] with default ports removed.
func Canonicalize(value string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, value)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, value)
	}

	switch scheme {
	case "https":
	case "http":
		if _, ok := loopbackHosts[host]; !ok {
			return "", fmt.Errorf("%w: http origin %q is not loopback", ErrInvalidOrigin, value)
		}
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidOrigin, scheme)
	}

	if u.User != nil {
		return "", fmt.Errorf("%w: userinfo present", ErrInvalidOrigin)
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("%w: path present", ErrInvalidOrigin)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: query or fragment present", ErrInvalidOrigin)
	}

	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}

	hostPart := host
	if strings.Contains(host, ":") {
		// IPv6 literal
		hostPart = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + hostPart + ":" + port, nil
	}
	return scheme + "://" + hostPart, nil
}

// CanonicalizeSet canonicalizes every entry of an allowlist, silently
// dropping entries that fail. Allowlist rows are owner-entered free text;
// a bad row must not poison the valid ones.
func CanonicalizeSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		canonical, err := Canonicalize(v)
		if err != nil {
			continue
		}
		set[canonical] = struct{}{}
	}
	return set
}
