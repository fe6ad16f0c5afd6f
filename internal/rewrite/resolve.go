// Package rewrite turns fetched HTML into a document whose every URL-bearing
// attribute points back at the proxy.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrResolve is returned when a candidate cannot become a fetchable absolute URL.
var ErrResolve = errors.New("url not resolvable")

// nonFetchableSchemes are left untouched wherever they appear.
var nonFetchableSchemes = []string{"data:", "blob:", "javascript:", "mailto:", "tel:"}

// Resolve resolves candidate against base (RFC 3986 reference resolution)
// and returns the absolute URL. Candidates using a non-fetchable scheme, or
// resolving to anything but http/https, yield ErrResolve.
func Resolve(candidate string, base *url.URL) (string, error) {
	v := strings.TrimSpace(candidate)
	if v == "" {
		return "", fmt.Errorf("%w: empty", ErrResolve)
	}
	if hasNonFetchableScheme(v) {
		return "", fmt.Errorf("%w: scheme of %q", ErrResolve, truncate(v, 32))
	}

	ref, err := url.Parse(v)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrResolve, err)
	}

	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrResolve, abs.Scheme)
	}
	if abs.Host == "" {
		return "", fmt.Errorf("%w: no host", ErrResolve)
	}
	return abs.String(), nil
}

func hasNonFetchableScheme(v string) bool {
	for _, scheme := range nonFetchableSchemes {
		if len(v) >= len(scheme) && strings.EqualFold(v[:len(scheme)], scheme) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
