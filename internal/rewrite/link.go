package rewrite

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNotProxyLink is returned by Decode for values not produced by Encode.
var ErrNotProxyLink = errors.New("not a proxy link")

// Encoder wraps absolute URLs into the proxy's own addressable form,
// prefix + percent-encoded URL, and back.
type Encoder struct {
	prefix string
}

// NewEncoder returns an Encoder for the given prefix, e.g. "/proxy?url=".
func NewEncoder(prefix string) Encoder {
	return Encoder{prefix: prefix}
}

// Prefix returns the prefix every encoded link starts with.
func (e Encoder) Prefix() string {
	return e.prefix
}

// Encode returns the proxy link for an absolute URL.
func (e Encoder) Encode(absolute string) string {
	return e.prefix + url.QueryEscape(absolute)
}

// IsProxyLink reports whether v already points at this proxy.
func (e Encoder) IsProxyLink(v string) bool {
	return e.prefix != "" && strings.HasPrefix(strings.TrimSpace(v), e.prefix)
}

// Decode recovers the absolute URL from a proxy link. Anything after the
// encoded value ('&' or '#', neither of which Encode emits) is ignored.
func (e Encoder) Decode(link string) (string, error) {
	link = strings.TrimSpace(link)
	if !e.IsProxyLink(link) {
		return "", ErrNotProxyLink
	}
	rest := link[len(e.prefix):]
	if i := strings.IndexAny(rest, "&#"); i >= 0 {
		rest = rest[:i]
	}
	target, err := url.QueryUnescape(rest)
	if err != nil {
		return "", errors.Join(ErrNotProxyLink, err)
	}
	if target == "" {
		return "", ErrNotProxyLink
	}
	return target, nil
}
