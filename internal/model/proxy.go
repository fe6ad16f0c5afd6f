// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is one validated inbound request for a remote resource.
type ProxyRequest struct {
	Ctx       context.Context
	TargetURL *url.URL
	Header    http.Header // inbound client headers; never forwarded verbatim
}

// UpstreamResponse is the final (post-redirect) response of an outbound fetch.
// The Body is owned by whoever received the response and must be closed.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	FinalURL   *url.URL // URL after redirects; the resolution base for HTML
}
