package service

import (
	"net/http"

	"rewrite-proxy-go/internal/rewrite"
)

// forwardableResponseHeaders are the only upstream response headers passed
// to the client. Framing, CSP, cookie and caching headers are never among them.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":        true,
	"Content-Length":      true,
	"Content-Encoding":    true,
	"Content-Language":    true,
	"Content-Disposition": true,
}

// Outbound header values set on every proxied response.
const (
	cacheControl   = "no-store, no-cache, must-revalidate, max-age=0"
	frameAncestors = "frame-ancestors *"
	htmlType       = "text/html; charset=utf-8"
	binaryType     = "application/octet-stream"
)

// ResponseHeaders computes the headers sent to the client for an upstream
// response handled along the given path.
func ResponseHeaders(src http.Header, kind rewrite.Kind) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if forwardableResponseHeaders[key] && len(vals) > 0 {
			dst[key] = []string{vals[len(vals)-1]}
		}
	}

	dst.Set("Cache-Control", cacheControl)
	dst.Set("Pragma", "no-cache")
	dst.Set("Expires", "0")
	dst.Set("Access-Control-Allow-Origin", "*")
	dst.Set("Content-Security-Policy", frameAncestors)

	if kind == rewrite.HTML {
		// The body is re-serialized; length and coding no longer apply.
		dst.Set("Content-Type", htmlType)
		dst.Del("Content-Length")
		dst.Del("Content-Encoding")
	} else if dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", binaryType)
	}
	return dst
}
