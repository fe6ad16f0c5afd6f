// Package shim renders the client-side runtime injected into every
// rewritten page.
package shim

import (
	_ "embed"
	"encoding/json"
	"strings"
)

// ElementID is the id attribute of the injected script element.
const ElementID = "__rewrite_shim"

//go:embed runtime.js
var runtime string

// Config parameterizes the generated script.
type Config struct {
	// ProxyPrefix is prepended to every percent-encoded target URL.
	ProxyPrefix string
	// BaseURL resolves relative URLs found at runtime. When empty the
	// script recovers the target from its own location.
	BaseURL string
	// SpoofedUserAgent, when set, enables fingerprint suppression and is
	// reported as navigator.userAgent.
	SpoofedUserAgent string
}

// Generate returns the script text for cfg. Values are embedded as JSON
// literals, which escape '<' so the text is safe inside a <script> element.
func Generate(cfg Config) string {
	ua := "null"
	if cfg.SpoofedUserAgent != "" {
		ua = literal(cfg.SpoofedUserAgent)
	}
	return strings.NewReplacer(
		"__SHIM_PREFIX__", literal(cfg.ProxyPrefix),
		"__SHIM_BASE__", literal(cfg.BaseURL),
		"__SHIM_USER_AGENT__", ua,
		"__SHIM_ELEMENT_ID__", literal(ElementID),
	).Replace(runtime)
}

func literal(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshaling a string cannot fail.
		return `""`
	}
	return string(b)
}
