package rewrite

import (
	"mime"
	"strings"
)

// Kind is the handling path chosen for an upstream response.
type Kind int

const (
	// Passthrough forwards the body byte for byte.
	Passthrough Kind = iota
	// HTML runs the body through the transform pipeline.
	HTML
)

func (k Kind) String() string {
	if k == HTML {
		return "html"
	}
	return "passthrough"
}

// Classify picks HTML iff the declared media type is text/html; parameters
// are ignored and a missing or unparsable header means Passthrough.
func Classify(contentType string) Kind {
	if mediaType(contentType) == "text/html" {
		return HTML
	}
	return Passthrough
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		return mt
	}
	// Tolerate malformed parameters such as "text/html; charset".
	mt, _, _ = strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
