package rewrite

import (
	"bytes"
	"io"
	"strings"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// detectSampleSize bounds how much of a document the statistical detector reads.
const detectSampleSize = 64 * 1024

// prescanSize matches the window DetermineEncoding scans for <meta>.
const prescanSize = 1024

// minDetectConfidence is the chardet confidence (0-100) below which a guess is ignored.
const minDetectConfidence = 50

// DecodeUTF8 returns a reader yielding body converted to UTF-8. The encoding
// comes from a BOM or the Content-Type charset, then a <meta> prescan, and
// finally statistical detection. Unknown encodings fall back to the raw bytes.
func DecodeUTF8(body []byte, contentType string) io.Reader {
	name := DetectEncoding(body, contentType)
	if name == "utf-8" {
		return bytes.NewReader(body)
	}
	r, err := charset.NewReaderLabel(name, bytes.NewReader(body))
	if err != nil {
		return bytes.NewReader(body)
	}
	return r
}

// declaresCharset reports whether the prescan window mentions a charset,
// i.e. the windows-1252 result came from the document itself.
func declaresCharset(body []byte) bool {
	if len(body) > prescanSize {
		body = body[:prescanSize]
	}
	return bytes.Contains(bytes.ToLower(body), []byte("charset"))
}

// DetectEncoding returns the WHATWG name of the encoding body is written in.
func DetectEncoding(body []byte, contentType string) string {
	_, name, certain := charset.DetermineEncoding(body, contentType)
	// windows-1252 is DetermineEncoding's fallback when nothing matched.
	if certain || name != "windows-1252" || declaresCharset(body) {
		return name
	}

	sample := body
	if len(sample) > detectSampleSize {
		sample = sample[:detectSampleSize]
	}
	result, err := chardet.NewHtmlDetector().DetectBest(sample)
	if err != nil || result == nil || result.Confidence < minDetectConfidence {
		return name
	}
	if _, detected := charset.Lookup(strings.ToLower(result.Charset)); detected != "" {
		return detected
	}
	return name
}
