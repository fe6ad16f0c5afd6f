package rewrite

import (
	"github.com/microcosm-cc/bluemonday"
)

// allowedElements are the structural and content tags kept by the sanitizer.
var allowedElements = []string{
	"html", "head", "body", "title", "meta", "link", "style", "script",
	"main", "header", "footer", "nav", "section", "article", "aside",
	"div", "span", "p", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
	"a", "img", "picture", "source", "video", "audio", "track", "iframe",
	"form", "input", "button", "select", "option", "optgroup", "textarea",
	"label", "fieldset", "legend",
	"ul", "ol", "li", "dl", "dt", "dd",
	"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption", "colgroup", "col",
	"strong", "em", "b", "i", "u", "s", "small", "sub", "sup", "mark",
	"code", "pre", "kbd", "samp", "blockquote", "q", "cite", "abbr", "time",
	"figure", "figcaption", "details", "summary", "canvas",
	// Disallowed elements are unwrapped, which would make inert template
	// content live.
	"template",
	"svg", "g", "path", "circle", "ellipse", "rect", "line", "polyline", "polygon", "defs", "symbol",
}

// globalAttrs are inert attributes allowed on every element.
var globalAttrs = []string{
	"id", "class", "style", "title", "lang", "dir", "role", "hidden", "tabindex",
	"aria-label", "aria-hidden", "aria-expanded", "aria-describedby", "aria-labelledby",
}

// NewSanitizer returns the allow-list policy applied after URL rewriting.
// URL attributes are limited to href, src and action on the elements the
// rewrite rules cover, so sanitized output only carries proxy links.
func NewSanitizer() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	// The pipeline keeps page scripts; sanitizing is about attributes and
	// unknown markup, not script removal.
	p.AllowUnsafe(true)
	p.AllowElements(allowedElements...)
	p.AllowNoAttrs().OnElements(allowedElements...)

	p.AllowAttrs(globalAttrs...).Globally()
	p.AllowDataAttributes()

	// URL-bearing attributes, exactly as rewritten.
	p.AllowAttrs("href").OnElements("a", "link")
	p.AllowAttrs("src").OnElements("script", "img", "iframe", "source", "video", "audio", "track")
	p.AllowAttrs("action", "method", "enctype", "autocomplete").OnElements("form")

	p.AllowAttrs("charset", "name", "content", "http-equiv", "property").OnElements("meta")
	p.AllowAttrs("rel", "type", "media", "sizes", "as", "crossorigin", "integrity", "hreflang").OnElements("link")
	p.AllowAttrs("type", "async", "defer", "nomodule", "crossorigin", "integrity", "charset").OnElements("script")
	p.AllowAttrs("media", "type").OnElements("style")
	p.AllowAttrs("alt", "width", "height", "loading", "decoding").OnElements("img")
	p.AllowAttrs("type", "media").OnElements("source")
	p.AllowAttrs("kind", "label", "srclang", "default").OnElements("track")
	p.AllowAttrs("controls", "autoplay", "loop", "muted", "playsinline", "preload", "width", "height").OnElements("video", "audio")
	p.AllowAttrs("width", "height", "allow", "allowfullscreen", "name", "loading").OnElements("iframe")
	p.AllowAttrs("rel", "hreflang").OnElements("a")
	p.AllowAttrs("type", "name", "value", "placeholder", "checked", "disabled", "required", "readonly",
		"maxlength", "minlength", "min", "max", "step", "pattern", "size", "autocomplete", "autofocus", "multiple").OnElements("input")
	p.AllowAttrs("type", "name", "value", "disabled").OnElements("button")
	p.AllowAttrs("name", "multiple", "disabled", "required", "size").OnElements("select")
	p.AllowAttrs("value", "selected", "disabled", "label").OnElements("option", "optgroup")
	p.AllowAttrs("name", "rows", "cols", "placeholder", "disabled", "readonly", "required", "maxlength").OnElements("textarea")
	p.AllowAttrs("for").OnElements("label")
	p.AllowAttrs("colspan", "rowspan", "headers", "scope").OnElements("td", "th")
	p.AllowAttrs("span").OnElements("col", "colgroup")
	p.AllowAttrs("start", "reversed", "type").OnElements("ol")
	p.AllowAttrs("value").OnElements("li")
	p.AllowAttrs("datetime").OnElements("time")
	p.AllowAttrs("open").OnElements("details")
	p.AllowAttrs("width", "height").OnElements("canvas")
	p.AllowAttrs("viewbox", "xmlns", "width", "height", "fill", "stroke", "stroke-width", "stroke-linecap",
		"stroke-linejoin", "fill-rule", "clip-rule", "transform", "opacity").OnElements("svg", "g", "symbol")
	p.AllowAttrs("d", "cx", "cy", "r", "rx", "ry", "x", "y", "x1", "y1", "x2", "y2", "points", "width", "height",
		"fill", "stroke", "stroke-width", "stroke-linecap", "stroke-linejoin", "fill-rule", "clip-rule",
		"transform", "opacity").OnElements("path", "circle", "ellipse", "rect", "line", "polyline", "polygon")

	return p
}
