package rewrite

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/shim"
)

// ShimElementID is the id of the injected runtime shim script element.
const ShimElementID = shim.ElementID

// attributeRule designates the single URL-bearing attribute of a tag.
type attributeRule struct {
	tag  string
	attr string
}

var attributeRules = []attributeRule{
	{"a", "href"},
	{"link", "href"},
	{"script", "src"},
	{"img", "src"},
	{"iframe", "src"},
	{"source", "src"},
	{"video", "src"},
	{"audio", "src"},
	{"track", "src"},
	{"form", "action"},
}

// Context carries per-request data needed to resolve and encode URLs.
// It is read-only once constructed.
type Context struct {
	base  url.URL
	links Encoder
}

// NewContext builds a Context for a document fetched from base.
func NewContext(base *url.URL, links Encoder) *Context {
	return &Context{base: *base, links: links}
}

// BaseURL returns a copy of the resolution base.
func (c *Context) BaseURL() *url.URL {
	u := c.base
	return &u
}

// Links returns the proxy link encoder.
func (c *Context) Links() Encoder {
	return c.links
}

func (c *Context) withBase(base *url.URL) *Context {
	return &Context{base: *base, links: c.links}
}

// PageOptions holds per-page extras: the shim to inject and rule-driven removals.
type PageOptions struct {
	// Shim renders the runtime script for the effective document base.
	// Nil disables injection.
	Shim func(base *url.URL) string
	// Remove lists CSS selectors of elements to drop.
	Remove []string
	// Trackers extends the pipeline's tracker denylist for this page.
	Trackers []string
}

// Stats counts what a Transform call changed.
type Stats struct {
	Rewritten        int
	Skipped          int
	TrackersStripped int
	Removed          int
}

// Pipeline rewrites HTML documents so every URL-bearing attribute points at
// the proxy. A Pipeline is safe for concurrent use.
type Pipeline struct {
	sanitizer *bluemonday.Policy
	trackers  trackerList
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline. A nil sanitizer skips the allow-list pass.
func NewPipeline(sanitizer *bluemonday.Policy, trackerDomains []string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sanitizer: sanitizer,
		trackers:  newTrackerList(trackerDomains),
		logger:    logger.With("component", "rewrite"),
	}
}

// Transform parses r leniently and returns the rewritten, serialized document.
func (p *Pipeline) Transform(r io.Reader, rc *Context, page PageOptions) ([]byte, Stats, error) {
	var stats Stats

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, stats, fmt.Errorf("rewrite: parse: %w", err)
	}
	doctype := findDoctype(doc)

	rc = p.applyBase(doc, rc)
	stats.TrackersStripped = p.stripTrackers(doc, rc, p.trackers.with(page.Trackers))
	stats.Removed = removeSelectors(doc, page.Remove, p.logger)
	removeCSPMeta(doc)
	normalizeCharsetMeta(doc)

	for _, rule := range attributeRules {
		doc.Find(rule.tag + "[" + rule.attr + "]").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(rule.attr)
			abs, outcome := rewriteURL(v, rc)
			switch outcome {
			case rewriteDone:
				s.SetAttr(rule.attr, rc.links.Encode(abs))
				stats.Rewritten++
			case rewriteSkipped:
				stats.Skipped++
			}
		})
	}
	if rewriteMetaRefresh(doc, rc) {
		stats.Rewritten++
	}

	if p.sanitizer != nil {
		doc, err = p.sanitize(doc)
		if err != nil {
			return nil, stats, err
		}
	}

	if page.Shim != nil {
		injectShim(doc, page.Shim(rc.BaseURL()))
	}
	if doctype != nil {
		root := doc.Nodes[0]
		if first := root.FirstChild; first == nil || first.Type != html.DoctypeNode {
			root.InsertBefore(doctype, first)
		}
	}

	out, err := doc.Html()
	if err != nil {
		return nil, stats, fmt.Errorf("rewrite: render: %w", err)
	}
	return []byte(out), stats, nil
}

type rewriteOutcome int

const (
	rewriteNone rewriteOutcome = iota
	rewriteDone
	rewriteSkipped
)

// rewriteURL decides what happens to one attribute value and returns the
// absolute target when it is to be rewritten.
func rewriteURL(v string, rc *Context) (string, rewriteOutcome) {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "#") || rc.links.IsProxyLink(v) {
		return "", rewriteNone
	}
	abs, err := Resolve(v, rc.BaseURL())
	if err != nil {
		return "", rewriteSkipped
	}
	return abs, rewriteDone
}

func findDoctype(doc *goquery.Document) *html.Node {
	for n := doc.Nodes[0].FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.DoctypeNode {
			return &html.Node{Type: html.DoctypeNode, Data: n.Data, Attr: append([]html.Attribute(nil), n.Attr...)}
		}
	}
	return nil
}

// applyBase adopts the first <base href> as the document base and drops
// every <base> element.
func (p *Pipeline) applyBase(doc *goquery.Document, rc *Context) *Context {
	bases := doc.Find("base")
	if bases.Length() == 0 {
		return rc
	}
	if href, ok := bases.Filter("[href]").First().Attr("href"); ok {
		v := href
		if decoded, err := rc.links.Decode(href); err == nil {
			v = decoded
		}
		if abs, err := Resolve(v, rc.BaseURL()); err == nil {
			if u, err := url.Parse(abs); err == nil {
				rc = rc.withBase(u)
			}
		} else {
			p.logger.Debug("ignoring base href", "error", err)
		}
	}
	bases.Remove()
	return rc
}

func (p *Pipeline) stripTrackers(doc *goquery.Document, rc *Context, trackers trackerList) int {
	if len(trackers) == 0 {
		return 0
	}
	stripped := 0
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs, err := rc.links.Decode(src)
		if err != nil {
			if abs, err = Resolve(src, rc.BaseURL()); err != nil {
				return
			}
		}
		if trackers.matches(abs) {
			s.Remove()
			stripped++
		}
	})
	return stripped
}

func removeSelectors(doc *goquery.Document, selectors []string, logger *slog.Logger) int {
	removed := 0
	for _, sel := range selectors {
		m, err := compileSelector(sel)
		if err != nil {
			logger.Warn("skipping invalid selector", "selector", sel, "error", err)
			continue
		}
		found := doc.FindMatcher(m)
		removed += found.Length()
		found.Remove()
	}
	return removed
}

func removeCSPMeta(doc *goquery.Document) {
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		v := strings.TrimSpace(s.AttrOr("http-equiv", ""))
		if strings.EqualFold(v, "Content-Security-Policy") || strings.EqualFold(v, "Content-Security-Policy-Report-Only") {
			s.Remove()
		}
	})
}

// normalizeCharsetMeta makes in-document charset declarations agree with
// the UTF-8 output.
func normalizeCharsetMeta(doc *goquery.Document) {
	doc.Find("meta[charset]").SetAttr("charset", "utf-8")
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "Content-Type") {
			s.SetAttr("content", "text/html; charset=utf-8")
		}
	})
}

// rewriteMetaRefresh tunnels the target of <meta http-equiv=refresh>.
func rewriteMetaRefresh(doc *goquery.Document, rc *Context) bool {
	changed := false
	doc.Find("meta[http-equiv][content]").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "refresh") {
			return
		}
		content := s.AttrOr("content", "")
		delay, target, ok := splitRefresh(content)
		if !ok {
			return
		}
		abs, outcome := rewriteURL(target, rc)
		if outcome != rewriteDone {
			return
		}
		s.SetAttr("content", delay+"; url="+rc.links.Encode(abs))
		changed = true
	})
	return changed
}

// splitRefresh splits "5; url=/next" into its delay and URL.
func splitRefresh(content string) (delay, target string, ok bool) {
	delay, rest, found := strings.Cut(content, ";")
	if !found {
		delay, rest, found = strings.Cut(content, ",")
		if !found {
			return "", "", false
		}
	}
	rest = strings.TrimSpace(rest)
	if len(rest) >= 4 && strings.EqualFold(rest[:3], "url") {
		if after := strings.TrimSpace(rest[3:]); strings.HasPrefix(after, "=") {
			rest = strings.TrimSpace(after[1:])
		}
	}
	rest = strings.Trim(rest, `"'`)
	if rest == "" {
		return "", "", false
	}
	return strings.TrimSpace(delay), rest, true
}

func (p *Pipeline) sanitize(doc *goquery.Document) (*goquery.Document, error) {
	rendered, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("rewrite: render: %w", err)
	}
	clean := p.sanitizer.SanitizeReader(strings.NewReader(rendered))
	out, err := goquery.NewDocumentFromReader(clean)
	if err != nil {
		return nil, fmt.Errorf("rewrite: reparse: %w", err)
	}
	return out, nil
}

// injectShim places the runtime script as the first child of <head>,
// replacing a previously injected one.
func injectShim(doc *goquery.Document, script string) {
	doc.Find("script#" + ShimElementID).Remove()

	head := doc.Find("head").First()
	if head.Length() == 0 {
		head = synthesizeHead(doc)
	}

	node := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: "id", Val: ShimElementID}},
	}
	node.AppendChild(&html.Node{Type: html.TextNode, Data: script})
	head.PrependNodes(node)
}

func synthesizeHead(doc *goquery.Document) *goquery.Selection {
	head := &html.Node{Type: html.ElementNode, Data: "head", DataAtom: atom.Head}
	root := doc.Find("html").First()
	if root.Length() == 0 {
		doc.Nodes[0].AppendChild(head)
	} else {
		root.PrependNodes(head)
	}
	return goquery.NewDocumentFromNode(head).Selection
}

// NewPipelineFromConfig builds the Pipeline described by the [rewrite]
// config section.
func NewPipelineFromConfig(cfg *config.Config, logger *slog.Logger) *Pipeline {
	var sanitizer *bluemonday.Policy
	if !cfg.Rewrite.SkipSanitize {
		sanitizer = NewSanitizer()
	}
	trackers := DefaultTrackerDomains
	if len(cfg.Rewrite.TrackerDomains) > 0 {
		trackers = cfg.Rewrite.TrackerDomains
	}
	return NewPipeline(sanitizer, trackers, logger)
}
