// Package service implements the request gateway: validation, upstream
// fetch, classification and the HTML or passthrough response path.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/rewrite"
	"rewrite-proxy-go/internal/ruleset"
	"rewrite-proxy-go/internal/shim"
)

var (
	// ErrInvalidInput covers every request rejected before network I/O.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMissingURL is returned when the url parameter is absent or blank.
	ErrMissingURL = fmt.Errorf("%w: missing url", ErrInvalidInput)
	// ErrInvalidURL is returned for a url that is not absolute http(s).
	ErrInvalidURL = fmt.Errorf("%w: invalid url", ErrInvalidInput)

	// ErrUpstreamTimeout is returned when the fetch exceeds its deadline.
	ErrUpstreamTimeout = errors.New("upstream timed out")
	// ErrUpstreamUnreachable is returned for any other fetch failure.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// Fetcher retrieves an upstream resource.
type Fetcher interface {
	Fetch(ctx context.Context, target string, opts client.Options) (*model.UpstreamResponse, error)
}

// Result is the response to write back to the client. The caller must
// Close it once the body has been written.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Kind       rewrite.Kind

	state *requestState
}

// Close releases the body and completes the request.
func (r *Result) Close() error {
	err := r.Body.Close()
	if r.state != nil && !r.state.phase.Terminal() {
		r.state.to(PhaseDone)
	}
	return err
}

// Gateway orchestrates one proxied request end to end.
type Gateway struct {
	fetcher  Fetcher
	pipeline *rewrite.Pipeline
	rules    ruleset.RuleSet
	links    rewrite.Encoder
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewGateway creates a Gateway. The metrics parameter is optional; pass nil
// to disable response metrics.
func NewGateway(f Fetcher, p *rewrite.Pipeline, rules ruleset.RuleSet, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		fetcher:  f,
		pipeline: p,
		rules:    rules,
		links:    rewrite.NewEncoder(cfg.Server.ProxyPrefix()),
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		metrics:  m,
	}
}

// NewProxyRequest validates the raw url parameter. The fragment is dropped;
// it is never sent upstream.
func NewProxyRequest(ctx context.Context, rawURL string, header http.Header) (*model.ProxyRequest, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &model.ProxyRequest{Ctx: ctx, TargetURL: u, Header: header}, nil
}

// Serve validates the raw url parameter and forwards it. Rejected input
// ends the request in the failed phase before any network I/O.
func (g *Gateway) Serve(ctx context.Context, rawURL string, header http.Header) (*Result, error) {
	st := newRequestState(g.logger)
	pr, err := NewProxyRequest(ctx, rawURL, header)
	if err != nil {
		st.fail(err)
		return nil, err
	}
	return g.forward(st, pr)
}

// Forward fetches the target of an already validated request and prepares
// the client response.
func (g *Gateway) Forward(pr *model.ProxyRequest) (*Result, error) {
	return g.forward(newRequestState(g.logger), pr)
}

func (g *Gateway) forward(st *requestState, pr *model.ProxyRequest) (*Result, error) {
	target := pr.TargetURL.String()

	opts := client.DefaultOptions()
	var page rewrite.PageOptions
	if rule, ok := g.rules.Match(pr.TargetURL.Hostname()); ok {
		opts.Header = rule.RequestHeaders()
		page.Remove = rule.Remove
		page.Trackers = rule.Trackers
	}

	st.to(PhaseFetching)
	g.logger.Debug("forwarding request", "target", redact(pr.TargetURL))
	resp, err := g.fetcher.Fetch(pr.Ctx, target, opts)
	if err != nil {
		st.fail(err)
		return nil, classifyFetchError(err)
	}

	st.to(PhaseClassifying)
	kind := rewrite.Classify(resp.Header.Get("Content-Type"))
	if kind == rewrite.HTML && resp.Header.Get("Content-Encoding") != "" {
		// A coding the fetcher could not remove cannot be parsed.
		kind = rewrite.Passthrough
	}

	if bodyless(resp.StatusCode) {
		_ = resp.Body.Close()
		st.to(PhasePassingThrough)
		res := g.passthrough(st, resp, http.NoBody)
		res.Header.Del("Content-Length")
		return res, nil
	}

	if kind == rewrite.Passthrough {
		st.to(PhasePassingThrough)
		return g.passthrough(st, resp, resp.Body), nil
	}

	st.to(PhaseTransforming)
	res, err := g.transform(st, pr, resp, page)
	if err != nil {
		st.fail(err)
		return nil, err
	}
	return res, nil
}

func (g *Gateway) transform(st *requestState, pr *model.ProxyRequest, resp *model.UpstreamResponse, page rewrite.PageOptions) (*Result, error) {
	limit := g.cfg.Rewrite.MaxHTMLBytes
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, classifyFetchError(err)
	}
	if int64(len(raw)) > limit {
		g.logger.Info("document exceeds max_html_bytes, passing through", "limit", limit)
		st.to(PhasePassingThrough)
		body := readCloser{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), Closer: resp.Body}
		return g.passthrough(st, resp, body), nil
	}
	_ = resp.Body.Close()

	base := resp.FinalURL
	if base == nil {
		base = pr.TargetURL
	}
	rc := rewrite.NewContext(base, g.links)
	page.Shim = func(b *url.URL) string {
		return shim.Generate(shim.Config{
			ProxyPrefix:      g.links.Prefix(),
			BaseURL:          b.String(),
			SpoofedUserAgent: g.cfg.Rewrite.SpoofUserAgent,
		})
	}

	out, stats, err := g.pipeline.Transform(rewrite.DecodeUTF8(raw, resp.Header.Get("Content-Type")), rc, page)
	if err != nil {
		g.logger.Warn("transform failed, passing through", "error", err)
		st.to(PhasePassingThrough)
		return g.passthrough(st, resp, io.NopCloser(bytes.NewReader(raw))), nil
	}

	if g.metrics != nil {
		g.metrics.ResponsesTotal.WithLabelValues(metrics.KindHTML).Inc()
		g.metrics.RewrittenAttributes.Add(float64(stats.Rewritten))
		g.metrics.TrackersStripped.Add(float64(stats.TrackersStripped))
	}
	g.logger.Debug("document rewritten",
		"rewritten", stats.Rewritten,
		"skipped", stats.Skipped,
		"trackers_stripped", stats.TrackersStripped,
		"removed", stats.Removed,
	)

	header := ResponseHeaders(resp.Header, rewrite.HTML)
	header.Set("Content-Length", strconv.Itoa(len(out)))

	st.to(PhaseResponding)
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(out)),
		Kind:       rewrite.HTML,
		state:      st,
	}, nil
}

func (g *Gateway) passthrough(st *requestState, resp *model.UpstreamResponse, body io.ReadCloser) *Result {
	if g.metrics != nil {
		g.metrics.ResponsesTotal.WithLabelValues(metrics.KindPassthrough).Inc()
	}
	st.to(PhaseResponding)
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     ResponseHeaders(resp.Header, rewrite.Passthrough),
		Body:       body,
		Kind:       rewrite.Passthrough,
		state:      st,
	}
}

// bodyless reports whether responses with this status never carry a body.
func bodyless(status int) bool {
	return (status >= 100 && status < 200) || status == http.StatusNoContent || status == http.StatusNotModified
}

// classifyFetchError maps a fetch failure onto the gateway's error taxonomy,
// keeping the cause in the chain.
func classifyFetchError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
}

// redact drops userinfo and the query so targets can be logged.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

type readCloser struct {
	io.Reader
	io.Closer
}
