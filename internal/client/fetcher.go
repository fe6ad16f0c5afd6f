// Package client provides the outbound HTTP fetcher used to retrieve proxied
// resources.
package client

import (
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
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
)

const acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// acceptEncoding lists the codings decodeBody understands.
const acceptEncoding = "gzip, zstd"

// Options control a single fetch.
type Options struct {
	// FollowRedirects follows up to upstream.max_redirects hops; when false
	// the first response (possibly a 3xx) is returned as is.
	FollowRedirects bool
	// Header overrides the default request headers. An empty value removes
	// the header.
	Header http.Header
}

// DefaultOptions returns the options used for ordinary page fetches.
func DefaultOptions() Options {
	return Options{FollowRedirects: true}
}

// Fetcher performs outbound GET requests through a shared, bounded
// connection pool. It is safe for concurrent use.
type Fetcher struct {
	follow   *resty.Client
	noFollow *resty.Client
	slots    *semaphore.Weighted
	defaults http.Header
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewFetcher creates a Fetcher using the upstream transport described by cfg.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Fetcher, error) {
	logger = logger.With("component", "fetcher")

	transport, err := newTransport(&cfg.Upstream)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	rl := &restyLogger{logger: logger}

	follow := resty.NewWithClient(&http.Client{Transport: transport}).
		SetTimeout(timeout).
		SetLogger(rl).
		SetRedirectPolicy(
			resty.FlexibleRedirectPolicy(cfg.Upstream.MaxRedirects),
			resty.RedirectPolicyFunc(stripReferer),
		)

	noFollow := resty.NewWithClient(&http.Client{Transport: transport}).
		SetTimeout(timeout).
		SetLogger(rl).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	defaults := http.Header{}
	defaults.Set("User-Agent", cfg.Upstream.UserAgent)
	defaults.Set("Accept", acceptHTML)
	defaults.Set("Accept-Language", cfg.Upstream.AcceptLanguage)
	defaults.Set("Accept-Encoding", acceptEncoding)

	slots := int64(cfg.Upstream.MaxConnections)
	if slots <= 0 {
		return nil, fmt.Errorf("client: upstream.max_connections must be positive; got %d", slots)
	}

	logger.Info("upstream transport configured",
		"mode", cfg.Upstream.TransportMode(),
		"max_connections", cfg.Upstream.MaxConnections,
		"timeout_seconds", cfg.Upstream.TimeoutSeconds,
	)

	return &Fetcher{
		follow:   follow,
		noFollow: noFollow,
		slots:    semaphore.NewWeighted(slots),
		defaults: defaults,
		logger:   logger,
		metrics:  m,
	}, nil
}

// newTransport builds the pooled transport, dialing directly or through the
// configured HTTP or SOCKS5 upstream proxy.
func newTransport(cfg *config.UpstreamConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.IdleConnections,
		MaxIdleConnsPerHost:   cfg.IdleConnections,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		DialContext:           dialer.DialContext,
	}

	if cfg.ProxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("client: upstream proxy: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("client: upstream proxy: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("client: upstream proxy: %s dialer does not support contexts", u.Scheme)
		}
		transport.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("client: upstream proxy: unsupported scheme %q", u.Scheme)
	}
	return transport, nil
}

// Fetch issues a GET for target and returns the final response. The caller
// owns the returned body and must close it; closing it also frees the
// connection slot held by this fetch. Canceling ctx aborts the request and
// any in-progress body read.
func (f *Fetcher) Fetch(ctx context.Context, target string, opts Options) (*model.UpstreamResponse, error) {
	if err := f.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("upstream request: waiting for connection slot: %w", err)
	}
	release := sync.OnceFunc(func() { f.slots.Release(1) })

	c := f.noFollow
	if opts.FollowRedirects {
		c = f.follow
	}

	f.logger.Debug("upstream request", "host", hostOf(target), "follow_redirects", opts.FollowRedirects)

	start := time.Now()
	resp, err := c.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaderMultiValues(f.requestHeaders(opts.Header)).
		Get(target)
	duration := time.Since(start).Seconds()

	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
	}
	if err != nil {
		release()
		if resp != nil && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	raw := resp.RawResponse
	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(raw.StatusCode)).Inc()
	}

	header := raw.Header.Clone()
	body, err := decodeBody(raw.Body, header)
	if err != nil {
		_ = raw.Body.Close()
		release()
		return nil, fmt.Errorf("upstream body: %w", err)
	}

	finalURL := raw.Request.URL
	return &model.UpstreamResponse{
		StatusCode: raw.StatusCode,
		Header:     header,
		Body:       &releasingBody{ReadCloser: body, release: release},
		FinalURL:   finalURL,
	}, nil
}

// requestHeaders merges per-request overrides onto the defaults. The
// defaults carry no Referer; only an explicit override sets one.
func (f *Fetcher) requestHeaders(overrides http.Header) map[string][]string {
	h := f.defaults.Clone()
	for k, vs := range overrides {
		k = http.CanonicalHeaderKey(k)
		if len(vs) == 0 || (len(vs) == 1 && vs[0] == "") {
			h.Del(k)
			continue
		}
		h[k] = append([]string(nil), vs...)
	}
	return h
}

// stripReferer drops the Referer net/http adds when following a redirect.
func stripReferer(req *http.Request, _ []*http.Request) error {
	req.Header.Del("Referer")
	return nil
}

// decodeBody removes a gzip or zstd content coding. Unknown codings are left
// in place and reported through the untouched Content-Encoding header.
func decodeBody(body io.ReadCloser, header http.Header) (io.ReadCloser, error) {
	coding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if errors.Is(err, io.EOF) {
			dropCoding(header)
			return body, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		dropCoding(header)
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		dropCoding(header)
		rc := zr.IOReadCloser()
		return &decodedBody{Reader: rc, closers: []io.Closer{rc, body}}, nil
	case "", "identity":
		header.Del("Content-Encoding")
		return body, nil
	default:
		return body, nil
	}
}

func dropCoding(header http.Header) {
	header.Del("Content-Encoding")
	header.Del("Content-Length")
}

// decodedBody reads decoded bytes and closes both the decoder and the
// underlying network body.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// releasingBody frees the fetcher's connection slot once closed.
type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	defer b.release()
	return b.ReadCloser.Close()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// restyLogger routes resty's internal logging into slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l *restyLogger) Errorf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
