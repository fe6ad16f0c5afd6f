package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/rewrite"
	"rewrite-proxy-go/internal/ruleset"
)

type fakeFetcher struct {
	resp   *model.UpstreamResponse
	err    error
	target string
	opts   client.Options
}

func (f *fakeFetcher) Fetch(_ context.Context, target string, opts client.Options) (*model.UpstreamResponse, error) {
	f.target = target
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func upstream(t *testing.T, status int, contentType, body, finalURL string) *model.UpstreamResponse {
	t.Helper()
	u, err := url.Parse(finalURL)
	if err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &model.UpstreamResponse{
		StatusCode: status,
		Header:     h,
		Body:       &trackedBody{Reader: strings.NewReader(body)},
		FinalURL:   u,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Rewrite: config.RewriteConfig{MaxHTMLBytes: 1 << 20},
	}
}

func newTestGateway(t *testing.T, f Fetcher, cfg *config.Config, rules ruleset.RuleSet) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGateway(f, rewrite.NewPipelineFromConfig(cfg, logger), rules, cfg, logger, metrics.New())
}

func request(t *testing.T, raw string) *model.ProxyRequest {
	t.Helper()
	pr, err := NewProxyRequest(context.Background(), raw, http.Header{})
	if err != nil {
		t.Fatalf("NewProxyRequest(%q) error = %v", raw, err)
	}
	return pr
}

func readResult(t *testing.T, res *Result) string {
	t.Helper()
	defer func() { _ = res.Close() }()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestNewProxyRequest(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		want    string
	}{
		{"missing", "", ErrMissingURL, ""},
		{"blank", "   ", ErrMissingURL, ""},
		{"relative", "/page", ErrInvalidURL, ""},
		{"ftp", "ftp://files.example.com/a", ErrInvalidURL, ""},
		{"javascript", "javascript:alert(1)", ErrInvalidURL, ""},
		{"no host", "https://", ErrInvalidURL, ""},
		{"unparsable", "http://exa mple.com/", ErrInvalidURL, ""},
		{"valid", "https://example.com/page?q=1", nil, "https://example.com/page?q=1"},
		{"fragment dropped", " https://example.com/page#top ", nil, "https://example.com/page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr, err := NewProxyRequest(context.Background(), tt.raw, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("error %v does not wrap ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := pr.TargetURL.String(); got != tt.want {
				t.Errorf("TargetURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGateway_Forward_HTML(t *testing.T) {
	f := &fakeFetcher{resp: upstream(t, http.StatusOK, "text/html",
		`<html><head></head><body><a href="/other">go</a></body></html>`, "https://example.com/page")}
	g := newTestGateway(t, f, testConfig(), nil)

	res, err := g.Forward(request(t, "https://example.com/page"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	body := readResult(t, res)

	if res.Kind != rewrite.HTML {
		t.Errorf("Kind = %v, want html", res.Kind)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}
	if !strings.Contains(body, `<a href="/proxy?url=https%3A%2F%2Fexample.com%2Fother">`) {
		t.Errorf("anchor not rewritten: %s", body)
	}
	if !strings.Contains(body, `<head><script id="__rewrite_shim">`) {
		t.Errorf("shim is not the first child of head: %.200s", body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := res.Header.Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, body is %d bytes", cl, len(body))
	}
	if !f.resp.Body.(*trackedBody).closed {
		t.Error("upstream body not closed")
	}
	if !f.opts.FollowRedirects {
		t.Error("redirects not followed by default")
	}
}

func TestGateway_Forward_UsesFinalURLAsBase(t *testing.T) {
	f := &fakeFetcher{resp: upstream(t, http.StatusOK, "text/html; charset=utf-8",
		`<img src="logo.png">`, "https://www.example.com/moved/index.html")}
	g := newTestGateway(t, f, testConfig(), nil)

	res, err := g.Forward(request(t, "https://example.com/old"))
	if err != nil {
		t.Fatal(err)
	}
	body := readResult(t, res)
	if !strings.Contains(body, url.QueryEscape("https://www.example.com/moved/logo.png")) {
		t.Errorf("image not resolved against final URL: %s", body)
	}
}

func TestGateway_Forward_Passthrough(t *testing.T) {
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR binary \x00\xff"
	resp := upstream(t, http.StatusOK, "image/png", png, "https://example.com/img.png")
	resp.Header.Set("Content-Length", strconv.Itoa(len(png)))
	resp.Header.Set("X-Frame-Options", "DENY")
	g := newTestGateway(t, &fakeFetcher{resp: resp}, testConfig(), nil)

	res, err := g.Forward(request(t, "https://example.com/img.png"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	body := readResult(t, res)

	if res.Kind != rewrite.Passthrough {
		t.Errorf("Kind = %v, want passthrough", res.Kind)
	}
	if body != png {
		t.Errorf("body altered: %q", body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := res.Header.Get("Content-Length"); cl != strconv.Itoa(len(png)) {
		t.Errorf("Content-Length = %q", cl)
	}
	if res.Header.Get("X-Frame-Options") != "" {
		t.Error("X-Frame-Options forwarded")
	}
}

func TestGateway_Forward_PassthroughStatus(t *testing.T) {
	resp := upstream(t, http.StatusNotFound, "", "missing", "https://example.com/x")
	g := newTestGateway(t, &fakeFetcher{resp: resp}, testConfig(), nil)

	res, err := g.Forward(request(t, "https://example.com/x"))
	if err != nil {
		t.Fatal(err)
	}
	_ = readResult(t, res)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want upstream's 404", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestGateway_Forward_OversizedHTML(t *testing.T) {
	page := "<html><body><a href=\"/x\">" + strings.Repeat("a", 200) + "</a></body></html>"
	cfg := testConfig()
	cfg.Rewrite.MaxHTMLBytes = 64
	g := newTestGateway(t, &fakeFetcher{resp: upstream(t, http.StatusOK, "text/html", page, "https://example.com/")}, cfg, nil)

	res, err := g.Forward(request(t, "https://example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	if got := readResult(t, res); got != page {
		t.Errorf("oversized body altered (%d bytes)", len(got))
	}
	if res.Kind != rewrite.Passthrough {
		t.Errorf("Kind = %v, want passthrough", res.Kind)
	}
}

func TestGateway_Forward_UndecodedHTML(t *testing.T) {
	resp := upstream(t, http.StatusOK, "text/html", "\x1b\x00opaque", "https://example.com/")
	resp.Header.Set("Content-Encoding", "br")
	g := newTestGateway(t, &fakeFetcher{resp: resp}, testConfig(), nil)

	res, err := g.Forward(request(t, "https://example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	if got := readResult(t, res); got != "\x1b\x00opaque" {
		t.Errorf("body = %q", got)
	}
	if res.Header.Get("Content-Encoding") != "br" {
		t.Error("Content-Encoding must accompany the still-encoded body")
	}
}

func TestGateway_Forward_SiteRules(t *testing.T) {
	rules, err := ruleset.Parse([]byte(`
- domain: example.com
  headers:
    user-agent: Googlebot/2.1
  remove: [".paywall"]
  trackers: ["stats.example.net"]
`))
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeFetcher{resp: upstream(t, http.StatusOK, "text/html",
		`<html><head><script src="https://stats.example.net/s.js"></script></head><body><div class="paywall">pay</div><p>story</p></body></html>`,
		"https://news.example.com/a")}
	g := newTestGateway(t, f, testConfig(), rules)

	res, err := g.Forward(request(t, "https://news.example.com/a"))
	if err != nil {
		t.Fatal(err)
	}
	body := readResult(t, res)

	if ua := f.opts.Header.Get("User-Agent"); ua != "Googlebot/2.1" {
		t.Errorf("rule User-Agent not applied: %q", ua)
	}
	if strings.Contains(body, "paywall") {
		t.Error("rule selector not removed")
	}
	if strings.Contains(body, "stats.example.net") {
		t.Error("rule tracker not stripped")
	}
	if !strings.Contains(body, "story") {
		t.Error("content lost")
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestGateway_Forward_FetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"deadline", context.DeadlineExceeded, ErrUpstreamTimeout},
		{"net timeout", &url.Error{Op: "Get", URL: "https://example.com", Err: timeoutError{}}, ErrUpstreamTimeout},
		{"refused", &url.Error{Op: "Get", URL: "https://example.com", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, ErrUpstreamUnreachable},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, ErrUpstreamUnreachable},
		{"canceled", context.Canceled, ErrUpstreamUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, &fakeFetcher{err: tt.err}, testConfig(), nil)
			_, err := g.Forward(request(t, "https://example.com/"))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause lost from chain: %v", err)
			}
		})
	}
}

func TestGateway_Forward_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("X-Frame-Options", "DENY")
			_, _ = w.Write([]byte(`<html><head></head><body><a href="/other">go</a></body></html>`))
		case "/image.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G', 0x00, 0xff})
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Upstream = config.UpstreamConfig{
		TimeoutSeconds: 5, ConnectTimeoutSeconds: 5, IdleConnections: 4,
		MaxConnections: 4, MaxRedirects: 5, UserAgent: "test", AcceptLanguage: "en",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher, err := client.NewFetcher(cfg, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	g := newTestGateway(t, fetcher, cfg, nil)

	res, err := g.Forward(request(t, srv.URL+"/page"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	body := readResult(t, res)
	want := `<a href="/proxy?url=` + url.QueryEscape(srv.URL+"/other") + `">`
	if !strings.Contains(body, want) {
		t.Errorf("body missing %s: %s", want, body)
	}
	if res.Header.Get("X-Frame-Options") != "" {
		t.Error("X-Frame-Options forwarded")
	}

	res, err = g.Forward(request(t, srv.URL+"/image.png"))
	if err != nil {
		t.Fatal(err)
	}
	if got := readResult(t, res); !bytes.Equal([]byte(got), []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}) {
		t.Errorf("image bytes altered: %q", got)
	}
}

func TestResult_CloseCompletesRequest(t *testing.T) {
	f := &fakeFetcher{resp: upstream(t, http.StatusOK, "text/plain", "x", "https://example.com/")}
	g := newTestGateway(t, f, testConfig(), nil)

	res, err := g.Forward(request(t, "https://example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	if res.state.phase != PhaseResponding {
		t.Errorf("phase before Close = %v", res.state.phase)
	}
	_ = res.Close()
	if res.state.phase != PhaseDone {
		t.Errorf("phase after Close = %v", res.state.phase)
	}
	if !f.resp.Body.(*trackedBody).closed {
		t.Error("upstream body not closed")
	}
}

func TestGateway_Serve_RejectsBeforeFetch(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := testConfig()
	f := &fakeFetcher{resp: upstream(t, http.StatusOK, "text/plain", "x", "https://example.com/")}
	g := NewGateway(f, rewrite.NewPipelineFromConfig(cfg, logger), nil, cfg, logger, nil)

	for _, raw := range []string{"", "ftp://files.example.com/"} {
		res, err := g.Serve(context.Background(), raw, http.Header{})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Serve(%q) error = %v, want invalid input", raw, err)
		}
		if res != nil {
			t.Errorf("Serve(%q) returned a result", raw)
		}
	}
	if f.target != "" {
		t.Errorf("fetched %q for rejected input", f.target)
	}
	if got := strings.Count(logs.String(), "from=validating to=failed"); got != 2 {
		t.Errorf("validating->failed transitions logged %d times, want 2:\n%s", got, logs.String())
	}
	if strings.Contains(logs.String(), "unexpected phase transition") {
		t.Errorf("illegal transition logged:\n%s", logs.String())
	}
}

func TestGateway_Serve_Forwards(t *testing.T) {
	f := &fakeFetcher{resp: upstream(t, http.StatusOK, "text/plain", "hello", "https://example.com/a")}
	g := newTestGateway(t, f, testConfig(), nil)

	res, err := g.Serve(context.Background(), " https://example.com/a#frag ", http.Header{})
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if f.target != "https://example.com/a" {
		t.Errorf("target = %q", f.target)
	}
	if got := readResult(t, res); got != "hello" {
		t.Errorf("body = %q", got)
	}
	if res.state.phase != PhaseDone {
		t.Errorf("phase after Close = %v", res.state.phase)
	}
}

func TestGateway_Forward_BodylessStatus(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotModified} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			resp := upstream(t, status, "text/html", "", "https://example.com/")
			resp.Header.Set("Content-Length", "512")
			f := &fakeFetcher{resp: resp}
			g := newTestGateway(t, f, testConfig(), nil)

			res, err := g.Forward(request(t, "https://example.com/"))
			if err != nil {
				t.Fatal(err)
			}
			if res.StatusCode != status {
				t.Errorf("status = %d, want %d", res.StatusCode, status)
			}
			if res.Kind != rewrite.Passthrough {
				t.Errorf("kind = %v, want passthrough", res.Kind)
			}
			if cl := res.Header.Get("Content-Length"); cl != "" {
				t.Errorf("Content-Length = %q, want none", cl)
			}
			if !resp.Body.(*trackedBody).closed {
				t.Error("upstream body not closed")
			}
			if got := readResult(t, res); got != "" {
				t.Errorf("body = %q, want empty", got)
			}
		})
	}
}
