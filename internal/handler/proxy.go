package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/service"
)

// userinfoPattern matches credentials embedded in URLs quoted by error messages.
var userinfoPattern = regexp.MustCompile(`(?i)(\b[a-z][a-z0-9+.-]*://)[^/\s"@]+@`)

// ProxyHandler serves GET /proxy?url=<target>.
type ProxyHandler struct {
	gateway *service.Gateway
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(gw *service.Gateway, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the target named by the url query parameter and streams the
// rewritten or passthrough response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	res, err := h.gateway.Serve(req.Context(), c.QueryParam("url"), req.Header)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = res.Close() }()

	for key, vals := range res.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(res.StatusCode)

	// Headers are already sent; a failed copy leaves the client with a
	// truncated body and the original status.
	if _, err := io.Copy(c.Response(), res.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"kind", res.Kind.String(),
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	c.Response().Header().Set("Cache-Control", "no-store")

	if errors.Is(err, service.ErrInvalidInput) {
		h.logger.Info("rejected request", "err", sanitizeError(err))
		if errors.Is(err, service.ErrMissingURL) {
			return c.String(http.StatusBadRequest, "missing url")
		}
		return c.String(http.StatusBadRequest, "invalid url")
	}

	h.logger.Error("proxy error", "err", sanitizeError(err))

	if errors.Is(err, service.ErrUpstreamTimeout) {
		return c.String(http.StatusGatewayTimeout, "fetch failed: upstream timed out")
	}

	if errors.Is(err, context.Canceled) {
		return c.String(http.StatusBadGateway, "fetch failed: client disconnected")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.String(http.StatusBadGateway, "fetch failed: upstream host unreachable")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.String(http.StatusBadGateway, "fetch failed: upstream connection failed")
	}

	return c.String(http.StatusBadGateway, "fetch failed")
}

// sanitizeError redacts URL credentials from error messages that may quote
// the target or upstream proxy URL.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
