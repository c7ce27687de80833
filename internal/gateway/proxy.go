package gateway

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/metrics"
	"github.com/loykin/binarydrop/internal/store"
)

// hopHeaders are meaningful only for a single connection.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxy forwards the request to the app named name.
func (g *Gateway) proxy(c echo.Context, name string) error {
	req := c.Request()
	a, err := g.store.GetByName(req.Context(), name)
	if err != nil {
		if store.IsNotFound(err) {
			return g.fail(c, name, http.StatusNotFound, fmt.Sprintf("App '%s' not found", name))
		}
		g.logger.Error("app lookup failed", "app", name, "err", err)
		return g.fail(c, name, http.StatusInternalServerError, fmt.Sprintf("Failed to look up app '%s'", name))
	}
	if a.State != app.StateRunning {
		return g.fail(c, name, http.StatusServiceUnavailable,
			fmt.Sprintf("App '%s' is not running (state: %s)", name, a.State))
	}

	host := a.Host
	if host == "" {
		host = app.DefaultHost
	}
	target := "http://" + net.JoinHostPort(host, strconv.Itoa(a.Port)) + req.URL.RequestURI()
	out, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		return g.fail(c, name, http.StatusInternalServerError, fmt.Sprintf("Invalid upstream request: %v", err))
	}
	out.ContentLength = req.ContentLength
	copyHeader(out.Header, req.Header)
	out.Header.Set("X-Forwarded-Host", req.Host)
	out.Header.Set("X-Forwarded-Proto", "http")

	resp, err := g.client.Do(out)
	if err != nil {
		g.logger.Error("upstream request failed", "app", name, "target", target, "err", err)
		return g.fail(c, name, http.StatusInternalServerError, fmt.Sprintf("Failed to reach app '%s': %v", name, err))
	}
	defer func() { _ = resp.Body.Close() }()

	w := c.Response()
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	// Counted once the status is committed; streamed bodies may never end.
	metrics.IncGatewayRequest(name, resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Warn("relay response body failed", "app", name, "err", err)
	}
	return nil
}

func (g *Gateway) fail(c echo.Context, name string, code int, msg string) error {
	metrics.IncGatewayRequest(name, code)
	return c.String(code, msg)
}

// copyHeader copies src into dst without hop-by-hop headers. Host is not a
// header field in net/http and never travels this way.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if isHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHop(k string) bool {
	ck := http.CanonicalHeaderKey(k)
	for _, h := range hopHeaders {
		if ck == h {
			return true
		}
	}
	return false
}
