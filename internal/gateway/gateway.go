package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/store"
)

// Reserved leftmost host labels.
const (
	AdminLabel    = app.ReservedAdminName
	AdminAPILabel = app.ReservedAdminAPIName
)

const (
	DefaultDomain          = "localhost"
	DefaultUpstreamTimeout = 30 * time.Second
)

type Options struct {
	Store store.AppStore
	// Admin serves requests for the admin-api host.
	Admin http.Handler
	// Domain is only used to render app URLs on the dashboard.
	Domain string
	// Client forwards requests to apps; it must not follow redirects.
	Client *http.Client
	Logger *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Gateway is the single HTTP entry point. It routes on the leftmost label
// of the Host header: the dashboard, the admin API, or an app by name.
type Gateway struct {
	e      *echo.Echo
	store  store.AppStore
	admin  http.Handler
	domain string
	client *http.Client
	logger *slog.Logger
	opts   Options
}

func New(o Options) (*Gateway, error) {
	if o.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if o.Admin == nil {
		o.Admin = http.NotFoundHandler()
	}
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.Client == nil {
		o.Client = &http.Client{
			Timeout: DefaultUpstreamTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	g := &Gateway{
		store:  o.Store,
		admin:  o.Admin,
		domain: o.Domain,
		client: o.Client,
		logger: o.Logger.With("component", "gateway"),
		opts:   o,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogHost:    true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			g.logger.Debug("request", "host", v.Host, "method", v.Method, "uri", v.URI,
				"status", v.Status, "latency", v.Latency, "err", v.Error)
			return nil
		},
	}))
	e.Any("/", g.route)
	e.Any("/*", g.route)
	g.e = e
	return g, nil
}

// Handler exposes the gateway for embedding and tests.
func (g *Gateway) Handler() http.Handler { return g.e }

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       g.opts.ReadTimeout,
		WriteTimeout:      g.opts.WriteTimeout,
		IdleTimeout:       g.opts.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	g.logger.Info("gateway listening", "addr", ln.Addr().String(), "domain", g.domain)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			_ = srv.Close()
		}
		<-errCh
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

func (g *Gateway) route(c echo.Context) error {
	host := c.Request().Host
	switch label := hostLabel(host); label {
	case AdminLabel:
		return g.dashboard(c)
	case AdminAPILabel:
		g.admin.ServeHTTP(c.Response(), c.Request())
		return nil
	default:
		return g.proxy(c, label)
	}
}

// hostLabel returns the lowercased leftmost label of host, without port.
func hostLabel(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return strings.ToLower(label)
}
