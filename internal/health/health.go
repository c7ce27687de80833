package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/env"
	"github.com/loykin/binarydrop/internal/paths"
)

// ErrUnhealthy is wrapped by every failed probe.
var ErrUnhealthy = errors.New("health check failed")

// Checker probes a running app. A nil error means healthy.
type Checker interface {
	Check(ctx context.Context, a *app.App) error
}

// Probe is one health check strategy.
// It must be safe for concurrent use.
type Probe interface {
	Check(ctx context.Context, a *app.App, hc app.HealthCheck) error
	Describe(a *app.App, hc app.HealthCheck) string
}

type Options struct {
	// Client is used by the HTTP probe; its timeout is superseded by the check's.
	Client *http.Client
	Env    *env.Env
	Layout paths.Layout
}

// Prober dispatches to the probe matching the app's HealthCheck type.
type Prober struct {
	probes map[app.HealthCheckType]Probe
}

func New(o Options) *Prober {
	if o.Client == nil {
		o.Client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	return &Prober{probes: map[app.HealthCheckType]Probe{
		app.HealthHTTP:    HTTPProbe{Client: o.Client},
		app.HealthTCP:     TCPProbe{},
		app.HealthCommand: CommandProbe{Env: o.Env, Layout: o.Layout},
	}}
}

// Check runs the app's configured probe bounded by the check timeout. Apps
// without a health check are always healthy.
func (p *Prober) Check(ctx context.Context, a *app.App) error {
	if a.HealthCheck == nil {
		return nil
	}
	hc := a.HealthCheck.WithDefaults()
	probe, ok := p.probes[hc.Type]
	if !ok {
		return fmt.Errorf("unknown health check type %q", hc.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, hc.TimeoutDuration())
	defer cancel()
	if err := probe.Check(ctx, a, hc); err != nil {
		return fmt.Errorf("%s: %w", probe.Describe(a, hc), err)
	}
	return nil
}

func address(a *app.App) string {
	host := a.Host
	if host == "" {
		host = app.DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

// HTTPProbe issues GET http://host:port/path and expects an exact status.
type HTTPProbe struct{ Client *http.Client }

func (p HTTPProbe) url(a *app.App, hc app.HealthCheck) string {
	path := hc.Path
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return "http://" + address(a) + path
}

func (p HTTPProbe) Check(ctx context.Context, a *app.App, hc app.HealthCheck) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(a, hc), nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != hc.ExpectedStatus {
		return fmt.Errorf("%w: status %d, expected %d", ErrUnhealthy, resp.StatusCode, hc.ExpectedStatus)
	}
	return nil
}

func (p HTTPProbe) Describe(a *app.App, hc app.HealthCheck) string {
	return "http:" + p.url(a, hc)
}

// TCPProbe succeeds when host:port accepts a connection.
type TCPProbe struct{}

func (TCPProbe) Check(ctx context.Context, a *app.App, _ app.HealthCheck) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address(a))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	_ = conn.Close()
	return nil
}

func (TCPProbe) Describe(a *app.App, _ app.HealthCheck) string { return "tcp:" + address(a) }
