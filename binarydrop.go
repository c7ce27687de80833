package binarydrop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/binarydrop/internal/config"
	"github.com/loykin/binarydrop/internal/gateway"
	"github.com/loykin/binarydrop/internal/health"
	"github.com/loykin/binarydrop/internal/history"
	hfactory "github.com/loykin/binarydrop/internal/history/factory"
	"github.com/loykin/binarydrop/internal/manager"
	"github.com/loykin/binarydrop/internal/metrics"
	"github.com/loykin/binarydrop/internal/provider"
	"github.com/loykin/binarydrop/internal/server"
	"github.com/loykin/binarydrop/internal/store"
	sfactory "github.com/loykin/binarydrop/internal/store/factory"
	"github.com/loykin/binarydrop/internal/supervisor"
)

// Re-export the types embedders need.

type Config = config.Config

type Manager = manager.Manager

type Supervisor = supervisor.Supervisor

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultShutdownGrace bounds how long Run waits for live apps to stop.
const DefaultShutdownGrace = 60 * time.Second

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	provider   provider.Provider
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithProvider replaces the local process provider.
func WithProvider(p provider.Provider) Option { return func(o *options) { o.provider = p } }

// WithRegistry registers metrics on a custom registry instead of the default one.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registerer, o.gatherer = r, r }
}

// Daemon wires store, supervisor, manager, admin API and gateway together.
type Daemon struct {
	cfg     *Config
	logger  *slog.Logger
	store   store.Store
	sink    history.Sink
	sup     *supervisor.Supervisor
	mgr     *manager.Manager
	router  *server.Router
	gw      *gateway.Gateway
	sampler *metrics.ResourceSampler

	closers   []io.Closer
	closeOnce sync.Once
}

// New opens the store and history sink and builds every component. Nothing
// runs until Run or Serve is called.
func New(cfg *Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("binarydrop: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, fn := range opts {
		fn(&o)
	}
	d := &Daemon{cfg: cfg}
	if o.logger == nil {
		l, c := cfg.Logger().NewSlogger()
		o.logger = l
		d.closers = append(d.closers, c)
	}
	d.logger = o.logger

	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	layout := cfg.Layout()
	if err := os.MkdirAll(layout.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.closers = append(d.closers, st)
	if err := st.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	d.sink = history.Nop{}
	if cfg.History.Enabled {
		sink, err := hfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		d.sink = sink
		if c, isCloser := sink.(io.Closer); isCloser {
			d.closers = append(d.closers, c)
		}
	}

	baseEnv, err := cfg.AppEnv()
	if err != nil {
		return nil, err
	}
	prov := o.provider
	if prov == nil {
		prov = provider.NewCommand(provider.CommandOptions{
			Layout:    layout,
			Ports:     st,
			FirstPort: cfg.AppDefaults.FirstPort,
			Env:       baseEnv,
			LogFiles:  cfg.Logger().File,
			Logger:    d.logger,
		})
	}

	var metricsHandler http.Handler
	d.sampler = metrics.NewResourceSampler(cfg.Metrics.ProcessMetrics, d.logger)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if err := d.sampler.RegisterMetrics(o.registerer); err != nil {
			return nil, fmt.Errorf("register sampler metrics: %w", err)
		}
		metricsHandler = metrics.HandlerFor(o.gatherer)
	}

	d.sup, err = supervisor.New(supervisor.Options{
		Store:        st,
		Provider:     prov,
		Checker:      health.New(health.Options{Env: baseEnv, Layout: layout}),
		Sink:         d.sink,
		Logger:       d.logger,
		Workers:      cfg.Supervisor.Workers,
		RestartDelay: cfg.Supervisor.RestartDelay,
		BackoffUnit:  cfg.Supervisor.BackoffUnit,
		BackoffCap:   cfg.Supervisor.BackoffCap,
		HealthTick:   cfg.Supervisor.HealthTick,
	})
	if err != nil {
		return nil, err
	}

	d.mgr, err = manager.New(manager.Options{
		Store:      st,
		Provider:   prov,
		Supervisor: d.sup,
		Layout:     layout,
		Defaults: manager.Defaults{
			Host:            cfg.AppDefaults.Host,
			RestartPolicy:   cfg.RestartPolicy(),
			MaxRestarts:     cfg.AppDefaults.MaxRestarts,
			StartupTimeout:  cfg.AppDefaults.StartupTimeout,
			ShutdownTimeout: cfg.AppDefaults.ShutdownTimeout,
		},
		Sampler: d.sampler,
		Logger:  d.logger,
	})
	if err != nil {
		return nil, err
	}

	d.router = server.NewRouter(d.mgr, server.Options{Metrics: metricsHandler, Logger: d.logger})
	d.gw, err = gateway.New(gateway.Options{
		Store:        st,
		Admin:        d.router.Handler(),
		Domain:       cfg.Server.Domain,
		Logger:       d.logger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return d, nil
}

func (d *Daemon) Manager() *Manager       { return d.mgr }
func (d *Daemon) Supervisor() *Supervisor { return d.sup }
func (d *Daemon) Logger() *slog.Logger    { return d.logger }

// Handler is the gateway: dashboard, admin API and app proxy by Host.
func (d *Daemon) Handler() http.Handler { return d.gw.Handler() }

// AdminHandler serves the admin REST API without host routing.
func (d *Daemon) AdminHandler() http.Handler { return d.router.Handler() }

// Run listens on server.listen and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	return d.Serve(ctx, ln)
}

// Serve runs the supervisor (restoring apps persisted as running), the
// resource sampler and the gateway on ln. When ctx is cancelled the gateway
// stops accepting requests and every live app is stopped before returning.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	supCtx, cancelSup := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSup()
	supErr := make(chan error, 1)
	go func() { supErr <- d.sup.Run(supCtx) }()

	d.sampler.Start(supCtx, d.sup.Running)
	defer d.sampler.Stop()

	gwErr := d.gw.Serve(ctx, ln)

	shutCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownGrace)
	defer cancel()
	if err := d.sup.Shutdown(shutCtx); err != nil {
		d.logger.Error("supervisor shutdown", "err", err)
	}
	select {
	case err := <-supErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("supervisor stopped", "err", err)
		}
	case <-shutCtx.Done():
		cancelSup()
	}
	return gwErr
}

// Close releases the store, sink and log file.
func (d *Daemon) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		for i := len(d.closers) - 1; i >= 0; i-- {
			if err := d.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
