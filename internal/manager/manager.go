package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/env"
	"github.com/loykin/binarydrop/internal/metrics"
	"github.com/loykin/binarydrop/internal/paths"
	"github.com/loykin/binarydrop/internal/provider"
	"github.com/loykin/binarydrop/internal/store"
	"github.com/loykin/binarydrop/internal/supervisor"
)

// Lifecycle is the part of the supervisor the manager delegates to.
type Lifecycle interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	CheckHealth(ctx context.Context, name string) error
	UpdateHealthCheck(ctx context.Context, name string, hc *app.HealthCheck) error
	Stats(ctx context.Context, name string) (*supervisor.Stats, error)
	IsLive(name string) bool
}

// Defaults are applied to every newly created app.
type Defaults struct {
	Host            string
	RestartPolicy   app.RestartPolicy
	MaxRestarts     int
	StartupTimeout  int
	ShutdownTimeout int
}

type Options struct {
	Store      store.Store
	Provider   provider.Provider
	Supervisor Lifecycle
	Layout     paths.Layout
	Defaults   Defaults
	// Sampler adds resource usage to Stats when set.
	Sampler *metrics.ResourceSampler
	Logger  *slog.Logger
}

// Manager owns the app catalog: creation, deployment, configuration and
// deletion. Process lifecycle is delegated to the supervisor.
type Manager struct {
	st      store.Store
	prov    provider.Provider
	sup     Lifecycle
	layout  paths.Layout
	def     Defaults
	sampler *metrics.ResourceSampler
	logger  *slog.Logger
}

func New(o Options) (*Manager, error) {
	if o.Store == nil || o.Provider == nil || o.Supervisor == nil {
		return nil, errors.New("manager: store, provider and supervisor are required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Manager{
		st:      o.Store,
		prov:    o.Provider,
		sup:     o.Supervisor,
		layout:  o.Layout,
		def:     o.Defaults,
		sampler: o.Sampler,
		logger:  o.Logger.With("component", "manager"),
	}, nil
}

// Create registers a new app, prepares its directories and assigns a port.
func (m *Manager) Create(ctx context.Context, name string) (*app.App, error) {
	if err := app.ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := m.st.GetByName(ctx, name); err == nil {
		return nil, app.E("create", name, app.ErrAppAlreadyExists)
	} else if !store.IsNotFound(err) {
		return nil, app.Wrap(app.Infrastructure, "create", name, err)
	}

	a := app.New(name, 0)
	m.applyDefaults(a)
	prepared, err := m.prov.Setup(ctx, a)
	if err != nil {
		return nil, app.Wrap(app.Infrastructure, "create", name, fmt.Errorf("setup: %w", err))
	}
	if err := m.st.Save(ctx, prepared); err != nil {
		return nil, app.Wrap(app.Infrastructure, "create", name, err)
	}
	m.logger.Info("app created", "app", name, "port", prepared.Port)
	return prepared, nil
}

func (m *Manager) applyDefaults(a *app.App) {
	d := m.def
	if d.Host != "" {
		a.Host = d.Host
	}
	a.RestartPolicy = d.RestartPolicy
	if d.MaxRestarts > 0 {
		n := d.MaxRestarts
		a.MaxRestarts = &n
	}
	if d.StartupTimeout > 0 {
		a.StartupTimeout = d.StartupTimeout
	}
	if d.ShutdownTimeout > 0 {
		a.ShutdownTimeout = d.ShutdownTimeout
	}
}

func (m *Manager) Get(ctx context.Context, name string) (*app.App, error) {
	a, err := m.st.GetByName(ctx, name)
	if err != nil {
		return nil, lookupErr("get", name, err)
	}
	return a, nil
}

func (m *Manager) List(ctx context.Context) ([]*app.App, error) {
	apps, err := m.st.GetAll(ctx)
	if err != nil {
		return nil, app.Wrap(app.Infrastructure, "list", "", err)
	}
	return apps, nil
}

// update applies fn to a fresh copy of the record and writes back only the
// user settings; lifecycle fields belong to the supervisor.
func (m *Manager) update(ctx context.Context, op, name string, fn func(a *app.App) error) (*app.App, error) {
	a, err := m.st.GetByName(ctx, name)
	if err != nil {
		return nil, lookupErr(op, name, err)
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	a.Touch()
	if err := m.st.SaveSettings(ctx, a); err != nil {
		return nil, lookupErr(op, name, err)
	}
	return a, nil
}

// SetEnv upserts or, with del, removes one user environment entry.
// Running apps see the change after their next restart.
func (m *Manager) SetEnv(ctx context.Context, name, key, value string, del bool) (*app.App, error) {
	if !env.ValidKey(key) {
		return nil, app.Wrap(app.ConfigValidation, "env", name, fmt.Errorf("invalid environment key %q", key))
	}
	if env.Reserved(key) {
		return nil, app.Wrap(app.ConfigValidation, "env", name, fmt.Errorf("%s is set by binarydrop and cannot be overridden", key))
	}
	a, err := m.update(ctx, "env", name, func(a *app.App) error {
		if a.Environment == nil {
			a.Environment = map[string]string{}
		}
		if del {
			delete(a.Environment, key)
		} else {
			a.Environment[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("environment updated", "app", name, "key", key, "deleted", del)
	return a, nil
}

// SetHealthCheck replaces the app's health check; nil removes it. A live
// app picks up the new schedule immediately.
func (m *Manager) SetHealthCheck(ctx context.Context, name string, hc *app.HealthCheck) (*app.App, error) {
	var next *app.HealthCheck
	if hc != nil {
		v := hc.WithDefaults()
		if err := v.Validate(); err != nil {
			return nil, app.Wrap(app.ConfigValidation, "health", name, err)
		}
		next = &v
	}
	a, err := m.update(ctx, "health", name, func(a *app.App) error {
		a.HealthCheck = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.sup.UpdateHealthCheck(ctx, name, next); err != nil {
		m.logger.Warn("apply health check to live app failed", "app", name, "err", err)
	}
	return a, nil
}

// SetRestartPolicy changes the policy and cap; a nil maxRestarts removes the cap.
func (m *Manager) SetRestartPolicy(ctx context.Context, name string, policy app.RestartPolicy, maxRestarts *int) (*app.App, error) {
	if maxRestarts != nil && *maxRestarts < 0 {
		return nil, app.Wrap(app.ConfigValidation, "policy", name, errors.New("max_restarts must not be negative"))
	}
	return m.update(ctx, "policy", name, func(a *app.App) error {
		a.RestartPolicy = policy
		if maxRestarts == nil {
			a.MaxRestarts = nil
		} else {
			n := *maxRestarts
			a.MaxRestarts = &n
		}
		return nil
	})
}

// Delete removes an app that is not running, its directory and its history.
// An app waiting for an automatic restart is deleted too; the supervisor
// drops the restart once the record is gone.
func (m *Manager) Delete(ctx context.Context, name string) error {
	a, err := m.st.GetByName(ctx, name)
	if err != nil {
		return lookupErr("delete", name, err)
	}
	if a.State == app.StateRunning || m.sup.IsLive(name) {
		return app.E("delete", name, app.ErrAppRunning)
	}
	if _, err := m.prov.Teardown(ctx, a); err != nil {
		return app.Wrap(app.Infrastructure, "delete", name, fmt.Errorf("teardown: %w", err))
	}
	if err := m.st.DeleteByID(ctx, a.ID); err != nil {
		return app.Wrap(app.Infrastructure, "delete", name, err)
	}
	metrics.ForgetApp(name)
	m.logger.Info("app deleted", "app", name)
	return nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	return m.sup.Start(ctx, name)
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.sup.Stop(ctx, name)
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.sup.Restart(ctx, name)
}

func (m *Manager) CheckHealth(ctx context.Context, name string) error {
	return m.sup.CheckHealth(ctx, name)
}

// History returns up to limit runs of the app, newest first. limit <= 0
// returns all of them.
func (m *Manager) History(ctx context.Context, name string, limit int) ([]*app.ProcessHistory, error) {
	a, err := m.st.GetByName(ctx, name)
	if err != nil {
		return nil, lookupErr("history", name, err)
	}
	runs, err := m.st.HistoryByAppID(ctx, a.ID)
	if err != nil {
		return nil, app.Wrap(app.Infrastructure, "history", name, err)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Stats is the supervisor view of an app plus its latest resource sample.
type Stats struct {
	supervisor.Stats
	Usage *metrics.Usage `json:"usage,omitempty"`
}

func (m *Manager) Stats(ctx context.Context, name string) (*Stats, error) {
	st, err := m.sup.Stats(ctx, name)
	if err != nil {
		return nil, err
	}
	out := &Stats{Stats: *st}
	if m.sampler != nil && st.PID != 0 {
		if u, ok := m.sampler.Latest(name); ok && u.PID == st.PID {
			out.Usage = &u
		}
	}
	return out, nil
}

func lookupErr(op, name string, err error) error {
	if store.IsNotFound(err) {
		return app.E(op, name, app.ErrAppNotFound)
	}
	return app.Wrap(app.Infrastructure, op, name, err)
}
