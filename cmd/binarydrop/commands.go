package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/loykin/binarydrop/internal/config"
	"github.com/loykin/binarydrop/pkg/client"
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// client resolves the admin API address: --api-url wins over the config file.
func (c *command) client() (*client.Client, error) {
	cfg := client.DefaultConfig()
	if c.flags.ConfigPath != "" {
		fc, err := config.Load(c.flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		cfg.BaseURL = fc.Client.BaseURL
		cfg.Timeout = fc.Client.Timeout
	}
	if c.flags.APIUrl != "" {
		cfg.BaseURL = c.flags.APIUrl
	}
	if c.flags.APITimeout > 0 {
		cfg.Timeout = c.flags.APITimeout
	}
	return client.New(cfg), nil
}

func (c *command) Create(ctx context.Context, name string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	a, err := cl.Create(ctx, name)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "created %s (port %d)\n", a.Name, a.Port)
	return nil
}

func (c *command) Delete(ctx context.Context, name string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Delete(ctx, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "deleted %s\n", name)
	return nil
}

func (c *command) Deploy(ctx context.Context, name, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open binary: %w", err)
	}
	defer func() { _ = f.Close() }()
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Deploy(ctx, name, f)
	if err != nil {
		return err
	}
	switch {
	case !res.Changed:
		_, _ = fmt.Fprintf(c.out, "%s unchanged (sha256 %s)\n", name, short(res.Hash))
	case res.Restarted:
		_, _ = fmt.Fprintf(c.out, "deployed %s (sha256 %s), restarting\n", name, short(res.Hash))
	default:
		_, _ = fmt.Fprintf(c.out, "deployed %s (sha256 %s)\n", name, short(res.Hash))
	}
	return nil
}

// Env sets key=value, removes key when unset is true, or prints the
// environment when key is empty.
func (c *command) Env(ctx context.Context, name, key, value string, unset bool) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	var a *client.App
	switch {
	case key == "":
		a, err = cl.Get(ctx, name)
	case unset:
		a, err = cl.UnsetEnv(ctx, name, key)
	default:
		a, err = cl.SetEnv(ctx, name, key, value)
	}
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(a.Environment) {
		_, _ = fmt.Fprintf(c.out, "%s=%s\n", k, a.Environment[k])
	}
	return nil
}

func (c *command) Start(ctx context.Context, name string) error {
	return c.lifecycle(ctx, name, (*client.Client).Start)
}

func (c *command) Stop(ctx context.Context, name string) error {
	return c.lifecycle(ctx, name, (*client.Client).Stop)
}

func (c *command) Restart(ctx context.Context, name string) error {
	return c.lifecycle(ctx, name, (*client.Client).Restart)
}

func (c *command) lifecycle(ctx context.Context, name string, op func(*client.Client, context.Context, string) (*client.App, error)) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	a, err := op(cl, ctx, name)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s %s\n", a.Name, a.State)
	return nil
}

// Status prints a table of every app, or of the named ones.
func (c *command) Status(ctx context.Context, names []string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	var apps []client.App
	if len(names) == 0 {
		if apps, err = cl.List(ctx); err != nil {
			return err
		}
	} else {
		for _, n := range names {
			a, err := cl.Get(ctx, n)
			if err != nil {
				return err
			}
			apps = append(apps, *a)
		}
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPORT\tPID\tUPTIME\tRESTARTS\tLAST EXIT")
	for _, a := range apps {
		uptime := "-"
		if a.PID != nil {
			if st, err := cl.Stats(ctx, a.Name); err == nil && st.PID != 0 {
				uptime = (time.Duration(st.UptimeSeconds) * time.Second).String()
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			a.Name, a.State, a.Port, intOrDash(a.PID), uptime, a.RestartCount, intOrDash(a.LastExitCode))
	}
	return w.Flush()
}

func (c *command) Logs(ctx context.Context, name string, lines int, follow bool) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if !follow {
		out, err := cl.Logs(ctx, name, lines)
		if err != nil {
			return err
		}
		for _, l := range out {
			_, _ = fmt.Fprintln(c.out, l)
		}
		return nil
	}
	ch, err := cl.Follow(ctx, name, lines)
	if err != nil {
		return err
	}
	for l := range ch {
		_, _ = fmt.Fprintln(c.out, l)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *command) HealthSet(ctx context.Context, name string, hc client.HealthCheck) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	a, err := cl.SetHealthCheck(ctx, name, hc)
	if err != nil {
		return err
	}
	if h := a.HealthCheck; h != nil {
		_, _ = fmt.Fprintf(c.out, "%s health check: %s every %ds (timeout %ds, retries %d)\n", a.Name, h.Type, h.Interval, h.Timeout, h.Retries)
	}
	return nil
}

func (c *command) HealthClear(ctx context.Context, name string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if _, err := cl.ClearHealthCheck(ctx, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s health check cleared\n", name)
	return nil
}

func (c *command) HealthRun(ctx context.Context, name string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.CheckHealth(ctx, name)
	if err != nil {
		return err
	}
	if !res.Healthy {
		return fmt.Errorf("%s unhealthy: %s", name, res.Error)
	}
	_, _ = fmt.Fprintf(c.out, "%s healthy\n", name)
	return nil
}

// limitFunc picks the restart limit to send given the current record.
type limitFunc func(current *client.App) *int

func keepLimit(a *client.App) *int { return a.MaxRestarts }

func noLimit(*client.App) *int { return nil }

func (c *command) Policy(ctx context.Context, name, policy string, limit limitFunc) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	cur, err := cl.Get(ctx, name)
	if err != nil {
		return err
	}
	a, err := cl.SetRestartPolicy(ctx, name, policy, limit(cur))
	if err != nil {
		return err
	}
	shown := "unlimited"
	if a.MaxRestarts != nil {
		shown = fmt.Sprint(*a.MaxRestarts)
	}
	_, _ = fmt.Fprintf(c.out, "%s restart policy %s (max restarts %s)\n", a.Name, a.RestartPolicy, shown)
	return nil
}
