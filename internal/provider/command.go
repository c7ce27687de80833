package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/env"
	"github.com/loykin/binarydrop/internal/logger"
	"github.com/loykin/binarydrop/internal/paths"
	"github.com/loykin/binarydrop/internal/process"
)

type CommandOptions struct {
	Layout    paths.Layout
	Ports     PortSource
	FirstPort int
	// Env supplies the base environment; nil uses the daemon's own.
	Env      *env.Env
	LogFiles logger.FileConfig
	Logger   *slog.Logger
}

// CommandProvider runs deployed binaries as local child processes.
type CommandProvider struct {
	layout    paths.Layout
	ports     PortSource
	firstPort int
	env       *env.Env
	logFiles  logger.FileConfig
	logger    *slog.Logger

	// serializes port allocation between concurrent Setup calls
	mu sync.Mutex
}

func NewCommand(o CommandOptions) *CommandProvider {
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.FirstPort <= 0 {
		o.FirstPort = paths.DefaultFirstPort
	}
	return &CommandProvider{
		layout:    o.Layout,
		ports:     o.Ports,
		firstPort: o.FirstPort,
		env:       o.Env,
		logFiles:  o.LogFiles,
		logger:    o.Logger,
	}
}

func (p *CommandProvider) Layout() paths.Layout { return p.layout }

func (p *CommandProvider) Setup(ctx context.Context, a *app.App) (*app.App, error) {
	if err := p.layout.Ensure(a.Name); err != nil {
		return nil, app.Wrap(app.Infrastructure, "setup", a.Name, err)
	}
	out := a.Clone()
	if out.Port == 0 {
		p.mu.Lock()
		defer p.mu.Unlock()
		var used []int
		if p.ports != nil {
			var err error
			if used, err = p.ports.UsedPorts(ctx); err != nil {
				return nil, app.Wrap(app.Infrastructure, "setup", a.Name, err)
			}
		}
		out.Port = paths.NextPort(used, p.firstPort)
	}
	return out, nil
}

func (p *CommandProvider) Teardown(_ context.Context, a *app.App) (*app.App, error) {
	if err := p.layout.Remove(a.Name); err != nil {
		return nil, app.Wrap(app.Infrastructure, "teardown", a.Name, err)
	}
	return a.Clone(), nil
}

func (p *CommandProvider) Start(_ context.Context, a *app.App) (Handle, error) {
	if a.BinaryPath == "" {
		return nil, app.E("start", a.Name, app.ErrAppNotDeployed)
	}
	if _, err := os.Stat(a.BinaryPath); err != nil {
		return nil, app.E("start", a.Name, fmt.Errorf("%w: %s", app.ErrBinaryNotFound, a.BinaryPath))
	}
	if err := p.layout.Ensure(a.Name); err != nil {
		return nil, app.Wrap(app.Infrastructure, "start", a.Name, err)
	}
	dataDir := p.layout.DataDir(a.Name)
	out := p.logFiles.Writer(p.layout.LogPath(a.Name))
	proc := process.New(process.Spec{
		Name:    a.Name,
		Command: a.BinaryPath,
		WorkDir: dataDir,
		Env:     p.env.ForApp(a.Name, a.Port, dataDir, a.Environment),
		Output:  out,
	})
	if err := proc.Start(); err != nil {
		_ = out.Close()
		return nil, app.E("start", a.Name, fmt.Errorf("%w: %v", app.ErrAppStartFailed, err))
	}
	p.logger.Info("process spawned", "app", a.Name, "pid", proc.PID(), "port", a.Port)
	return newCommandHandle(proc, out), nil
}

// commandHandle closes the app log writer once the process is reaped.
type commandHandle struct {
	proc *process.Process
	out  io.Closer
	done chan struct{}
}

func newCommandHandle(proc *process.Process, out io.Closer) *commandHandle {
	h := &commandHandle{proc: proc, out: out, done: make(chan struct{})}
	go func() {
		<-proc.Done()
		_ = out.Close()
		close(h.done)
	}()
	return h
}

func (h *commandHandle) PID() int              { return h.proc.PID() }
func (h *commandHandle) Done() <-chan struct{} { return h.done }
func (h *commandHandle) ExitCode() int         { return h.proc.ExitCode() }

func (h *commandHandle) Stop(timeout time.Duration) error {
	if err := h.proc.Stop(timeout); err != nil {
		return err
	}
	<-h.done
	return nil
}
