package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/health"
	"github.com/loykin/binarydrop/internal/history"
	"github.com/loykin/binarydrop/internal/provider"
	"github.com/loykin/binarydrop/internal/store"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultWorkers      = 8
	DefaultRestartDelay = time.Second
	DefaultBackoffUnit  = time.Second
	DefaultBackoffCap   = 5
	DefaultHealthTick   = time.Second
)

var (
	// ErrClosed is returned once the supervisor loop has exited.
	ErrClosed = errors.New("supervisor is not running")
	// ErrShuttingDown is returned for lifecycle requests received during Shutdown.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

type Options struct {
	Store    store.Store
	Provider provider.Provider
	// Checker defaults to health.New with default options.
	Checker health.Checker
	// Sink receives start/stop events; defaults to history.Nop.
	Sink   history.Sink
	Logger *slog.Logger

	// Workers bounds concurrently executing blocking jobs.
	Workers int
	// RestartDelay is the pause between stop and start of a Restart.
	RestartDelay time.Duration
	// Automatic restarts wait min(restart_count, BackoffCap) * BackoffUnit.
	BackoffUnit time.Duration
	BackoffCap  int
	// HealthTick is the resolution of the per-app health scheduler.
	HealthTick time.Duration
}

// Supervisor owns the live process table and serializes lifecycle decisions
// through a single-consumer inbox. Blocking work runs on a bounded pool.
type Supervisor struct {
	store    store.Store
	provider provider.Provider
	checker  health.Checker
	sink     history.Sink
	logger   *slog.Logger

	restartDelay time.Duration
	backoffUnit  time.Duration
	backoffCap   int
	healthTick   time.Duration

	mbox    *mailbox
	sem     *semaphore.Weighted
	jobCtx  context.Context
	jobs    sync.WaitGroup
	runOnce sync.Once
	done    chan struct{}

	// owned by the loop goroutine
	procs         map[string]*entry
	busy          map[string]bool
	pending       map[string][]message
	shuttingDown  bool
	shutdownReply []chan error
	finished      bool
}

func New(o Options) (*Supervisor, error) {
	if o.Store == nil {
		return nil, errors.New("supervisor: store is required")
	}
	if o.Provider == nil {
		return nil, errors.New("supervisor: provider is required")
	}
	if o.Checker == nil {
		o.Checker = health.New(health.Options{})
	}
	if o.Sink == nil {
		o.Sink = history.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = 0
	} else if o.RestartDelay == 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = DefaultBackoffUnit
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.HealthTick <= 0 {
		o.HealthTick = DefaultHealthTick
	}
	return &Supervisor{
		store:        o.Store,
		provider:     o.Provider,
		checker:      o.Checker,
		sink:         o.Sink,
		logger:       o.Logger.With("component", "supervisor"),
		restartDelay: o.RestartDelay,
		backoffUnit:  o.BackoffUnit,
		backoffCap:   o.BackoffCap,
		healthTick:   o.HealthTick,
		mbox:         newMailbox(),
		sem:          semaphore.NewWeighted(int64(o.Workers)),
		jobCtx:       context.Background(),
		done:         make(chan struct{}),
		procs:        make(map[string]*entry),
		busy:         make(map[string]bool),
		pending:      make(map[string][]message),
	}, nil
}

// Run performs the warm restore and then consumes the inbox until Shutdown
// completes or ctx is cancelled. It may be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	err := errors.New("supervisor: Run called twice")
	s.runOnce.Do(func() { err = s.loop(ctx) })
	return err
}

// Done is closed when the loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) loop(ctx context.Context) error {
	defer close(s.done)
	s.jobCtx = context.WithoutCancel(ctx)
	s.mbox.push(message{typ: msgRestore})

	ticker := time.NewTicker(s.healthTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.reject(s.mbox.close(), ErrClosed)
			s.rejectPending(ErrClosed)
			return ctx.Err()
		case now := <-ticker.C:
			s.scheduleHealth(now)
		case <-s.mbox.signal:
			batch := s.mbox.drain()
			for i, m := range batch {
				s.handle(m)
				if s.finished {
					s.reject(batch[i+1:], ErrClosed)
					s.reject(s.mbox.close(), ErrClosed)
					return nil
				}
			}
		}
	}
}

// reject answers every caller waiting on msgs.
func (s *Supervisor) reject(msgs []message, err error) {
	for _, m := range msgs {
		switch {
		case m.reply != nil:
			m.reply <- err
		case m.stats != nil:
			m.stats <- statsReply{err: err}
		case m.running != nil:
			m.running <- map[string]int{}
		}
		if m.typ == msgJobDone && m.result.reply != nil {
			m.result.reply <- m.result.err
		}
	}
}

func (s *Supervisor) rejectPending(err error) {
	for name, q := range s.pending {
		s.reject(q, err)
		delete(s.pending, name)
	}
}

// post enqueues m without waiting.
func (s *Supervisor) post(m message) bool { return s.mbox.push(m) }

// call enqueues m and waits for its reply.
func (s *Supervisor) call(ctx context.Context, m message) error {
	m.reply = make(chan error, 1)
	if !s.post(m) {
		return ErrClosed
	}
	select {
	case err := <-m.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-m.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Start launches a deployed app. It fails with app.ErrAppNotFound,
// app.ErrAppAlreadyRunning, app.ErrAppNotDeployed or app.ErrAppStartFailed.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	return s.call(ctx, message{typ: msgStart, name: name})
}

// Stop terminates the app's process, waiting up to its shutdown timeout
// before killing it.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	return s.call(ctx, message{typ: msgStop, name: name})
}

// Restart stops the app if it is live, waits RestartDelay and starts it.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	return s.call(ctx, message{typ: msgRestart, name: name})
}

// ProcessExit reports that the app's current process terminated with code
// and applies the restart policy. A process that is in fact still running is
// stopped before the policy runs; an app without a live process is left alone.
func (s *Supervisor) ProcessExit(ctx context.Context, name string, code int) error {
	return s.call(ctx, message{typ: msgExit, name: name, code: code})
}

// CheckHealth runs the app's health check once. Apps that are not running or
// have no check configured are healthy.
func (s *Supervisor) CheckHealth(ctx context.Context, name string) error {
	return s.call(ctx, message{typ: msgCheckHealth, name: name})
}

// UpdateHealthCheck replaces the health schedule of a live app; nil disables it.
func (s *Supervisor) UpdateHealthCheck(ctx context.Context, name string, hc *app.HealthCheck) error {
	var c *app.HealthCheck
	if hc != nil {
		v := hc.WithDefaults()
		c = &v
	}
	return s.call(ctx, message{typ: msgHealthConfig, name: name, health: c})
}

// Running returns a snapshot of live apps and their pids.
func (s *Supervisor) Running() map[string]int {
	ch := make(chan map[string]int, 1)
	if !s.post(message{typ: msgRunning, running: ch}) {
		return map[string]int{}
	}
	select {
	case m := <-ch:
		return m
	case <-s.done:
		select {
		case m := <-ch:
			return m
		default:
			return map[string]int{}
		}
	}
}

// IsLive reports whether the supervisor holds a live process for name.
func (s *Supervisor) IsLive(name string) bool {
	_, ok := s.Running()[name]
	return ok
}

// Shutdown stops every live process and then ends the loop. Persisted states
// stay Running so the next Run restores them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.call(ctx, message{typ: msgShutdown})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func lookupErr(op, name string, err error) error {
	if errors.Is(err, app.ErrAppNotFound) {
		return app.E(op, name, app.ErrAppNotFound)
	}
	return app.Wrap(app.Infrastructure, op, name, fmt.Errorf("load app: %w", err))
}
