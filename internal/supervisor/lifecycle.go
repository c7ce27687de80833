package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/history"
	"github.com/loykin/binarydrop/internal/metrics"
	"github.com/loykin/binarydrop/internal/provider"
	"github.com/loykin/binarydrop/internal/store"
)

func alreadyRunning(name string) error { return app.E("start", name, app.ErrAppAlreadyRunning) }

// startJob loads the record and launches it. Restore starts demote the
// record to Failed on any error.
func (s *Supervisor) startJob(ctx context.Context, name string, restore bool) outcome {
	a, err := s.store.GetByName(ctx, name)
	if err != nil {
		return outcome{err: lookupErr("start", name, err)}
	}
	if !a.Deployed() {
		if restore {
			s.fail(ctx, a, app.ErrAppNotDeployed)
		}
		return outcome{err: app.E("start", name, app.ErrAppNotDeployed)}
	}
	if restore {
		s.reapOrphan(ctx, a)
	}
	e, err := s.launch(ctx, a)
	if err != nil {
		return outcome{err: err}
	}
	return outcome{entry: e}
}

// reapOrphan cleans up after a daemon that died without shutting down: the
// last run is still open and its process may still hold the port.
func (s *Supervisor) reapOrphan(ctx context.Context, a *app.App) {
	runs, err := s.store.HistoryByAppID(ctx, a.ID)
	if err != nil {
		s.logger.Warn("load process history failed", "app", a.Name, "err", err)
	}
	var last *app.ProcessHistory
	if len(runs) > 0 && runs[0].Open() {
		last = runs[0]
	}
	if r, ok := s.provider.(provider.OrphanReaper); ok && a.PID != nil {
		stopped, err := r.ReapOrphan(ctx, a, last)
		if err != nil {
			s.logger.Error("stop orphaned process failed", "app", a.Name, "pid", *a.PID, "err", err)
		} else if stopped {
			s.logger.Info("orphaned process stopped", "app", a.Name, "pid", *a.PID)
		}
	}
	if last != nil {
		pid := 0
		if a.PID != nil {
			pid = *a.PID
		}
		last.Close(nil, app.ReasonOrphaned)
		if err := s.store.SaveHistory(ctx, last); err != nil {
			s.logger.Warn("close process history failed", "app", a.Name, "err", err)
		}
		s.export(ctx, a.Name, pid, last)
	}
	a.SetPID(0)
}

// launch persists Starting, spawns the process, opens its history row and
// persists Running. A spawn failure persists Failed.
func (s *Supervisor) launch(ctx context.Context, a *app.App) (*entry, error) {
	if err := s.transition(ctx, a, app.StateStarting); err != nil {
		return nil, err
	}
	h, err := s.provider.Start(ctx, a)
	if err != nil {
		s.fail(ctx, a, err)
		return nil, app.Wrap(app.ProcessFailure, "start", a.Name, fmt.Errorf("%w: %w", app.ErrAppStartFailed, err))
	}
	now := time.Now()
	run := app.NewHistory(a.ID)
	if err := s.store.SaveHistory(ctx, run); err != nil {
		s.logger.Warn("save process history failed", "app", a.Name, "err", err)
	}
	s.export(ctx, a.Name, h.PID(), run)

	a.SetPID(h.PID())
	if err := s.transition(ctx, a, app.StateRunning); err != nil {
		if errors.Is(err, app.ErrAppNotFound) {
			// deleted while starting
			s.logger.Warn("app deleted during start, stopping process", "app", a.Name, "pid", h.PID())
			if serr := h.Stop(shutdownTimeout(a)); serr != nil {
				s.logger.Error("stop process of deleted app failed", "app", a.Name, "pid", h.PID(), "err", serr)
			}
			code := h.ExitCode()
			run.Close(&code, app.ReasonStoppedByUser)
			s.export(ctx, a.Name, h.PID(), run)
			if _, herr := s.store.DeleteHistoryByAppID(ctx, a.ID); herr != nil {
				s.logger.Warn("drop process history failed", "app", a.Name, "err", herr)
			}
			return nil, err
		}
		// the process is up; keep supervising it even though the record lags
		s.logger.Error("persist running state failed", "app", a.Name, "pid", h.PID(), "err", err)
	}
	metrics.IncStart(a.Name)
	s.logger.Info("app started", "app", a.Name, "pid", h.PID(), "port", a.Port)

	e := &entry{handle: h, startedAt: now, run: run}
	if a.HealthCheck != nil {
		hc := a.HealthCheck.WithDefaults()
		e.health = &hc
	}
	return e, nil
}

func (s *Supervisor) fail(ctx context.Context, a *app.App, cause error) {
	a.SetPID(0)
	if err := s.transition(ctx, a, app.StateFailed); err != nil {
		s.logger.Error("persist failed state failed", "app", a.Name, "err", err)
	}
	s.logger.Error("app start failed", "app", a.Name, "err", cause)
}

// stopJob terminates cur, or reconciles a live record that has no process.
func (s *Supervisor) stopJob(ctx context.Context, name string, cur *entry) outcome {
	a, err := s.store.GetByName(ctx, name)
	if err != nil {
		if cur != nil {
			_ = cur.handle.Stop(shutdownTimeout(nil))
		}
		return outcome{err: lookupErr("stop", name, err)}
	}
	if cur == nil {
		if a.State.Live() {
			s.logger.Warn("app marked live without a process, reconciling", "app", name, "state", a.State)
			a.SetPID(0)
			if err := s.transition(ctx, a, app.StateStopped); err != nil {
				return outcome{err: err}
			}
		}
		return outcome{}
	}
	if err := s.terminate(ctx, a, cur); err != nil {
		return outcome{err: err}
	}
	metrics.IncStop(name)
	return outcome{}
}

// terminate persists Stopping, stops the process within the app's shutdown
// timeout, closes the run as stopped by user and persists Stopped.
func (s *Supervisor) terminate(ctx context.Context, a *app.App, cur *entry) error {
	if err := s.transition(ctx, a, app.StateStopping); err != nil {
		s.logger.Warn("persist stopping state failed", "app", a.Name, "err", err)
	}
	pid := cur.handle.PID()
	if err := cur.handle.Stop(shutdownTimeout(a)); err != nil {
		return app.Wrap(app.ProcessFailure, "stop", a.Name, err)
	}
	code := cur.handle.ExitCode()
	s.closeRun(ctx, a.Name, pid, cur, code, app.ReasonStoppedByUser)
	a.RecordExit(code, time.Now())
	if err := s.transition(ctx, a, app.StateStopped); err != nil {
		return err
	}
	s.logger.Info("app stopped", "app", a.Name, "pid", pid, "exit_code", code)
	return nil
}

// halt stops a process for daemon shutdown without touching the persisted
// state, so that warm restore relaunches it.
func (s *Supervisor) halt(ctx context.Context, name string, cur *entry) {
	a, err := s.store.GetByName(ctx, name)
	if err != nil {
		a = nil
	}
	pid := cur.handle.PID()
	if err := cur.handle.Stop(shutdownTimeout(a)); err != nil {
		s.logger.Error("stop on shutdown failed", "app", name, "pid", pid, "err", err)
		return
	}
	code := cur.handle.ExitCode()
	s.closeRun(ctx, name, pid, cur, code, app.ReasonStoppedByUser)
	if a != nil {
		a.SetPID(0)
		a.Touch()
		if err := s.store.SaveLifecycle(ctx, a); err != nil {
			s.logger.Warn("clear pid on shutdown failed", "app", name, "err", err)
		}
	}
	s.logger.Info("app halted for shutdown", "app", name, "pid", pid, "exit_code", code)
}

// restartJob stops cur when present, waits the restart delay and starts again.
func (s *Supervisor) restartJob(ctx context.Context, name string, cur *entry) outcome {
	if cur != nil {
		a, err := s.store.GetByName(ctx, name)
		if err != nil {
			_ = cur.handle.Stop(shutdownTimeout(nil))
			return outcome{err: lookupErr("restart", name, err)}
		}
		if err := s.terminate(ctx, a, cur); err != nil {
			s.logger.Warn("stop before restart failed", "app", name, "err", err)
		}
	}
	metrics.IncRestart(name)
	sleepCtx(ctx, s.restartDelay)
	return s.startJob(ctx, name, false)
}

// exitJob records the end of cur and applies the restart policy. A process
// reported as exited while it still runs is stopped first.
func (s *Supervisor) exitJob(ctx context.Context, name string, code int, cur *entry) outcome {
	a, err := s.store.GetByName(ctx, name)
	if cur != nil {
		if !exited(cur.handle) {
			s.logger.Warn("exit reported for a running process, stopping it", "app", name, "pid", cur.handle.PID())
			if serr := cur.handle.Stop(shutdownTimeout(a)); serr != nil {
				s.logger.Error("stop exited process failed", "app", name, "pid", cur.handle.PID(), "err", serr)
			}
		}
		s.closeRun(ctx, name, cur.handle.PID(), cur, code, app.ExitReason(code))
	}
	if err != nil {
		return outcome{err: lookupErr("exit", name, err)}
	}
	a.RecordExit(code, time.Now())
	if code != 0 {
		metrics.IncCrash(name)
	}
	s.logger.Info("app exited", "app", name, "exit_code", code, "state", a.State)

	switch {
	case a.ShouldRestart() && a.ReachedMaxRestarts():
		s.logger.Error("app reached maximum restart count", "app", name, "attempt", a.RestartCount)
		if err := s.transition(ctx, a, app.StateCrashed); err != nil {
			return outcome{err: err}
		}
		return outcome{}
	case a.ShouldRestart():
		a.RestartCount++
		if err := s.transition(ctx, a, app.StateRestarting); err != nil {
			return outcome{err: err}
		}
		metrics.IncRestart(name)
		wait := s.backoff(a.RestartCount)
		s.logger.Info("restarting app", "app", name, "attempt", a.RestartCount, "backoff", wait)
		sleepCtx(ctx, wait)
		// the record may have been edited or deleted during the backoff
		fresh, err := s.store.GetByName(ctx, name)
		if err != nil {
			if store.IsNotFound(err) {
				s.logger.Info("app deleted while restarting, not relaunching", "app", name)
				return outcome{}
			}
			return outcome{err: lookupErr("exit", name, err)}
		}
		if fresh.State != app.StateRestarting {
			s.logger.Info("restart abandoned", "app", name, "state", fresh.State)
			return outcome{}
		}
		if !fresh.Deployed() {
			s.fail(ctx, fresh, app.ErrAppNotDeployed)
			return outcome{}
		}
		e, err := s.launch(ctx, fresh)
		if err != nil {
			return outcome{err: err}
		}
		return outcome{entry: e}
	default:
		final := app.StateStopped
		if code != 0 {
			final = app.StateFailed
		}
		if err := s.transition(ctx, a, final); err != nil {
			return outcome{err: err}
		}
		return outcome{}
	}
}

// restore relaunches every app persisted as Running.
func (s *Supervisor) restore(ctx context.Context) {
	apps, err := s.store.GetByState(ctx, app.StateRunning)
	if err != nil {
		s.logger.Error("warm restore failed", "err", err)
		return
	}
	for _, a := range apps {
		s.logger.Info("restoring app", "app", a.Name)
		s.post(message{typ: msgStart, name: a.Name, restore: true})
	}
}

// transition persists a new state and records the change.
func (s *Supervisor) transition(ctx context.Context, a *app.App, to app.State) error {
	from := a.State
	a.SetState(to)
	if err := s.store.SaveLifecycle(ctx, a); err != nil {
		if store.IsNotFound(err) {
			return app.E("save", a.Name, app.ErrAppNotFound)
		}
		return app.Wrap(app.Infrastructure, "save", a.Name, err)
	}
	metrics.RecordStateTransition(a.Name, from.String(), to.String())
	s.logger.Debug("state changed", "app", a.Name, "from", from, "state", to)
	return nil
}

// closeRun closes the run's history row, persists it and exports the event.
func (s *Supervisor) closeRun(ctx context.Context, name string, pid int, cur *entry, code int, reason string) {
	if cur.run == nil || !cur.run.Open() {
		return
	}
	c := code
	cur.run.Close(&c, reason)
	if err := s.store.SaveHistory(ctx, cur.run); err != nil {
		s.logger.Warn("close process history failed", "app", name, "err", err)
	}
	s.export(ctx, name, pid, cur.run)
}

func (s *Supervisor) export(ctx context.Context, name string, pid int, run *app.ProcessHistory) {
	if err := s.sink.Send(ctx, history.NewEvent(name, pid, run)); err != nil {
		s.logger.Warn("history export failed", "app", name, "err", err)
	}
}

func (s *Supervisor) backoff(count int) time.Duration {
	if count > s.backoffCap {
		count = s.backoffCap
	}
	if count < 0 {
		count = 0
	}
	return time.Duration(count) * s.backoffUnit
}

func shutdownTimeout(a *app.App) time.Duration {
	secs := app.DefaultShutdownTimeout
	if a != nil && a.ShutdownTimeout > 0 {
		secs = a.ShutdownTimeout
	}
	return time.Duration(secs) * time.Second
}

func exited(h provider.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
