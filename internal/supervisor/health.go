package supervisor

import (
	"context"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/metrics"
	"github.com/loykin/binarydrop/internal/provider"
)

// scheduleHealth probes every idle live app whose next check is due.
func (s *Supervisor) scheduleHealth(now time.Time) {
	if s.shuttingDown {
		return
	}
	for name, e := range s.procs {
		if e.health == nil || e.probing || s.busy[name] {
			continue
		}
		if now.Before(e.nextCheck) {
			continue
		}
		e.probing = true
		s.probe(name, e.handle, nil)
	}
}

// probe runs the app's check on the pool and posts a msgHealthResult. A
// non-nil reply marks a manual check.
func (s *Supervisor) probe(name string, h provider.Handle, replyTo chan error) {
	s.spawn(func(ctx context.Context) {
		err := s.checkJob(ctx, name)
		m := message{typ: msgHealthResult, name: name, handle: h, err: err, manual: replyTo != nil, reply: replyTo}
		if !s.post(m) {
			reply(replyTo, err)
		}
	})
}

func (s *Supervisor) checkJob(ctx context.Context, name string) error {
	a, err := s.store.GetByName(ctx, name)
	if err != nil {
		return lookupErr("health", name, err)
	}
	if a.State != app.StateRunning || a.HealthCheck == nil {
		return nil
	}
	return s.checker.Check(ctx, a)
}

// healthResult applies a scheduled probe result to the entry it was taken
// for. Reaching the retry budget restarts that run.
func (s *Supervisor) healthResult(m message) {
	if m.manual {
		reply(m.reply, m.err)
		return
	}
	e := s.procs[m.name]
	if e == nil || e.handle != m.handle {
		return
	}
	e.probing = false
	if e.health == nil {
		return
	}
	e.nextCheck = time.Now().Add(e.health.IntervalDuration())
	if m.err == nil {
		e.failures = 0
		return
	}
	e.failures++
	metrics.IncHealthFailure(m.name)
	retries := max(e.health.Retries, 1)
	s.logger.Warn("health check failed", "app", m.name, "failures", e.failures, "retries", retries, "err", m.err)
	if e.failures < retries {
		return
	}
	e.failures = 0
	if s.shuttingDown {
		return
	}
	s.logger.Error("app unhealthy, restarting", "app", m.name, "pid", e.handle.PID())
	s.post(message{typ: msgRestart, name: m.name, handle: e.handle})
}
