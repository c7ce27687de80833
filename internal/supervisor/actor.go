package supervisor

import (
	"context"
	"time"

	"github.com/loykin/binarydrop/internal/provider"
)

// handle is the single entry point of the loop. It never blocks on I/O.
func (s *Supervisor) handle(m message) {
	switch m.typ {
	case msgJobDone:
		s.complete(m.result)
	case msgHealthResult:
		s.healthResult(m)
	case msgRunning:
		snap := make(map[string]int, len(s.procs))
		for name, e := range s.procs {
			snap[name] = e.handle.PID()
		}
		m.running <- snap
	case msgStats:
		s.stats(m)
	case msgRestore:
		if !s.shuttingDown {
			s.spawn(func(ctx context.Context) { s.restore(ctx) })
		}
	case msgShutdown:
		s.beginShutdown(m)
	default:
		if s.shuttingDown {
			if m.reply != nil {
				m.reply <- ErrShuttingDown
			}
			return
		}
		if s.busy[m.name] {
			s.pending[m.name] = append(s.pending[m.name], m)
			return
		}
		s.decide(m)
	}
}

// decide applies one per-app message to the table and hands the blocking
// part to the pool. The app is idle when decide is called.
func (s *Supervisor) decide(m message) {
	cur := s.procs[m.name]
	switch m.typ {
	case msgStart:
		if cur != nil {
			if m.restore {
				reply(m.reply, nil)
				return
			}
			reply(m.reply, alreadyRunning(m.name))
			return
		}
		restore := m.restore
		s.dispatch(m.name, m.reply, func(ctx context.Context) outcome {
			return s.startJob(ctx, m.name, restore)
		})
	case msgStop:
		delete(s.procs, m.name)
		s.dispatch(m.name, m.reply, func(ctx context.Context) outcome {
			return s.stopJob(ctx, m.name, cur)
		})
	case msgRestart:
		if m.handle != nil && (cur == nil || cur.handle != m.handle) {
			// issued for a run that has since ended
			reply(m.reply, nil)
			return
		}
		delete(s.procs, m.name)
		s.dispatch(m.name, m.reply, func(ctx context.Context) outcome {
			return s.restartJob(ctx, m.name, cur)
		})
	case msgExit:
		if cur == nil || (m.handle != nil && cur.handle != m.handle) {
			// the run was already stopped or replaced
			reply(m.reply, nil)
			return
		}
		delete(s.procs, m.name)
		code := m.code
		s.dispatch(m.name, m.reply, func(ctx context.Context) outcome {
			return s.exitJob(ctx, m.name, code, cur)
		})
	case msgCheckHealth:
		var h provider.Handle
		if cur != nil {
			h = cur.handle
		}
		s.probe(m.name, h, m.reply)
	case msgHealthConfig:
		if cur != nil {
			cur.health = m.health
			cur.failures = 0
			if m.health != nil {
				cur.nextCheck = laterOf(time.Now(), cur.startedAt.Add(m.health.StartPeriodDuration()))
			}
		}
		reply(m.reply, nil)
	}
}

// dispatch marks name busy and runs job on the pool. Its outcome comes back
// as a msgJobDone.
func (s *Supervisor) dispatch(name string, replyTo chan error, job func(ctx context.Context) outcome) {
	s.busy[name] = true
	s.spawn(func(ctx context.Context) {
		out := job(ctx)
		out.name = name
		out.reply = replyTo
		if !s.post(message{typ: msgJobDone, result: out}) {
			reply(replyTo, out.err)
		}
	})
}

// spawn runs fn on a goroutine holding one worker slot.
func (s *Supervisor) spawn(fn func(ctx context.Context)) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		if err := s.sem.Acquire(s.jobCtx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn(s.jobCtx)
	}()
}

// complete installs the job's result and decides the app's queued messages.
func (s *Supervisor) complete(out outcome) {
	delete(s.busy, out.name)
	if out.entry != nil {
		if s.shuttingDown {
			e := out.entry
			s.dispatch(out.name, nil, func(ctx context.Context) outcome {
				s.halt(ctx, out.name, e)
				return outcome{}
			})
		} else {
			if out.entry.health != nil {
				out.entry.nextCheck = out.entry.startedAt.Add(out.entry.health.StartPeriodDuration())
			}
			s.procs[out.name] = out.entry
			s.watch(out.name, out.entry.handle)
		}
	}
	reply(out.reply, out.err)

	for !s.busy[out.name] && len(s.pending[out.name]) > 0 {
		next := s.pending[out.name][0]
		s.pending[out.name] = s.pending[out.name][1:]
		s.decide(next)
	}
	if len(s.pending[out.name]) == 0 {
		delete(s.pending, out.name)
	}
	s.maybeFinish()
}

// watch posts a msgExit for h once its process terminates.
func (s *Supervisor) watch(name string, h provider.Handle) {
	go func() {
		<-h.Done()
		s.post(message{typ: msgExit, name: name, code: h.ExitCode(), handle: h})
	}()
}

func (s *Supervisor) beginShutdown(m message) {
	if m.reply != nil {
		s.shutdownReply = append(s.shutdownReply, m.reply)
	}
	if !s.shuttingDown {
		s.shuttingDown = true
		s.logger.Info("shutting down", "live", len(s.procs))
		s.rejectPending(ErrShuttingDown)
		for name, e := range s.procs {
			delete(s.procs, name)
			s.dispatch(name, nil, func(ctx context.Context) outcome {
				s.halt(ctx, name, e)
				return outcome{}
			})
		}
	}
	s.maybeFinish()
}

func (s *Supervisor) maybeFinish() {
	if !s.shuttingDown || len(s.busy) > 0 || s.finished {
		return
	}
	s.finished = true
	for _, r := range s.shutdownReply {
		r <- nil
	}
	s.shutdownReply = nil
}

func reply(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
