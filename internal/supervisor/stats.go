package supervisor

import (
	"context"
	"time"

	"github.com/loykin/binarydrop/internal/app"
)

// Stats is a point-in-time view of one app's runtime.
type Stats struct {
	Name          string     `json:"name"`
	State         app.State  `json:"state"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	RestartCount  int        `json:"restart_count"`
	LastExitCode  *int       `json:"last_exit_code,omitempty"`
	LastExitTime  *time.Time `json:"last_exit_time,omitempty"`
	TotalRuns     int        `json:"total_runs"`
}

type statsReply struct {
	stats *Stats
	err   error
}

// Stats combines the persisted record with the live process, if any.
func (s *Supervisor) Stats(ctx context.Context, name string) (*Stats, error) {
	ch := make(chan statsReply, 1)
	if !s.post(message{typ: msgStats, name: name, stats: ch}) {
		return nil, ErrClosed
	}
	select {
	case r := <-ch:
		return r.stats, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case r := <-ch:
			return r.stats, r.err
		default:
			return nil, ErrClosed
		}
	}
}

func (s *Supervisor) stats(m message) {
	var (
		pid     int
		started time.Time
	)
	if e := s.procs[m.name]; e != nil {
		pid = e.handle.PID()
		started = e.startedAt
	}
	name := m.name
	s.spawn(func(ctx context.Context) {
		m.stats <- s.collectStats(ctx, name, pid, started)
	})
}

func (s *Supervisor) collectStats(ctx context.Context, name string, pid int, started time.Time) statsReply {
	a, err := s.store.GetByName(ctx, name)
	if err != nil {
		return statsReply{err: lookupErr("stats", name, err)}
	}
	st := &Stats{
		Name:         a.Name,
		State:        a.State,
		PID:          pid,
		RestartCount: a.RestartCount,
		LastExitCode: a.LastExitCode,
		LastExitTime: a.LastExitTime,
	}
	if pid != 0 {
		t := started.UTC()
		st.StartedAt = &t
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if runs, err := s.store.HistoryByAppID(ctx, a.ID); err == nil {
		st.TotalRuns = len(runs)
	} else {
		s.logger.Warn("count history failed", "app", name, "err", err)
	}
	return statsReply{stats: st}
}
