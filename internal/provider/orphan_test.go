package provider

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/paths"
)

func startSleeper(t *testing.T, p *CommandProvider, l paths.Layout, name string) (Handle, *app.App) {
	t.Helper()
	a := app.New(name, 8000)
	a.ShutdownTimeout = 1
	a.BinaryPath = writeScript(t, l, name, `exec sleep 30`)
	h, err := p.Start(context.Background(), a)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop(100 * time.Millisecond) })
	a.SetPID(h.PID())
	return h, a
}

func TestReapOrphanStopsRecordedRun(t *testing.T) {
	requireUnix(t)
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l})
	h, a := startSleeper(t, p, l, "orphan")
	run := app.NewHistory(a.ID)

	stopped, err := p.ReapOrphan(context.Background(), a, run)
	if err != nil || !stopped {
		t.Fatalf("expected orphan to be stopped: %v %v", stopped, err)
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("process still running")
	}
}

func TestReapOrphanIgnoresReusedPID(t *testing.T) {
	requireUnix(t)
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l})
	h, a := startSleeper(t, p, l, "reused")
	run := app.NewHistory(a.ID)
	run.StartedAt = time.Now().Add(-time.Hour)

	stopped, err := p.ReapOrphan(context.Background(), a, run)
	if err != nil || stopped {
		t.Fatalf("a pid started at another time must be left alone: %v %v", stopped, err)
	}
	select {
	case <-h.Done():
		t.Fatalf("unrelated process was stopped")
	default:
	}
}

func TestReapOrphanWithoutPID(t *testing.T) {
	p := NewCommand(CommandOptions{Layout: paths.New(t.TempDir())})
	stopped, err := p.ReapOrphan(context.Background(), app.New("none", 8000), nil)
	if err != nil || stopped {
		t.Fatalf("nothing to reap: %v %v", stopped, err)
	}
}
