package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/paths"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

type fixedPorts []int

func (f fixedPorts) UsedPorts(context.Context) ([]int, error) { return f, nil }

type brokenPorts struct{}

func (brokenPorts) UsedPorts(context.Context) ([]int, error) { return nil, errors.New("db down") }

func writeScript(t *testing.T, l paths.Layout, name, body string) string {
	t.Helper()
	if err := l.Ensure(name); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	p := l.BinaryPath(name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func TestSetupAssignsFirstFreePort(t *testing.T) {
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l, Ports: fixedPorts{8000, 8001, 8003}})
	a := app.New("web", 0)
	out, err := p.Setup(context.Background(), a)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if out.Port != 8002 {
		t.Fatalf("expected port 8002, got %d", out.Port)
	}
	if a.Port != 0 {
		t.Fatalf("input record must not be modified")
	}
	if fi, err := os.Stat(l.DataDir("web")); err != nil || !fi.IsDir() {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestSetupKeepsExplicitPort(t *testing.T) {
	p := NewCommand(CommandOptions{Layout: paths.New(t.TempDir()), Ports: brokenPorts{}})
	out, err := p.Setup(context.Background(), app.New("web", 9100))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if out.Port != 9100 {
		t.Fatalf("expected explicit port kept, got %d", out.Port)
	}
}

func TestSetupPortLookupFailure(t *testing.T) {
	p := NewCommand(CommandOptions{Layout: paths.New(t.TempDir()), Ports: brokenPorts{}})
	if _, err := p.Setup(context.Background(), app.New("web", 0)); err == nil {
		t.Fatalf("expected error when ports cannot be listed")
	}
}

func TestStartWiresEnvironmentAndLog(t *testing.T) {
	requireUnix(t)
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l})
	a := app.New("echoer", 8123)
	a.BinaryPath = writeScript(t, l, "echoer", `echo "port=$PORT app=$APP_NAME data=$DATA_DIR greet=$GREETING"; echo oops >&2; exit 4`)
	a.Environment["GREETING"] = "hello"

	h, err := p.Start(context.Background(), a)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.PID() <= 0 {
		t.Fatalf("expected pid")
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if h.ExitCode() != 4 {
		t.Fatalf("expected exit code 4, got %d", h.ExitCode())
	}
	b, err := os.ReadFile(l.LogPath("echoer"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	want := "port=8123 app=echoer data=" + l.DataDir("echoer") + " greet=hello"
	if !strings.Contains(string(b), want) || !strings.Contains(string(b), "oops") {
		t.Fatalf("unexpected log content %q", b)
	}
}

func TestStartAppendsToLog(t *testing.T) {
	requireUnix(t)
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l})
	a := app.New("twice", 8000)
	a.BinaryPath = writeScript(t, l, "twice", `echo run`)
	for i := 0; i < 2; i++ {
		h, err := p.Start(context.Background(), a)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		<-h.Done()
	}
	b, _ := os.ReadFile(l.LogPath("twice"))
	if strings.Count(string(b), "run\n") != 2 {
		t.Fatalf("expected two runs appended, got %q", b)
	}
}

func TestStartErrors(t *testing.T) {
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l})

	_, err := p.Start(context.Background(), app.New("nobin", 8000))
	if !errors.Is(err, app.ErrAppNotDeployed) {
		t.Fatalf("expected not deployed, got %v", err)
	}

	a := app.New("gone", 8000)
	a.BinaryPath = filepath.Join(l.AppDir("gone"), "app")
	_, err = p.Start(context.Background(), a)
	if !errors.Is(err, app.ErrBinaryNotFound) || app.KindOf(err) != app.NotFound {
		t.Fatalf("expected binary not found, got %v", err)
	}
}

func TestStopHonorsTimeout(t *testing.T) {
	requireUnix(t)
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l})
	a := app.New("stubborn", 8000)
	a.BinaryPath = writeScript(t, l, "stubborn", `trap '' TERM; while true; do sleep 0.1; done`)
	h, err := p.Start(context.Background(), a)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	start := time.Now()
	if err := h.Stop(300 * time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("stop took too long")
	}
	if h.ExitCode() != 137 {
		t.Fatalf("expected SIGKILL exit code, got %d", h.ExitCode())
	}
}

func TestTeardownRemovesAppDir(t *testing.T) {
	l := paths.New(t.TempDir())
	p := NewCommand(CommandOptions{Layout: l})
	a := app.New("tmp", 8000)
	if _, err := p.Setup(context.Background(), a); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := p.Teardown(context.Background(), a); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if _, err := os.Stat(l.AppDir("tmp")); !os.IsNotExist(err) {
		t.Fatalf("app dir should be removed")
	}
}
