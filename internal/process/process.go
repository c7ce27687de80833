package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned by operations that need a started process.
var ErrNotStarted = errors.New("process not started")

const orphanPoll = 50 * time.Millisecond

// Spec describes how to launch a single OS process.
type Spec struct {
	Name    string
	Command string
	Args    []string
	WorkDir string
	Env     []string
	// Output receives both stdout and stderr. Nil discards output.
	Output io.Writer
}

// Process is one launched child. A Process is started at most once; after
// Done is closed ExitCode reports how it terminated.
type Process struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  time.Time
	done     chan struct{}
	exitCode int
	exitErr  error
}

func New(spec Spec) *Process { return &Process{spec: spec, done: make(chan struct{})} }

// Start launches the command in its own process group and begins reaping it
// in the background.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process already started")
	}
	// #nosec G204
	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.WorkDir
	if len(p.spec.Env) > 0 {
		cmd.Env = p.spec.Env
	}
	if p.spec.Output != nil {
		cmd.Stdout = p.spec.Output
		cmd.Stderr = p.spec.Output
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	configureSysProcAttr(cmd)
	// output copying must not outlive a reaped child forever
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return err
	}
	p.cmd = cmd
	p.started = time.Now()
	go p.wait()
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := exitCodeOf(p.cmd.ProcessState, err)
	p.mu.Lock()
	p.exitCode = code
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		p.exitErr = err
	}
	p.mu.Unlock()
	close(p.done)
}

// PID returns the OS process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is only meaningful after Done is closed. Processes killed by a
// signal report 128+signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// WaitErr reports a failure of the wait call itself, not a non-zero exit.
func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Alive reports whether the child has not yet been reaped.
func (p *Process) Alive() bool {
	if p.PID() == 0 {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM to the process group, waits up to wait for the exit and
// escalates to SIGKILL. It returns once the process has been reaped.
func (p *Process) Stop(wait time.Duration) error {
	pid := p.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if !p.Alive() {
		return nil
	}
	_ = terminateGroup(pid)
	if wait <= 0 {
		wait = time.Millisecond
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits for the reaper.
func (p *Process) Kill() error {
	pid := p.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if !p.Alive() {
		return nil
	}
	if err := killGroup(pid); err != nil && p.Alive() {
		return err
	}
	<-p.done
	return nil
}

// StopOrphan stops a process group this daemon did not spawn, typically one
// left behind by a previous daemon. It sends SIGTERM, polls alive until wait
// elapses and then sends SIGKILL. The orphan is reaped by its new parent.
func StopOrphan(pid int, wait time.Duration, alive func() bool) error {
	if pid <= 0 {
		return ErrNotStarted
	}
	if !alive() {
		return nil
	}
	_ = terminateGroup(pid)
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !alive() {
			return nil
		}
		time.Sleep(orphanPoll)
	}
	if err := killGroup(pid); err != nil && alive() {
		return err
	}
	for i := 0; i < 20 && alive(); i++ {
		time.Sleep(orphanPoll)
	}
	return nil
}
