package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/paths"
)

// StopExitCode is reported by a FakeHandle terminated through Stop.
const StopExitCode = 143

var nextFakePID atomic.Int64

func init() { nextFakePID.Store(40000) }

// FakeHandle is an in-memory process controlled by tests.
type FakeHandle struct {
	pid  int
	once sync.Once
	done chan struct{}
	code atomic.Int64
	// StopDelay simulates a slow shutdown.
	StopDelay time.Duration
}

func NewFakeHandle() *FakeHandle {
	return &FakeHandle{pid: int(nextFakePID.Add(1)), done: make(chan struct{})}
}

func (h *FakeHandle) PID() int              { return h.pid }
func (h *FakeHandle) Done() <-chan struct{} { return h.done }
func (h *FakeHandle) ExitCode() int         { return int(h.code.Load()) }

// Exit makes the process terminate on its own with code.
func (h *FakeHandle) Exit(code int) {
	h.once.Do(func() {
		h.code.Store(int64(code))
		close(h.done)
	})
}

func (h *FakeHandle) Stop(time.Duration) error {
	if h.StopDelay > 0 {
		time.Sleep(h.StopDelay)
	}
	h.Exit(StopExitCode)
	return nil
}

// Alive reports whether Exit or Stop has not been called yet.
func (h *FakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// TestProvider records lifecycle calls and hands out FakeHandles.
type TestProvider struct {
	mu        sync.Mutex
	handles   map[string][]*FakeHandle
	launched  map[string]*app.App
	setups    map[string]int
	teardowns map[string]int
	failStart map[string]error
	nextPort  int
	// StartDelay simulates a slow spawn.
	StartDelay time.Duration
}

func NewTestProvider() *TestProvider {
	return &TestProvider{
		handles:   map[string][]*FakeHandle{},
		launched:  map[string]*app.App{},
		setups:    map[string]int{},
		teardowns: map[string]int{},
		failStart: map[string]error{},
		nextPort:  paths.DefaultFirstPort,
	}
}

// FailStart makes subsequent starts of name fail with err; nil clears it.
func (p *TestProvider) FailStart(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failStart, name)
		return
	}
	p.failStart[name] = err
}

func (p *TestProvider) Setup(_ context.Context, a *app.App) (*app.App, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setups[a.Name]++
	out := a.Clone()
	if out.Port == 0 {
		out.Port = p.nextPort
		p.nextPort++
	}
	return out, nil
}

func (p *TestProvider) Teardown(_ context.Context, a *app.App) (*app.App, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns[a.Name]++
	return a.Clone(), nil
}

func (p *TestProvider) Start(_ context.Context, a *app.App) (Handle, error) {
	if p.StartDelay > 0 {
		time.Sleep(p.StartDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failStart[a.Name]; ok {
		return nil, app.E("start", a.Name, errors.Join(app.ErrAppStartFailed, err))
	}
	h := NewFakeHandle()
	p.handles[a.Name] = append(p.handles[a.Name], h)
	p.launched[a.Name] = a.Clone()
	return h, nil
}

// LastApp returns a copy of the record name was last started from.
func (p *TestProvider) LastApp(name string) *app.App {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.launched[name]; ok {
		return a.Clone()
	}
	return nil
}

// Last returns the most recent handle started for name.
func (p *TestProvider) Last(name string) *FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs := p.handles[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Starts counts successful starts of name.
func (p *TestProvider) Starts(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles[name])
}

func (p *TestProvider) Setups(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setups[name]
}

func (p *TestProvider) Teardowns(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardowns[name]
}
