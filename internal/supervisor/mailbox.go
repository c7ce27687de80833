package supervisor

import (
	"sync"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/provider"
)

// msgType enumerates the messages handled by the supervisor loop.
type msgType int

const (
	msgStart msgType = iota
	msgStop
	msgRestart
	msgExit
	msgCheckHealth
	msgHealthConfig
	msgHealthResult
	msgJobDone
	msgStats
	msgRunning
	msgRestore
	msgShutdown
)

func (t msgType) String() string {
	switch t {
	case msgStart:
		return "start"
	case msgStop:
		return "stop"
	case msgRestart:
		return "restart"
	case msgExit:
		return "exit"
	case msgCheckHealth:
		return "check-health"
	case msgHealthConfig:
		return "health-config"
	case msgHealthResult:
		return "health-result"
	case msgJobDone:
		return "job-done"
	case msgStats:
		return "stats"
	case msgRunning:
		return "running"
	case msgRestore:
		return "restore"
	case msgShutdown:
		return "shutdown"
	}
	return "unknown"
}

// message is one entry of the supervisor inbox. Only the fields relevant to
// its type are set.
type message struct {
	typ  msgType
	name string
	// exit code for msgExit
	code int
	// handle pins msgExit, msgRestart and msgHealthResult to one process run;
	// nil means whatever run is current.
	handle provider.Handle
	// restore marks starts issued by warm restore
	restore bool
	// manual marks health results of an explicit CheckHealth
	manual bool
	err    error
	health *app.HealthCheck
	result outcome

	reply   chan error
	stats   chan statsReply
	running chan map[string]int
}

// outcome is what a pool job reports back to the loop.
type outcome struct {
	name  string
	entry *entry // new live process to install, if any
	err   error
	reply chan error
}

// entry is the loop-owned record of one live process.
type entry struct {
	handle    provider.Handle
	startedAt time.Time
	run       *app.ProcessHistory

	health    *app.HealthCheck
	nextCheck time.Time
	failures  int
	probing   bool
}

// mailbox is an unbounded FIFO with a single consumer.
type mailbox struct {
	mu     sync.Mutex
	items  []message
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox { return &mailbox{signal: make(chan struct{}, 1)} }

// push appends msg and wakes the consumer. It reports false once closed.
func (m *mailbox) push(msg message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close rejects further pushes and returns whatever was still queued.
func (m *mailbox) close() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}
