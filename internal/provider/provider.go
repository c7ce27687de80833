package provider

import (
	"context"
	"time"

	"github.com/loykin/binarydrop/internal/app"
)

// Handle is a live process started by a Provider.
type Handle interface {
	PID() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed.
	ExitCode() int
	// Stop asks the process to terminate and escalates to a forced kill after
	// timeout. It returns after the process has exited.
	Stop(timeout time.Duration) error
}

// Provider allocates resources for apps and launches their processes.
type Provider interface {
	// Setup runs once at creation time and may update the record (port, paths).
	Setup(ctx context.Context, a *app.App) (*app.App, error)
	Start(ctx context.Context, a *app.App) (Handle, error)
	// Teardown releases everything Setup allocated.
	Teardown(ctx context.Context, a *app.App) (*app.App, error)
}

// PortSource lists ports already assigned to apps.
type PortSource interface {
	UsedPorts(ctx context.Context) ([]int, error)
}

// OrphanReaper is implemented by providers whose processes can outlive the
// daemon. Before a warm restore the supervisor asks it to stop the process
// recorded for run, if that process is still alive.
type OrphanReaper interface {
	ReapOrphan(ctx context.Context, a *app.App, run *app.ProcessHistory) (bool, error)
}
