package provider

import (
	"context"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/detector"
	"github.com/loykin/binarydrop/internal/process"
)

// ReapOrphan stops the process recorded in a.PID when it is still the one
// started for run. It reports whether a process was stopped.
func (p *CommandProvider) ReapOrphan(_ context.Context, a *app.App, run *app.ProcessHistory) (bool, error) {
	if a.PID == nil || *a.PID <= 0 {
		return false, nil
	}
	d := detector.RunDetector{PID: *a.PID}
	if run != nil {
		d.StartedAt = run.StartedAt
	}
	alive := func() bool {
		ok, _ := d.Alive()
		return ok
	}
	if !alive() {
		return false, nil
	}
	timeout := time.Duration(a.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = app.DefaultShutdownTimeout * time.Second
	}
	p.logger.Warn("stopping orphaned process", "app", a.Name, "pid", *a.PID, "detector", d.Describe())
	if err := process.StopOrphan(*a.PID, timeout, alive); err != nil {
		return false, err
	}
	return true, nil
}
