package detector

import (
	"fmt"
	"time"
)

// DefaultTolerance is the allowed gap between a recorded run start and the
// start time the OS reports for its PID.
const DefaultTolerance = 2 * time.Second

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// RunDetector reports whether PID still belongs to the run started at
// StartedAt. A live PID whose OS start time differs by more than Tolerance
// was reused by another process and is reported as not running.
type RunDetector struct {
	PID       int
	StartedAt time.Time
	Tolerance time.Duration
}

func (d RunDetector) Alive() (bool, error) {
	if !pidAlive(d.PID) {
		return false, nil
	}
	if d.StartedAt.IsZero() {
		return true, nil
	}
	started := StartTime(d.PID)
	if started.IsZero() {
		// start time unavailable; trust the pid
		return true, nil
	}
	tol := d.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	diff := started.Sub(d.StartedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol, nil
}

func (d RunDetector) Describe() string {
	return fmt.Sprintf("pid:%d started:%s", d.PID, d.StartedAt.UTC().Format(time.RFC3339))
}

// StartTime returns when pid was started with second precision, or the zero
// time when unknown.
func StartTime(pid int) time.Time {
	if s := procStartUnix(pid); s > 0 {
		return time.Unix(s, 0)
	}
	return time.Time{}
}
