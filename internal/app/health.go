package app

import (
	"fmt"
	"time"
)

// HealthCheckType selects the probe used by a HealthCheck.
type HealthCheckType string

const (
	HealthHTTP    HealthCheckType = "http"
	HealthTCP     HealthCheckType = "tcp"
	HealthCommand HealthCheckType = "command"
)

// HealthCheck configures periodic probing of a running app.
// Interval, Timeout and StartPeriod are seconds.
type HealthCheck struct {
	Type            HealthCheckType `json:"type"`
	Path            string          `json:"path,omitempty"`
	ExpectedStatus  int             `json:"expected_status,omitempty"`
	Command         string          `json:"command,omitempty"`
	Args            []string        `json:"args,omitempty"`
	SuccessExitCode int             `json:"success_exit_code,omitempty"`
	Interval        int             `json:"interval"`
	Timeout         int             `json:"timeout"`
	Retries         int             `json:"retries"`
	StartPeriod     int             `json:"start_period"`
}

// WithDefaults fills zero fields with the documented defaults.
func (h HealthCheck) WithDefaults() HealthCheck {
	if h.Type == "" {
		h.Type = HealthHTTP
	}
	if h.Type == HealthHTTP {
		if h.Path == "" {
			h.Path = "/"
		}
		if h.ExpectedStatus == 0 {
			h.ExpectedStatus = 200
		}
	}
	if h.Interval <= 0 {
		h.Interval = 30
	}
	if h.Timeout <= 0 {
		h.Timeout = 5
	}
	if h.Retries <= 0 {
		h.Retries = 3
	}
	if h.StartPeriod < 0 {
		h.StartPeriod = 0
	}
	return h
}

func (h HealthCheck) Validate() error {
	switch h.Type {
	case HealthHTTP, HealthTCP:
	case HealthCommand:
		if h.Command == "" {
			return fmt.Errorf("command health check requires a command")
		}
	default:
		return fmt.Errorf("unknown health check type %q", h.Type)
	}
	return nil
}

func (h HealthCheck) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

func (h HealthCheck) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

func (h HealthCheck) StartPeriodDuration() time.Duration {
	return time.Duration(h.StartPeriod) * time.Second
}
