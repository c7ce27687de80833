package client

import "time"

// App mirrors the JSON record returned by the admin API.
type App struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	State           string            `json:"state"`
	BinaryPath      string            `json:"binary_path,omitempty"`
	BinaryHash      string            `json:"binary_hash,omitempty"`
	Port            int               `json:"port"`
	Host            string            `json:"host"`
	Environment     map[string]string `json:"environment"`
	PID             *int              `json:"process_id,omitempty"`
	RestartPolicy   string            `json:"restart_policy"`
	MaxRestarts     *int              `json:"max_restarts,omitempty"`
	RestartCount    int               `json:"restart_count"`
	LastExitCode    *int              `json:"last_exit_code,omitempty"`
	LastExitTime    *time.Time        `json:"last_exit_time,omitempty"`
	StartupTimeout  int               `json:"startup_timeout"`
	ShutdownTimeout int               `json:"shutdown_timeout"`
	HealthCheck     *HealthCheck      `json:"health_check,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HealthCheck durations are in seconds.
type HealthCheck struct {
	Type            string   `json:"type"`
	Path            string   `json:"path,omitempty"`
	ExpectedStatus  int      `json:"expected_status,omitempty"`
	Command         string   `json:"command,omitempty"`
	Args            []string `json:"args,omitempty"`
	SuccessExitCode int      `json:"success_exit_code,omitempty"`
	Interval        int      `json:"interval"`
	Timeout         int      `json:"timeout"`
	Retries         int      `json:"retries"`
	StartPeriod     int      `json:"start_period"`
}

type DeployResult struct {
	App       *App   `json:"app"`
	Hash      string `json:"hash"`
	Changed   bool   `json:"changed"`
	Restarted bool   `json:"restarted"`
}

// Run is one entry of an app's process history.
type Run struct {
	ID         string     `json:"id"`
	AppID      string     `json:"app_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
}

type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Stats struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	RestartCount  int        `json:"restart_count"`
	LastExitCode  *int       `json:"last_exit_code,omitempty"`
	LastExitTime  *time.Time `json:"last_exit_time,omitempty"`
	TotalRuns     int        `json:"total_runs"`
	Usage         *Usage     `json:"usage,omitempty"`
}

type HealthResult struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type createRequest struct {
	Name string `json:"name"`
}

type envRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Delete bool   `json:"delete"`
}

type policyRequest struct {
	RestartPolicy string `json:"restart_policy"`
	MaxRestarts   *int   `json:"max_restarts,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
