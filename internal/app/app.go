package app

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Default values applied by New.
const (
	DefaultHost            = "localhost"
	DefaultMaxRestarts     = 5
	DefaultStartupTimeout  = 30 // seconds
	DefaultShutdownTimeout = 10 // seconds
	MaxNameLength          = 64
)

var nameRe = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Host labels the gateway keeps for its own dashboard and admin API.
const (
	ReservedAdminName    = "admin"
	ReservedAdminAPIName = "admin-api"
)

// App is the persisted record of one managed application.
type App struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	State           State             `json:"state"`
	BinaryPath      string            `json:"binary_path,omitempty"`
	BinaryHash      string            `json:"binary_hash,omitempty"`
	Port            int               `json:"port"`
	Host            string            `json:"host"`
	Environment     map[string]string `json:"environment"`
	PID             *int              `json:"process_id,omitempty"`
	RestartPolicy   RestartPolicy     `json:"restart_policy"`
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

// New returns a freshly created record with defaults applied.
func New(name string, port int) *App {
	now := time.Now().UTC()
	maxRestarts := DefaultMaxRestarts
	return &App{
		ID:              uuid.NewString(),
		Name:            name,
		State:           StateCreated,
		Port:            port,
		Host:            DefaultHost,
		Environment:     map[string]string{},
		RestartPolicy:   RestartOnFailure,
		MaxRestarts:     &maxRestarts,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ValidateName checks the charset and length rules for app names and
// rejects the gateway's reserved labels.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return &Error{Kind: ConfigValidation, Op: "validate", App: name, Err: ErrInvalidAppName}
	}
	if name == ReservedAdminName || name == ReservedAdminAPIName {
		return &Error{Kind: ConfigValidation, Op: "validate", App: name, Err: ErrReservedAppName}
	}
	return nil
}

// Deployed reports whether a binary has been deployed.
func (a *App) Deployed() bool { return a.BinaryPath != "" }

// ShouldRestart evaluates the restart policy against the last exit code.
// A missing exit code counts as a clean exit.
func (a *App) ShouldRestart() bool {
	switch a.RestartPolicy {
	case RestartAlways:
		return true
	case RestartNever:
		return false
	default:
		code := 0
		if a.LastExitCode != nil {
			code = *a.LastExitCode
		}
		return code != 0
	}
}

// ReachedMaxRestarts is true when a cap is set and the counter has hit it.
func (a *App) ReachedMaxRestarts() bool {
	return a.MaxRestarts != nil && a.RestartCount >= *a.MaxRestarts
}

// Touch bumps UpdatedAt.
func (a *App) Touch() { a.UpdatedAt = time.Now().UTC() }

// SetState changes the state and bumps UpdatedAt.
func (a *App) SetState(s State) {
	a.State = s
	a.Touch()
}

// SetPID records or clears the live process id.
func (a *App) SetPID(pid int) {
	if pid <= 0 {
		a.PID = nil
		return
	}
	p := pid
	a.PID = &p
}

// RecordExit stores the exit code and time of the last process run.
func (a *App) RecordExit(code int, at time.Time) {
	c := code
	t := at.UTC()
	a.LastExitCode = &c
	a.LastExitTime = &t
	a.PID = nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (a *App) Clone() *App {
	if a == nil {
		return nil
	}
	c := *a
	c.Environment = make(map[string]string, len(a.Environment))
	for k, v := range a.Environment {
		c.Environment[k] = v
	}
	if a.PID != nil {
		v := *a.PID
		c.PID = &v
	}
	if a.MaxRestarts != nil {
		v := *a.MaxRestarts
		c.MaxRestarts = &v
	}
	if a.LastExitCode != nil {
		v := *a.LastExitCode
		c.LastExitCode = &v
	}
	if a.LastExitTime != nil {
		v := *a.LastExitTime
		c.LastExitTime = &v
	}
	if a.HealthCheck != nil {
		hc := *a.HealthCheck
		hc.Args = append([]string(nil), a.HealthCheck.Args...)
		c.HealthCheck = &hc
	}
	return &c
}
