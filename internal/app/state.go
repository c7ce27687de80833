package app

import "strings"

// State is the lifecycle state of an app as persisted in the store.
type State int

const (
	StateCreated State = iota
	StateDeployed
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
	StateRestarting
	StateCrashed
)

var stateNames = [...]string{
	StateCreated:    "created",
	StateDeployed:   "deployed",
	StateStarting:   "starting",
	StateRunning:    "running",
	StateStopping:   "stopping",
	StateStopped:    "stopped",
	StateFailed:     "failed",
	StateRestarting: "restarting",
	StateCrashed:    "crashed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState maps the persisted form back to a State. Unknown values read as Created.
func ParseState(s string) State {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, n := range stateNames {
		if n == v {
			return State(i)
		}
	}
	return StateCreated
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	*s = ParseState(string(b))
	return nil
}

// Live reports whether the state implies a backing process is expected to exist.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateRestarting:
		return true
	}
	return false
}

// RestartPolicy decides whether an exited process is brought back automatically.
type RestartPolicy int

const (
	RestartOnFailure RestartPolicy = iota
	RestartAlways
	RestartNever
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartAlways:
		return "always"
	case RestartNever:
		return "never"
	default:
		return "on-failure"
	}
}

// ParseRestartPolicy parses "always", "on-failure" or "never".
// ok is false for anything else, in which case OnFailure is returned.
func ParseRestartPolicy(s string) (RestartPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always":
		return RestartAlways, true
	case "never":
		return RestartNever, true
	case "on-failure", "onfailure", "on_failure":
		return RestartOnFailure, true
	}
	return RestartOnFailure, false
}

func (p RestartPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *RestartPolicy) UnmarshalText(b []byte) error {
	*p, _ = ParseRestartPolicy(string(b))
	return nil
}
