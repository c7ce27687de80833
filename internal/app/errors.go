package app

import (
	"errors"
	"fmt"
)

// Kind classifies errors for callers that need to map them (HTTP status, CLI exit code).
type Kind int

const (
	Infrastructure Kind = iota
	NotFound
	Conflict
	Precondition
	ProcessFailure
	ConfigValidation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Precondition:
		return "precondition"
	case ProcessFailure:
		return "process failure"
	case ConfigValidation:
		return "config validation"
	default:
		return "infrastructure"
	}
}

var (
	ErrAppNotFound       = errors.New("app not found")
	ErrAppAlreadyExists  = errors.New("app already exists")
	ErrAppAlreadyRunning = errors.New("app already running")
	ErrAppNotDeployed    = errors.New("app not deployed")
	ErrAppRunning        = errors.New("app is running")
	ErrAppStartFailed    = errors.New("app start failed")
	ErrInvalidAppName    = errors.New("invalid app name: use 1-64 characters from [a-z0-9_-]")
	ErrReservedAppName   = errors.New("app name is reserved by the gateway")
	ErrLogNotFound       = errors.New("log file not found")
	ErrBinaryNotFound    = errors.New("binary not found")
)

var kinds = map[error]Kind{
	ErrAppNotFound:       NotFound,
	ErrAppAlreadyExists:  Conflict,
	ErrAppAlreadyRunning: Conflict,
	ErrAppNotDeployed:    Precondition,
	ErrAppRunning:        Precondition,
	ErrAppStartFailed:    ProcessFailure,
	ErrInvalidAppName:    ConfigValidation,
	ErrReservedAppName:   ConfigValidation,
	ErrLogNotFound:       NotFound,
	ErrBinaryNotFound:    NotFound,
}

// Error carries the kind, the failing operation and the app it concerns.
type Error struct {
	Kind Kind
	Op   string
	App  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.App != "" && e.Op != "":
		return fmt.Sprintf("%s %q: %v", e.Op, e.App, e.Err)
	case e.App != "":
		return fmt.Sprintf("%q: %v", e.App, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error whose kind is derived from the sentinel err wraps.
func E(op, name string, err error) *Error {
	return &Error{Kind: KindOf(err), Op: op, App: name, Err: err}
}

// Wrap classifies an underlying failure with an explicit kind.
func Wrap(kind Kind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, App: name, Err: err}
}

// KindOf returns the kind of err, Infrastructure when it carries none.
func KindOf(err error) Kind {
	if err == nil {
		return Infrastructure
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	for sentinel, k := range kinds {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return Infrastructure
}
