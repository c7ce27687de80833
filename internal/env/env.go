package env

import (
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Variables set for every child process. User environment may not override them.
const (
	PortVar    = "PORT"
	AppNameVar = "APP_NAME"
	DataDirVar = "DATA_DIR"
)

var keyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidKey reports whether k is usable as an environment variable name.
func ValidKey(k string) bool { return keyRe.MatchString(k) }

// Reserved reports whether k is managed by the supervisor.
func Reserved(k string) bool {
	switch k {
	case PortVar, AppNameVar, DataDirVar:
		return true
	}
	return false
}

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() { e.env = osVars() }

// Isolate drops the OS environment from the base so children only see
// global and per-app variables.
func (e *Env) Isolate() { e.env = Var{} }

func osVars() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perApp overrides
// Returns a sorted "K=V" slice with ${VAR} expansion performed using the
// composed map (simple expansion, no recursion).
func (e *Env) Merge(perApp Var) []string {
	base := e.env
	if base == nil {
		base = osVars()
	}
	m := make(Var, len(base)+len(e.Var)+len(perApp))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range perApp {
		if k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// ForApp builds the environment of one app process: user entries plus the
// reserved PORT, APP_NAME and DATA_DIR, which always win.
func (e *Env) ForApp(name string, port int, dataDir string, user map[string]string) []string {
	per := make(Var, len(user)+3)
	for k, v := range user {
		if !Reserved(k) {
			per[k] = v
		}
	}
	per[PortVar] = strconv.Itoa(port)
	per[AppNameVar] = name
	per[DataDirVar] = dataDir
	return e.Merge(per)
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
