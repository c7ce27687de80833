package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func intp(v int) *int { return &v }

func TestNewDefaults(t *testing.T) {
	a := New("svc1", 8000)
	if a.ID == "" || a.Name != "svc1" || a.Port != 8000 {
		t.Fatalf("unexpected app: %+v", a)
	}
	if a.State != StateCreated {
		t.Fatalf("expected created, got %s", a.State)
	}
	if a.RestartPolicy != RestartOnFailure || a.MaxRestarts == nil || *a.MaxRestarts != 5 {
		t.Fatalf("unexpected restart defaults: %v %v", a.RestartPolicy, a.MaxRestarts)
	}
	if a.StartupTimeout != 30 || a.ShutdownTimeout != 10 || a.Host != "localhost" {
		t.Fatalf("unexpected timeouts/host: %+v", a)
	}
	if a.Deployed() {
		t.Fatalf("fresh app must not be deployed")
	}
	if b := New("svc1", 8000); b.ID == a.ID {
		t.Fatalf("ids must be unique")
	}
}

func TestValidateName(t *testing.T) {
	ok := []string{"a", "svc1", "my_app-2", strings.Repeat("x", 64)}
	for _, n := range ok {
		if err := ValidateName(n); err != nil {
			t.Fatalf("expected %q valid: %v", n, err)
		}
	}
	bad := []string{"", "Upper", "has space", "dot.name", "../etc", strings.Repeat("x", 65), "ünï"}
	for _, n := range bad {
		err := ValidateName(n)
		if err == nil {
			t.Fatalf("expected %q invalid", n)
		}
		if !errors.Is(err, ErrInvalidAppName) || KindOf(err) != ConfigValidation {
			t.Fatalf("unexpected error for %q: %v (kind %v)", n, err, KindOf(err))
		}
	}
	for _, n := range []string{"admin", "admin-api"} {
		err := ValidateName(n)
		if !errors.Is(err, ErrReservedAppName) || KindOf(err) != ConfigValidation {
			t.Fatalf("expected %q reserved, got %v (kind %v)", n, err, KindOf(err))
		}
	}
	if err := ValidateName("admin2"); err != nil {
		t.Fatalf("admin2 should be allowed: %v", err)
	}
}

func TestShouldRestart(t *testing.T) {
	cases := []struct {
		policy RestartPolicy
		code   *int
		want   bool
	}{
		{RestartAlways, intp(0), true},
		{RestartAlways, intp(137), true},
		{RestartNever, intp(1), false},
		{RestartOnFailure, intp(0), false},
		{RestartOnFailure, intp(1), true},
		{RestartOnFailure, nil, false},
	}
	for i, c := range cases {
		a := New("x", 1)
		a.RestartPolicy = c.policy
		a.LastExitCode = c.code
		if got := a.ShouldRestart(); got != c.want {
			t.Fatalf("case %d: policy %s code %v: got %v want %v", i, c.policy, c.code, got, c.want)
		}
	}
}

func TestReachedMaxRestarts(t *testing.T) {
	a := New("x", 1)
	a.MaxRestarts = intp(2)
	a.RestartCount = 1
	if a.ReachedMaxRestarts() {
		t.Fatalf("1 < 2 must not be reached")
	}
	a.RestartCount = 2
	if !a.ReachedMaxRestarts() {
		t.Fatalf("2 >= 2 must be reached")
	}
	a.MaxRestarts = nil
	a.RestartCount = 1000
	if a.ReachedMaxRestarts() {
		t.Fatalf("no cap means never reached")
	}
}

func TestStateRoundTrip(t *testing.T) {
	for s := StateCreated; s <= StateCrashed; s++ {
		if ParseState(s.String()) != s {
			t.Fatalf("round trip failed for %s", s)
		}
	}
	if ParseState("bogus") != StateCreated {
		t.Fatalf("unknown state must parse to created")
	}
	if !StateRunning.Live() || StateStopped.Live() {
		t.Fatalf("unexpected Live() result")
	}
}

func TestParseRestartPolicy(t *testing.T) {
	if p, ok := ParseRestartPolicy("always"); !ok || p != RestartAlways {
		t.Fatalf("always: %v %v", p, ok)
	}
	if p, ok := ParseRestartPolicy("on-failure"); !ok || p != RestartOnFailure {
		t.Fatalf("on-failure: %v %v", p, ok)
	}
	if _, ok := ParseRestartPolicy("sometimes"); ok {
		t.Fatalf("expected unknown policy to be rejected")
	}
}

func TestJSONUsesStringForms(t *testing.T) {
	a := New("svc", 8001)
	a.SetState(StateRunning)
	a.RestartPolicy = RestartNever
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"state":"running"`) || !strings.Contains(s, `"restart_policy":"never"`) {
		t.Fatalf("unexpected json: %s", s)
	}
	var back App
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.State != StateRunning || back.RestartPolicy != RestartNever {
		t.Fatalf("unexpected decoded app: %+v", back)
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := New("svc", 8001)
	a.Environment["A"] = "1"
	a.SetPID(42)
	a.HealthCheck = &HealthCheck{Type: HealthCommand, Command: "true", Args: []string{"x"}}
	c := a.Clone()
	c.Environment["A"] = "2"
	*c.PID = 7
	c.HealthCheck.Args[0] = "y"
	if a.Environment["A"] != "1" || *a.PID != 42 || a.HealthCheck.Args[0] != "x" {
		t.Fatalf("clone shares state with original: %+v", a)
	}
}

func TestHistoryClose(t *testing.T) {
	h := NewHistory("app-1")
	if !h.Open() {
		t.Fatalf("new history must be open")
	}
	h.Close(intp(3), ExitReason(3))
	if h.Open() || *h.ExitCode != 3 || h.ExitReason != ReasonCrashed {
		t.Fatalf("unexpected closed history: %+v", h)
	}
	if ExitReason(0) != ReasonCleanExit {
		t.Fatalf("exit 0 must be a clean exit")
	}
}

func TestErrorKinds(t *testing.T) {
	err := E("start", "svc", ErrAppNotDeployed)
	if !errors.Is(err, ErrAppNotDeployed) {
		t.Fatalf("errors.Is must see the sentinel")
	}
	if KindOf(err) != Precondition {
		t.Fatalf("expected precondition, got %v", KindOf(err))
	}
	wrapped := fmt.Errorf("api: %w", E("get", "svc", ErrAppNotFound))
	if KindOf(wrapped) != NotFound {
		t.Fatalf("expected not found through wrapping")
	}
	if KindOf(errors.New("disk on fire")) != Infrastructure {
		t.Fatalf("unclassified errors are infrastructure")
	}
	if got := E("start", "svc", ErrAppAlreadyRunning).Error(); !strings.Contains(got, `"svc"`) {
		t.Fatalf("message should name the app: %s", got)
	}
}

func TestHealthCheckDefaults(t *testing.T) {
	h := HealthCheck{}.WithDefaults()
	if h.Type != HealthHTTP || h.Path != "/" || h.ExpectedStatus != 200 || h.Interval != 30 || h.Timeout != 5 || h.Retries != 3 {
		t.Fatalf("unexpected defaults: %+v", h)
	}
	if err := (HealthCheck{Type: HealthCommand}).Validate(); err == nil {
		t.Fatalf("command check without command must fail")
	}
	if err := (HealthCheck{Type: "udp"}).Validate(); err == nil {
		t.Fatalf("unknown type must fail")
	}
}
