package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/supervisor"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{app.E("get", "a", app.ErrAppNotFound), http.StatusNotFound},
		{app.E("logs", "a", app.ErrLogNotFound), http.StatusNotFound},
		{app.E("create", "a", app.ErrAppAlreadyExists), http.StatusBadRequest},
		{app.E("start", "a", app.ErrAppNotDeployed), http.StatusBadRequest},
		{app.E("delete", "a", app.ErrAppRunning), http.StatusBadRequest},
		{app.E("create", "A", app.ErrInvalidAppName), http.StatusBadRequest},
		{app.Wrap(app.ProcessFailure, "start", "a", errors.New("exec")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", supervisor.ErrShuttingDown), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"": false, "true": true, "1": true, "false": false} {
		got, err := parseBool(in)
		if err != nil || got != want {
			t.Fatalf("parseBool(%q)=%v,%v", in, got, err)
		}
	}
	if _, err := parseBool("yes please"); err == nil {
		t.Fatalf("expected error")
	}
}
