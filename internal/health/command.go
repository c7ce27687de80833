package health

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/env"
	"github.com/loykin/binarydrop/internal/paths"
)

// CommandProbe runs a command with the app's environment and compares its
// exit code against SuccessExitCode.
type CommandProbe struct {
	Env    *env.Env
	Layout paths.Layout
}

// buildShellAwareCommand constructs an *exec.Cmd for a probe command line.
// Avoids invoking a shell unless obvious shell metacharacters are present (G204 mitigation).
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (p CommandProbe) command(ctx context.Context, hc app.HealthCheck) *exec.Cmd {
	if len(hc.Args) == 0 {
		return buildShellAwareCommand(ctx, hc.Command)
	}
	// #nosec G204
	return exec.CommandContext(ctx, hc.Command, hc.Args...)
}

func (p CommandProbe) Check(ctx context.Context, a *app.App, hc app.HealthCheck) error {
	if strings.TrimSpace(hc.Command) == "" {
		return errors.New("command health check requires a command")
	}
	cmd := p.command(ctx, hc)
	dataDir := ""
	if p.Layout.Root != "" {
		dataDir = p.Layout.DataDir(a.Name)
	}
	cmd.Env = p.Env.ForApp(a.Name, a.Port, dataDir, a.Environment)
	cmd.WaitDelay = 500 * time.Millisecond
	err := cmd.Run()
	code := 0
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return fmt.Errorf("%w: %v", ErrUnhealthy, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: timed out", ErrUnhealthy)
		}
		code = ee.ExitCode()
	}
	if code != hc.SuccessExitCode {
		return fmt.Errorf("%w: exit code %d, expected %d", ErrUnhealthy, code, hc.SuccessExitCode)
	}
	return nil
}

func (CommandProbe) Describe(_ *app.App, hc app.HealthCheck) string {
	if len(hc.Args) == 0 {
		return "cmd:" + hc.Command
	}
	return "cmd:" + hc.Command + " " + strings.Join(hc.Args, " ")
}
