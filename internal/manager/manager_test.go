package manager

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/paths"
	"github.com/loykin/binarydrop/internal/provider"
	"github.com/loykin/binarydrop/internal/store"
	"github.com/loykin/binarydrop/internal/store/sqlite"
	"github.com/loykin/binarydrop/internal/supervisor"
)

type fixture struct {
	mgr    *Manager
	sup    *supervisor.Supervisor
	st     store.Store
	prov   *provider.TestProvider
	layout paths.Layout
}

func newFixture(t *testing.T, tune ...func(*supervisor.Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(ctx))

	prov := provider.NewTestProvider()
	o := supervisor.Options{
		Store:        st,
		Provider:     prov,
		RestartDelay: -1,
		BackoffUnit:  time.Millisecond,
		HealthTick:   10 * time.Millisecond,
	}
	for _, fn := range tune {
		fn(&o)
	}
	sup, err := supervisor.New(o)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = sup.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-sup.Done()
	})

	layout := paths.New(t.TempDir())
	mgr, err := New(Options{
		Store:      st,
		Provider:   prov,
		Supervisor: sup,
		Layout:     layout,
		Defaults:   Defaults{Host: "127.0.0.1", RestartPolicy: app.RestartAlways, MaxRestarts: 7, ShutdownTimeout: 3},
	})
	require.NoError(t, err)
	return &fixture{mgr: mgr, sup: sup, st: st, prov: prov, layout: layout}
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, app.StateCreated, a.State)
	assert.Equal(t, paths.DefaultFirstPort, a.Port)
	assert.Equal(t, "127.0.0.1", a.Host)
	assert.Equal(t, app.RestartAlways, a.RestartPolicy)
	require.NotNil(t, a.MaxRestarts)
	assert.Equal(t, 7, *a.MaxRestarts)
	assert.Equal(t, 3, a.ShutdownTimeout)
	assert.Equal(t, app.DefaultStartupTimeout, a.StartupTimeout)
	assert.Equal(t, 1, f.prov.Setups("web"))

	b, err := f.mgr.Create(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, paths.DefaultFirstPort+1, b.Port)

	_, err = f.mgr.Create(ctx, "web")
	require.ErrorIs(t, err, app.ErrAppAlreadyExists)
	assert.Equal(t, app.Conflict, app.KindOf(err))

	for _, bad := range []string{"", "Web", "my app", "../etc", string(make([]byte, 65))} {
		_, err = f.mgr.Create(ctx, bad)
		require.ErrorIs(t, err, app.ErrInvalidAppName, "name %q", bad)
		assert.Equal(t, app.ConfigValidation, app.KindOf(err))
	}
	for _, reserved := range []string{"admin", "admin-api"} {
		_, err = f.mgr.Create(ctx, reserved)
		require.ErrorIs(t, err, app.ErrReservedAppName, "name %q", reserved)
		assert.Equal(t, app.ConfigValidation, app.KindOf(err))
	}
	all, err := f.mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeploy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)

	bin := []byte("#!/bin/sh\necho v1\n")
	res, err := f.mgr.Deploy(ctx, "web", bytes.NewReader(bin))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Restarted)
	assert.Equal(t, sum(bin), res.Hash)
	assert.Equal(t, app.StateDeployed, res.App.State)
	assert.Equal(t, f.layout.BinaryPath("web"), res.App.BinaryPath)

	got, err := os.ReadFile(f.layout.BinaryPath("web"))
	require.NoError(t, err)
	assert.Equal(t, bin, got)
	fi, err := os.Stat(f.layout.BinaryPath("web"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&0o100)

	before, err := f.mgr.Get(ctx, "web")
	require.NoError(t, err)
	res, err = f.mgr.Deploy(ctx, "web", bytes.NewReader(bin))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	after, err := f.mgr.Get(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	entries, err := os.ReadDir(f.layout.AppDir("web"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".upload-")
	}

	_, err = f.mgr.Deploy(ctx, "ghost", bytes.NewReader(bin))
	assert.ErrorIs(t, err, app.ErrAppNotFound)
	_, err = f.mgr.Deploy(ctx, "web", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestDeployRestartsLiveApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)
	_, err = f.mgr.Deploy(ctx, "web", bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, "web"))

	res, err := f.mgr.Deploy(ctx, "web", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Restarted)
	assert.Equal(t, 2, f.prov.Starts("web"))
	assert.Equal(t, app.StateRunning, res.App.State)
	assert.Equal(t, sum([]byte("v2")), res.App.BinaryHash)
}

func TestStartRequiresDeploy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)
	err = f.mgr.Start(ctx, "web")
	require.ErrorIs(t, err, app.ErrAppNotDeployed)
	assert.Equal(t, 0, f.prov.Starts("web"))
}

func TestSetEnv(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)

	a, err := f.mgr.SetEnv(ctx, "web", "GREETING", "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", a.Environment["GREETING"])

	a, err = f.mgr.SetEnv(ctx, "web", "GREETING", "", true)
	require.NoError(t, err)
	assert.NotContains(t, a.Environment, "GREETING")

	for _, key := range []string{"PORT", "APP_NAME", "DATA_DIR", "1BAD", "A-B", ""} {
		_, err = f.mgr.SetEnv(ctx, "web", key, "x", false)
		require.Error(t, err, "key %q", key)
		assert.Equal(t, app.ConfigValidation, app.KindOf(err))
	}
	_, err = f.mgr.SetEnv(ctx, "ghost", "A", "b", false)
	assert.ErrorIs(t, err, app.ErrAppNotFound)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)
	_, err = f.mgr.Deploy(ctx, "web", bytes.NewReader([]byte("bin")))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, "web"))

	err = f.mgr.Delete(ctx, "web")
	require.ErrorIs(t, err, app.ErrAppRunning)
	assert.Equal(t, app.Precondition, app.KindOf(err))

	require.NoError(t, f.mgr.Stop(ctx, "web"))
	a, err := f.mgr.Get(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Delete(ctx, "web"))
	assert.Equal(t, 1, f.prov.Teardowns("web"))

	_, err = f.mgr.Get(ctx, "web")
	assert.ErrorIs(t, err, app.ErrAppNotFound)
	runs, err := f.st.HistoryByAppID(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)

	assert.ErrorIs(t, f.mgr.Delete(ctx, "web"), app.ErrAppNotFound)
}

// crashing deploys and starts svc, then crashes it into a slow restart backoff.
func crashing(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, func(o *supervisor.Options) { o.BackoffUnit = 300 * time.Millisecond })
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "svc")
	require.NoError(t, err)
	_, err = f.mgr.Deploy(ctx, "svc", bytes.NewReader([]byte("bin")))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, "svc"))

	f.prov.Last("svc").Exit(1)
	require.Eventually(t, func() bool {
		a, err := f.mgr.Get(ctx, "svc")
		return err == nil && a.State == app.StateRestarting
	}, 2*time.Second, 5*time.Millisecond)
	return f
}

func TestDeleteWhileRestarting(t *testing.T) {
	f := crashing(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Delete(ctx, "svc"))

	time.Sleep(500 * time.Millisecond)
	_, err := f.mgr.Get(ctx, "svc")
	assert.ErrorIs(t, err, app.ErrAppNotFound)
	assert.False(t, f.sup.IsLive("svc"))
	assert.Equal(t, 1, f.prov.Starts("svc"))
	all, err := f.mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSetEnvWhileRestarting(t *testing.T) {
	f := crashing(t)
	ctx := context.Background()

	_, err := f.mgr.SetEnv(ctx, "svc", "FOO", "bar", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := f.mgr.Get(ctx, "svc")
		return err == nil && a.State == app.StateRunning && f.prov.Starts("svc") == 2
	}, 2*time.Second, 5*time.Millisecond)
	a, err := f.mgr.Get(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "bar", a.Environment["FOO"])
	assert.Equal(t, 1, a.RestartCount)
	assert.Equal(t, "bar", f.prov.LastApp("svc").Environment["FOO"])
}

func TestDeleteNonRunningStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for st := app.StateCreated; st <= app.StateCrashed; st++ {
		if st == app.StateRunning {
			continue
		}
		name := "app-" + st.String()
		a, err := f.mgr.Create(ctx, name)
		require.NoError(t, err)
		a.SetState(st)
		require.NoError(t, f.st.SaveLifecycle(ctx, a))

		require.NoError(t, f.mgr.Delete(ctx, name), "state %s", st)
		_, err = f.mgr.Get(ctx, name)
		assert.ErrorIs(t, err, app.ErrAppNotFound, "state %s", st)
	}
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)
	_, err = f.mgr.Deploy(ctx, "web", bytes.NewReader([]byte("bin")))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, "web"))
	require.NoError(t, f.mgr.Restart(ctx, "web"))

	runs, err := f.mgr.History(ctx, "web", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	runs, err = f.mgr.History(ctx, "web", 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	st, err := f.mgr.Stats(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "web", st.Name)
	assert.Equal(t, app.StateRunning, st.State)
	assert.Equal(t, f.prov.Last("web").PID(), st.PID)
	assert.Equal(t, 2, st.TotalRuns)
	assert.Nil(t, st.Usage)

	_, err = f.mgr.History(ctx, "ghost", 0)
	assert.ErrorIs(t, err, app.ErrAppNotFound)
}

func TestSetHealthCheckAndPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.Create(ctx, "web")
	require.NoError(t, err)

	a, err := f.mgr.SetHealthCheck(ctx, "web", &app.HealthCheck{Type: app.HealthHTTP, Path: "/healthz"})
	require.NoError(t, err)
	require.NotNil(t, a.HealthCheck)
	assert.Equal(t, 200, a.HealthCheck.ExpectedStatus)
	assert.Equal(t, 30, a.HealthCheck.Interval)

	_, err = f.mgr.SetHealthCheck(ctx, "web", &app.HealthCheck{Type: app.HealthCommand})
	require.Error(t, err)
	assert.Equal(t, app.ConfigValidation, app.KindOf(err))

	a, err = f.mgr.SetHealthCheck(ctx, "web", nil)
	require.NoError(t, err)
	assert.Nil(t, a.HealthCheck)

	a, err = f.mgr.SetRestartPolicy(ctx, "web", app.RestartNever, nil)
	require.NoError(t, err)
	assert.Equal(t, app.RestartNever, a.RestartPolicy)
	assert.Nil(t, a.MaxRestarts)

	neg := -1
	_, err = f.mgr.SetRestartPolicy(ctx, "web", app.RestartAlways, &neg)
	assert.Equal(t, app.ConfigValidation, app.KindOf(err))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
