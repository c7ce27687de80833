// Package storetest holds a behavioural test suite shared by every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/store"
)

// Run exercises the full store contract against s. The schema must already exist.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing app is not found", func(t *testing.T) {
		_, err := s.GetByName(ctx, "ghost")
		if !store.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	a := app.New("svc1", 8000)
	a.Environment["GREETING"] = "hello"
	a.HealthCheck = &app.HealthCheck{Type: app.HealthHTTP, Path: "/health", ExpectedStatus: 200, Interval: 5, Timeout: 1, Retries: 2}

	t.Run("save and read back", func(t *testing.T) {
		if err := s.Save(ctx, a); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.GetByName(ctx, "svc1")
		if err != nil {
			t.Fatalf("get by name: %v", err)
		}
		if got.ID != a.ID || got.State != app.StateCreated || got.Port != 8000 || got.Host != "localhost" {
			t.Fatalf("unexpected record: %+v", got)
		}
		if got.Environment["GREETING"] != "hello" {
			t.Fatalf("environment not persisted: %+v", got.Environment)
		}
		if got.HealthCheck == nil || got.HealthCheck.Path != "/health" || got.HealthCheck.Retries != 2 {
			t.Fatalf("health check not persisted: %+v", got.HealthCheck)
		}
		if got.PID != nil || got.LastExitCode != nil || got.BinaryPath != "" {
			t.Fatalf("optional fields should be empty: %+v", got)
		}
		if got.MaxRestarts == nil || *got.MaxRestarts != app.DefaultMaxRestarts {
			t.Fatalf("max restarts not persisted: %v", got.MaxRestarts)
		}
	})

	t.Run("save upserts by id", func(t *testing.T) {
		a.BinaryPath = "/data/apps/svc1/app"
		a.BinaryHash = "abc"
		a.SetState(app.StateRunning)
		a.SetPID(4321)
		a.RecordExit(3, time.Now())
		a.SetPID(4321)
		a.RestartCount = 2
		if err := s.Save(ctx, a); err != nil {
			t.Fatalf("save: %v", err)
		}
		all, err := s.GetAll(ctx)
		if err != nil {
			t.Fatalf("get all: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("expected a single record after upsert, got %d", len(all))
		}
		got := all[0]
		if got.State != app.StateRunning || got.PID == nil || *got.PID != 4321 || got.RestartCount != 2 {
			t.Fatalf("unexpected record: %+v", got)
		}
		if got.LastExitCode == nil || *got.LastExitCode != 3 || got.LastExitTime == nil {
			t.Fatalf("exit info not persisted: %+v", got)
		}
	})

	b := app.New("svc2", 8001)
	t.Run("get by state and used ports", func(t *testing.T) {
		if err := s.Save(ctx, b); err != nil {
			t.Fatalf("save: %v", err)
		}
		running, err := s.GetByState(ctx, app.StateRunning)
		if err != nil {
			t.Fatalf("get by state: %v", err)
		}
		if len(running) != 1 || running[0].Name != "svc1" {
			t.Fatalf("unexpected running set: %+v", running)
		}
		ports, err := s.UsedPorts(ctx)
		if err != nil {
			t.Fatalf("used ports: %v", err)
		}
		if len(ports) != 2 || ports[0] != 8000 || ports[1] != 8001 {
			t.Fatalf("unexpected ports: %v", ports)
		}
	})

	t.Run("lifecycle and settings updates touch disjoint fields", func(t *testing.T) {
		// a stale copy carries an outdated environment and state
		stale, err := s.GetByName(ctx, "svc2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		edited := stale.Clone()
		edited.Environment["FOO"] = "bar"
		edited.BinaryPath = "/data/apps/svc2/app"
		if err := s.SaveSettings(ctx, edited); err != nil {
			t.Fatalf("save settings: %v", err)
		}
		stale.SetState(app.StateRestarting)
		stale.RestartCount = 1
		if err := s.SaveLifecycle(ctx, stale); err != nil {
			t.Fatalf("save lifecycle: %v", err)
		}
		got, err := s.GetByName(ctx, "svc2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != app.StateRestarting || got.RestartCount != 1 {
			t.Fatalf("lifecycle not persisted: %+v", got)
		}
		if got.Environment["FOO"] != "bar" || got.BinaryPath != "/data/apps/svc2/app" {
			t.Fatalf("lifecycle update overwrote settings: %+v", got)
		}
	})

	t.Run("history open, close and order", func(t *testing.T) {
		h1 := app.NewHistory(a.ID)
		h1.StartedAt = time.Now().Add(-time.Minute).UTC()
		if err := s.SaveHistory(ctx, h1); err != nil {
			t.Fatalf("open h1: %v", err)
		}
		code := 1
		h1.Close(&code, app.ReasonCrashed)
		if err := s.SaveHistory(ctx, h1); err != nil {
			t.Fatalf("close h1: %v", err)
		}
		h2 := app.NewHistory(a.ID)
		if err := s.SaveHistory(ctx, h2); err != nil {
			t.Fatalf("open h2: %v", err)
		}
		hb := app.NewHistory(b.ID)
		if err := s.SaveHistory(ctx, hb); err != nil {
			t.Fatalf("open hb: %v", err)
		}

		list, err := s.HistoryByAppID(ctx, a.ID)
		if err != nil {
			t.Fatalf("history by app: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(list))
		}
		if list[0].ID != h2.ID || !list[0].Open() {
			t.Fatalf("newest entry must come first and be open: %+v", list[0])
		}
		if list[1].ExitCode == nil || *list[1].ExitCode != 1 || list[1].ExitReason != app.ReasonCrashed || list[1].EndedAt == nil {
			t.Fatalf("closed entry not persisted: %+v", list[1])
		}

		recent, err := s.RecentHistory(ctx, 2)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(recent) != 2 {
			t.Fatalf("limit not honored: %d", len(recent))
		}
	})

	t.Run("delete cascades history", func(t *testing.T) {
		if err := s.DeleteByID(ctx, a.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.GetByName(ctx, "svc1"); !store.IsNotFound(err) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		list, err := s.HistoryByAppID(ctx, a.ID)
		if err != nil {
			t.Fatalf("history by app: %v", err)
		}
		if len(list) != 0 {
			t.Fatalf("history should be gone, got %d rows", len(list))
		}
		n, err := s.DeleteHistoryByAppID(ctx, b.ID)
		if err != nil || n != 1 {
			t.Fatalf("delete history by app: n=%d err=%v", n, err)
		}
	})

	t.Run("updates never recreate a deleted record", func(t *testing.T) {
		a.SetState(app.StateRunning)
		if err := s.SaveLifecycle(ctx, a); !store.IsNotFound(err) {
			t.Fatalf("expected not found from lifecycle update, got %v", err)
		}
		if err := s.SaveSettings(ctx, a); !store.IsNotFound(err) {
			t.Fatalf("expected not found from settings update, got %v", err)
		}
		if _, err := s.GetByName(ctx, "svc1"); !store.IsNotFound(err) {
			t.Fatalf("record came back: %v", err)
		}
	})
}
