package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/binarydrop/internal/app"
	"github.com/loykin/binarydrop/internal/store/storetest"
)

func TestSQLiteContract(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, db)
}

func TestSQLiteFileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binarydrop.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	a := app.New("persisted", 8000)
	a.SetState(app.StateRunning)
	if err := db.Save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}
	got, err := db2.GetByName(ctx, "persisted")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != app.StateRunning || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
}

func TestEmptyPath(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
