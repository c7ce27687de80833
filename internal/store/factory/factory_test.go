package factory

import (
	"testing"

	"github.com/loykin/binarydrop/internal/store"
)

func dialectOf(t *testing.T, s store.Store) string {
	t.Helper()
	sq, ok := s.(*store.SQL)
	if !ok {
		t.Fatalf("unexpected store type %T", s)
	}
	return sq.Dialect()
}

func TestFactoryDSNSelection(t *testing.T) {
	if _, err := NewFromDSN("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	// sql.Open does not connect, so a postgres DSN works without a server
	pg, err := NewFromDSN("postgres://user@localhost/db")
	if err != nil || pg == nil {
		t.Fatalf("postgres dsn: err=%v obj=%T", err, pg)
	}
	if d := dialectOf(t, pg); d != "postgres" {
		t.Fatalf("expected postgres dialect, got %s", d)
	}
	_ = pg.Close()

	s1, err := NewFromDSN("sqlite://:memory:")
	if err != nil || s1 == nil {
		t.Fatalf("sqlite scheme: err=%v obj=%T", err, s1)
	}
	if d := dialectOf(t, s1); d != "sqlite" {
		t.Fatalf("expected sqlite dialect, got %s", d)
	}
	_ = s1.Close()

	s2, err := NewFromDSN(":memory:")
	if err != nil || s2 == nil {
		t.Fatalf("bare sqlite: err=%v obj=%T", err, s2)
	}
	_ = s2.Close()
}

func TestFactoryRejectsUnknownScheme(t *testing.T) {
	if _, err := NewFromDSN("mysql://root@localhost/apps"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
