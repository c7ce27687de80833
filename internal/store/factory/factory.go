package factory

import (
	"fmt"
	"strings"

	"github.com/loykin/binarydrop/internal/store"
	pg "github.com/loykin/binarydrop/internal/store/postgres"
	sq "github.com/loykin/binarydrop/internal/store/sqlite"
)

// NewFromDSN opens the catalog store named by dsn:
//
//	sqlite://<path>         modernc sqlite file (or sqlite://:memory:)
//	postgres://...          pgx; postgresql:// is accepted too
//	<path>                  no scheme means a sqlite file
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, fmt.Errorf("store: empty DSN")
	}
	scheme, rest, ok := strings.Cut(d, "://")
	if !ok {
		return sq.New(d)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return pg.New(d)
	case "sqlite", "sqlite3":
		return sq.New(rest)
	}
	return nil, fmt.Errorf("store: unsupported DSN scheme %q", scheme)
}
