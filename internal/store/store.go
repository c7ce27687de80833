package store

import (
	"context"

	"github.com/loykin/binarydrop/internal/app"
)

// AppStore persists AppRecords. GetByName returns an error matching
// app.ErrAppNotFound when no record exists.
type AppStore interface {
	GetByName(ctx context.Context, name string) (*app.App, error)
	GetAll(ctx context.Context) ([]*app.App, error)
	GetByState(ctx context.Context, state app.State) ([]*app.App, error)
	// Save upserts keyed by ID.
	Save(ctx context.Context, a *app.App) error
	// SaveLifecycle writes state, process_id, restart_count, last exit and
	// updated_at of an existing record.
	SaveLifecycle(ctx context.Context, a *app.App) error
	// SaveSettings writes binary, environment, policy, timeouts, health check
	// and updated_at of an existing record.
	SaveSettings(ctx context.Context, a *app.App) error
	// DeleteByID removes the record and all of its history.
	DeleteByID(ctx context.Context, id string) error
	UsedPorts(ctx context.Context) ([]int, error)
}

// HistoryStore persists ProcessHistory rows.
type HistoryStore interface {
	// SaveHistory inserts an open entry or updates a closed one by ID.
	SaveHistory(ctx context.Context, h *app.ProcessHistory) error
	// HistoryByAppID is ordered newest first.
	HistoryByAppID(ctx context.Context, appID string) ([]*app.ProcessHistory, error)
	RecentHistory(ctx context.Context, limit int) ([]*app.ProcessHistory, error)
	DeleteHistoryByAppID(ctx context.Context, appID string) (int64, error)
}

// Store is the full persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	AppStore
	HistoryStore
	EnsureSchema(ctx context.Context) error
	Close() error
}
