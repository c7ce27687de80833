package app

import (
	"time"

	"github.com/google/uuid"
)

// Exit reasons recorded on ProcessHistory rows.
const (
	ReasonCleanExit     = "Clean exit"
	ReasonCrashed       = "Crashed"
	ReasonStoppedByUser = "Stopped by user"
	// ReasonOrphaned closes runs left open by a daemon that did not shut down.
	ReasonOrphaned = "Orphaned"
)

// ProcessHistory is one run of an app's backing process.
// It is open while EndedAt is nil and never changes after being closed.
type ProcessHistory struct {
	ID         string     `json:"id"`
	AppID      string     `json:"app_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
}

// NewHistory opens a run entry for appID.
func NewHistory(appID string) *ProcessHistory {
	return &ProcessHistory{
		ID:        uuid.NewString(),
		AppID:     appID,
		StartedAt: time.Now().UTC(),
	}
}

// Open reports whether the run is still in progress.
func (h *ProcessHistory) Open() bool { return h.EndedAt == nil }

// Close ends the run. code may be nil when the exit status is unknown.
func (h *ProcessHistory) Close(code *int, reason string) {
	now := time.Now().UTC()
	h.EndedAt = &now
	if code != nil {
		c := *code
		h.ExitCode = &c
	}
	h.ExitReason = reason
}

// ExitReason derives the reason string for an unsolicited exit.
func ExitReason(code int) string {
	if code == 0 {
		return ReasonCleanExit
	}
	return ReasonCrashed
}
