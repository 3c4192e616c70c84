package store

import (
	"context"
	"time"

	"github.com/tnorth/btcfleet/internal/core/deployplan"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for convergence state.
type Store interface {
	// Applied fingerprint tracking. AppliedFingerprint returns
	// ErrNotFound for hosts that were never deployed.
	AppliedFingerprint(ctx context.Context, host string) (string, error)
	AppliedFingerprints(ctx context.Context) (map[string]string, error)
	SetAppliedFingerprint(ctx context.Context, host, fingerprint, runID string) error

	// Run history: one run row per deploy invocation, one outcome row
	// per targeted host.
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time) error
	RecordOutcome(ctx context.Context, runID string, outcome deployplan.Outcome) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListOutcomes(ctx context.Context, runID string) ([]deployplan.Outcome, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Run
// =============================================================================

// Run is one deploy invocation.
type Run struct {
	ID         string
	Selector   string
	StartedAt  time.Time
	FinishedAt *time.Time
}
