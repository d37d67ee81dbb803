package interfaces

import (
	"context"

	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// LedgerRepository persists sync ledger entries, one per (kind, entityID).
// All mutations are idempotent upserts; concurrent increments on the same
// key serialize so the local version never regresses.
type LedgerRepository interface {
	// GetOrCreate returns the entry, creating it with LocalVersion=1,
	// CloudVersion=0 and status pending_up on first sight.
	GetOrCreate(ctx context.Context, kind types.EntityKind, entityID string) (*model.SyncLedgerEntry, error)

	// MarkSynced records a successful cloud write of the given version.
	// A version below the recorded cloud version is rejected with
	// model.ErrStaleWrite.
	MarkSynced(ctx context.Context, kind types.EntityKind, entityID string, version int) error

	// IncrementLocalVersion bumps the local version and recomputes status.
	// Returns the new version.
	IncrementLocalVersion(ctx context.Context, kind types.EntityKind, entityID string) (int, error)

	// MarkConflict flags the entry for resolution
	MarkConflict(ctx context.Context, kind types.EntityKind, entityID string) error

	// ListPending returns all entries with status pending_up
	ListPending(ctx context.Context) ([]*model.SyncLedgerEntry, error)

	// Stats summarizes ledger state
	Stats(ctx context.Context) (*model.LedgerStats, error)
}

// Repository aggregates the persistence backends
type Repository interface {
	Ledger() LedgerRepository
	Close() error
}
