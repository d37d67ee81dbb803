package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

type ledgerKey struct {
	kind     types.EntityKind
	entityID string
}

type ledgerRepository struct {
	mu      sync.Mutex
	entries map[ledgerKey]*model.SyncLedgerEntry
}

func newLedgerRepository() *ledgerRepository {
	return &ledgerRepository{
		entries: make(map[ledgerKey]*model.SyncLedgerEntry),
	}
}

func copyEntry(e *model.SyncLedgerEntry) *model.SyncLedgerEntry {
	copied := *e
	return &copied
}

// getOrCreateLocked returns the live entry, creating the default on first
// sight. Caller must hold mu.
func (r *ledgerRepository) getOrCreateLocked(kind types.EntityKind, entityID string) *model.SyncLedgerEntry {
	key := ledgerKey{kind: kind, entityID: entityID}
	if e, exists := r.entries[key]; exists {
		return e
	}

	e := &model.SyncLedgerEntry{
		Kind:         kind,
		EntityID:     entityID,
		LocalVersion: 1,
		CloudVersion: 0,
		Status:       types.LedgerPendingUp,
	}
	r.entries[key] = e
	return e
}

func (r *ledgerRepository) GetOrCreate(ctx context.Context, kind types.EntityKind, entityID string) (*model.SyncLedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return copyEntry(r.getOrCreateLocked(kind, entityID)), nil
}

func (r *ledgerRepository) MarkSynced(ctx context.Context, kind types.EntityKind, entityID string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreateLocked(kind, entityID)
	if version < e.CloudVersion {
		return goerr.Wrap(model.ErrStaleWrite, "cloud version regression",
			goerr.V("kind", kind), goerr.V("entityID", entityID),
			goerr.V("version", version), goerr.V("cloudVersion", e.CloudVersion))
	}
	e.CloudVersion = version
	if e.LocalVersion < version {
		// Cloud adoption path: raise local to match, never regress.
		e.LocalVersion = version
	}
	if e.LocalVersion == e.CloudVersion {
		e.Status = types.LedgerSynced
	} else {
		e.Status = types.LedgerPendingUp
	}
	e.Direction = types.DirectionUp
	e.LastSyncAt = time.Now().UTC()
	return nil
}

func (r *ledgerRepository) IncrementLocalVersion(ctx context.Context, kind types.EntityKind, entityID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreateLocked(kind, entityID)
	e.LocalVersion++
	if e.CloudVersion < e.LocalVersion {
		e.Status = types.LedgerPendingUp
	} else {
		e.Status = types.LedgerSynced
	}
	return e.LocalVersion, nil
}

func (r *ledgerRepository) MarkConflict(ctx context.Context, kind types.EntityKind, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreateLocked(kind, entityID)
	e.Status = types.LedgerConflict
	e.Direction = types.DirectionConflict
	return nil
}

func (r *ledgerRepository) ListPending(ctx context.Context) ([]*model.SyncLedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.SyncLedgerEntry
	for _, e := range r.entries {
		if e.Status == types.LedgerPendingUp {
			result = append(result, copyEntry(e))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].EntityID < result[j].EntityID
	})

	return result, nil
}

func (r *ledgerRepository) Stats(ctx context.Context) (*model.LedgerStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &model.LedgerStats{Total: len(r.entries)}
	for _, e := range r.entries {
		switch e.Status {
		case types.LedgerSynced:
			stats.Synced++
		case types.LedgerPendingUp:
			stats.PendingUp++
		case types.LedgerConflict:
			stats.Conflicts++
		}
	}
	return stats, nil
}
