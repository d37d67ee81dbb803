package model

import (
	"time"

	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// SyncLedgerEntry reconciles local and cloud state for one record. One
// entry per (Kind, EntityID); the single source of truth for whether local
// differs from cloud.
//
// Invariants: LocalVersion >= 1 always; Status == synced implies
// LocalVersion == CloudVersion; LocalVersion never regresses.
type SyncLedgerEntry struct {
	Kind         types.EntityKind    `json:"kind"`
	EntityID     string              `json:"entity_id"`
	LocalVersion int                 `json:"local_version"`
	CloudVersion int                 `json:"cloud_version"`
	LastSyncAt   time.Time           `json:"last_sync_at,omitzero"`
	Direction    types.SyncDirection `json:"direction,omitempty"`
	Status       types.LedgerStatus  `json:"status"`
}

// LedgerStats summarizes ledger state for the status surface
type LedgerStats struct {
	Total     int `json:"total"`
	Synced    int `json:"synced"`
	PendingUp int `json:"pending_up"`
	Conflicts int `json:"conflicts"`
}
