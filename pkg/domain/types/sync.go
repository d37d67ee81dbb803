package types

// SyncStatus is the per-record mirror state carried on a CompactedMemory
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
)

// IsValid checks if the sync status is valid
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncConflict:
		return true
	default:
		return false
	}
}

// LedgerStatus is the reconciliation state of a sync ledger entry
type LedgerStatus string

const (
	LedgerPendingUp LedgerStatus = "pending_up"
	LedgerSynced    LedgerStatus = "synced"
	LedgerConflict  LedgerStatus = "conflict"
)

// IsValid checks if the ledger status is valid
func (s LedgerStatus) IsValid() bool {
	switch s {
	case LedgerPendingUp, LedgerSynced, LedgerConflict:
		return true
	default:
		return false
	}
}

// SyncDirection records which way the last reconciliation moved data
type SyncDirection string

const (
	DirectionUp       SyncDirection = "up"
	DirectionDown     SyncDirection = "down"
	DirectionConflict SyncDirection = "conflict"
)
