package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

type ledgerRepository struct {
	db *sql.DB
}

func scanEntry(row interface{ Scan(...any) error }) (*model.SyncLedgerEntry, error) {
	var e model.SyncLedgerEntry
	var lastSyncMs int64
	var kind, direction, status string

	if err := row.Scan(&kind, &e.EntityID, &e.LocalVersion, &e.CloudVersion, &lastSyncMs, &direction, &status); err != nil {
		return nil, err
	}

	e.Kind = types.EntityKind(kind)
	e.Direction = types.SyncDirection(direction)
	e.Status = types.LedgerStatus(status)
	if lastSyncMs > 0 {
		e.LastSyncAt = time.UnixMilli(lastSyncMs).UTC()
	}
	return &e, nil
}

const selectEntry = `SELECT kind, entity_id, local_version, cloud_version, last_sync_ms, direction, status FROM sync_ledger`

func (r *ledgerRepository) GetOrCreate(ctx context.Context, kind types.EntityKind, entityID string) (*model.SyncLedgerEntry, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_ledger (kind, entity_id) VALUES (?, ?)
		 ON CONFLICT (kind, entity_id) DO NOTHING`,
		string(kind), entityID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to upsert ledger entry",
			goerr.V("kind", kind), goerr.V("entityID", entityID))
	}

	row := r.db.QueryRowContext(ctx, selectEntry+` WHERE kind = ? AND entity_id = ?`, string(kind), entityID)
	e, err := scanEntry(row)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read ledger entry",
			goerr.V("kind", kind), goerr.V("entityID", entityID))
	}
	return e, nil
}

func (r *ledgerRepository) MarkSynced(ctx context.Context, kind types.EntityKind, entityID string, version int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin ledger transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var cloudVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT cloud_version FROM sync_ledger WHERE kind = ? AND entity_id = ?`,
		string(kind), entityID).Scan(&cloudVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return goerr.Wrap(err, "failed to read ledger entry",
			goerr.V("kind", kind), goerr.V("entityID", entityID))
	}
	if err == nil && version < cloudVersion {
		return goerr.Wrap(model.ErrStaleWrite, "cloud version regression",
			goerr.V("kind", kind), goerr.V("entityID", entityID),
			goerr.V("version", version), goerr.V("cloudVersion", cloudVersion))
	}

	nowMs := time.Now().UTC().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_ledger (kind, entity_id, local_version, cloud_version, last_sync_ms, direction, status)
		 VALUES (?, ?, MAX(1, ?), ?, ?, 'up', 'synced')
		 ON CONFLICT (kind, entity_id) DO UPDATE SET
			cloud_version = excluded.cloud_version,
			local_version = MAX(local_version, excluded.cloud_version),
			last_sync_ms  = excluded.last_sync_ms,
			direction     = 'up',
			status        = CASE WHEN MAX(local_version, excluded.cloud_version) = excluded.cloud_version
							THEN 'synced' ELSE 'pending_up' END`,
		string(kind), entityID, version, version, nowMs)
	if err != nil {
		return goerr.Wrap(err, "failed to mark ledger entry synced",
			goerr.V("kind", kind), goerr.V("entityID", entityID), goerr.V("version", version))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit ledger transaction")
	}
	return nil
}

func (r *ledgerRepository) IncrementLocalVersion(ctx context.Context, kind types.EntityKind, entityID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to begin ledger transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_ledger (kind, entity_id) VALUES (?, ?)
		 ON CONFLICT (kind, entity_id) DO NOTHING`,
		string(kind), entityID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to upsert ledger entry",
			goerr.V("kind", kind), goerr.V("entityID", entityID))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_ledger SET
			local_version = local_version + 1,
			status = CASE WHEN cloud_version < local_version + 1 THEN 'pending_up' ELSE 'synced' END
		 WHERE kind = ? AND entity_id = ?`,
		string(kind), entityID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to increment local version",
			goerr.V("kind", kind), goerr.V("entityID", entityID))
	}

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT local_version FROM sync_ledger WHERE kind = ? AND entity_id = ?`,
		string(kind), entityID).Scan(&version)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read incremented version",
			goerr.V("kind", kind), goerr.V("entityID", entityID))
	}

	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "failed to commit ledger transaction")
	}
	return version, nil
}

func (r *ledgerRepository) MarkConflict(ctx context.Context, kind types.EntityKind, entityID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_ledger (kind, entity_id, direction, status) VALUES (?, ?, 'conflict', 'conflict')
		 ON CONFLICT (kind, entity_id) DO UPDATE SET direction = 'conflict', status = 'conflict'`,
		string(kind), entityID)
	if err != nil {
		return goerr.Wrap(err, "failed to mark ledger conflict",
			goerr.V("kind", kind), goerr.V("entityID", entityID))
	}
	return nil
}

func (r *ledgerRepository) ListPending(ctx context.Context) ([]*model.SyncLedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, selectEntry+` WHERE status = 'pending_up' ORDER BY kind, entity_id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list pending ledger entries")
	}
	defer func() { _ = rows.Close() }()

	var result []*model.SyncLedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan ledger entry")
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate ledger entries")
	}
	return result, nil
}

func (r *ledgerRepository) Stats(ctx context.Context) (*model.LedgerStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_ledger GROUP BY status`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query ledger stats")
	}
	defer func() { _ = rows.Close() }()

	stats := &model.LedgerStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, goerr.Wrap(err, "failed to scan ledger stats")
		}
		stats.Total += count
		switch types.LedgerStatus(status) {
		case types.LedgerSynced:
			stats.Synced = count
		case types.LedgerPendingUp:
			stats.PendingUp = count
		case types.LedgerConflict:
			stats.Conflicts = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate ledger stats")
	}
	return stats, nil
}
