package sqlite

import (
	"database/sql"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"

	_ "modernc.org/sqlite"
)

// Repository is the durable persistence backend for the sync ledger,
// backed by a local SQLite database. The vector collections live in the
// vector index; only reconciliation state needs relational durability.
type Repository struct {
	db     *sql.DB
	ledger *ledgerRepository
}

var _ interfaces.Repository = &Repository{}

const schema = `
CREATE TABLE IF NOT EXISTS sync_ledger (
	kind           TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	local_version  INTEGER NOT NULL DEFAULT 1,
	cloud_version  INTEGER NOT NULL DEFAULT 0,
	last_sync_ms   INTEGER NOT NULL DEFAULT 0,
	direction      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending_up',
	PRIMARY KEY (kind, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_ledger_status ON sync_ledger (status);
`

// New opens (and migrates) a SQLite-backed repository at path. Use
// ":memory:" for an ephemeral database.
func New(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.V("path", path))
	}

	// modernc sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY on concurrent increments.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to migrate sqlite schema", goerr.V("path", path))
	}

	return &Repository{
		db:     db,
		ledger: &ledgerRepository{db: db},
	}, nil
}

// Ledger returns the sync ledger repository
func (r *Repository) Ledger() interfaces.LedgerRepository {
	return r.ledger
}

// Close closes the underlying database
func (r *Repository) Close() error {
	if err := r.db.Close(); err != nil {
		return goerr.Wrap(err, "failed to close sqlite database")
	}
	return nil
}
