package memory

import (
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
)

// Repository is the in-memory persistence backend, used for development
// and as the reference implementation for the repository behavior suite.
type Repository struct {
	ledger *ledgerRepository
}

var _ interfaces.Repository = &Repository{}

// New creates an in-memory repository
func New() *Repository {
	return &Repository{
		ledger: newLedgerRepository(),
	}
}

// Ledger returns the sync ledger repository
func (r *Repository) Ledger() interfaces.LedgerRepository {
	return r.ledger
}

// Close releases resources (no-op for the in-memory backend)
func (r *Repository) Close() error {
	return nil
}
