package config

import (
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/repository/memory"
	"github.com/secmon-lab/mnemosyne/pkg/repository/sqlite"
	"github.com/urfave/cli/v3"
)

// Repository selects the sync ledger backend
type Repository struct {
	backend string
	path    string
}

// Flags returns CLI flags for repository configuration
func (r *Repository) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "ledger-backend",
			Usage:       "Sync ledger backend (memory, sqlite)",
			Value:       "memory",
			Sources:     cli.EnvVars("MNEMOSYNE_LEDGER_BACKEND"),
			Destination: &r.backend,
		},
		&cli.StringFlag{
			Name:        "ledger-path",
			Usage:       "Database file for the sqlite backend",
			Value:       "./data/ledger.db",
			Sources:     cli.EnvVars("MNEMOSYNE_LEDGER_PATH"),
			Destination: &r.path,
		},
	}
}

// LogAttrs returns log attributes for the repository configuration
func (r *Repository) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("backend", r.backend),
		slog.String("path", r.path),
	}
}

// Configure builds the ledger repository
func (r *Repository) Configure() (interfaces.Repository, error) {
	switch r.backend {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(r.path)
	default:
		return nil, goerr.New("unknown ledger backend", goerr.V("backend", r.backend))
	}
}
