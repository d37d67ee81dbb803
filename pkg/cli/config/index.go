package config

import (
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/repository/chromem"
	"github.com/secmon-lab/mnemosyne/pkg/repository/memory"
	"github.com/urfave/cli/v3"
)

// Index selects the local vector index backend
type Index struct {
	backend   string
	path      string
	dimension int
}

// Flags returns CLI flags for index configuration
func (x *Index) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "index-backend",
			Usage:       "Local vector index backend (memory, chromem)",
			Value:       "memory",
			Sources:     cli.EnvVars("MNEMOSYNE_INDEX_BACKEND"),
			Destination: &x.backend,
		},
		&cli.StringFlag{
			Name:        "index-path",
			Usage:       "Persistence directory for the chromem backend",
			Value:       "./data/index",
			Sources:     cli.EnvVars("MNEMOSYNE_INDEX_PATH"),
			Destination: &x.path,
		},
		&cli.IntFlag{
			Name:        "index-dimension",
			Usage:       "Embedding vector dimension",
			Value:       768,
			Sources:     cli.EnvVars("MNEMOSYNE_INDEX_DIMENSION"),
			Destination: &x.dimension,
		},
	}
}

// LogAttrs returns log attributes for the index configuration
func (x *Index) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("backend", x.backend),
		slog.String("path", x.path),
		slog.Int("dimension", x.dimension),
	}
}

// Dimension returns the configured vector dimension
func (x *Index) Dimension() int {
	return x.dimension
}

// Configure builds the local vector index
func (x *Index) Configure() (interfaces.VectorIndex, error) {
	switch x.backend {
	case "memory", "":
		return memory.NewVectorIndex(), nil
	case "chromem":
		return chromem.New(x.path, x.dimension)
	default:
		return nil, goerr.New("unknown index backend", goerr.V("backend", x.backend))
	}
}
