package config

import (
	"log/slog"
	"time"

	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/repository/qdrant"
	"github.com/urfave/cli/v3"
)

// Mirror holds connection settings for the Qdrant cloud mirror. An
// empty host disables mirroring: the node runs local-only and the sync
// engine stays off.
type Mirror struct {
	host             string
	port             int
	apiKey           string
	useTLS           bool
	collectionPrefix string
	timeout          time.Duration
}

// Flags returns CLI flags for mirror configuration
func (m *Mirror) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mirror-host",
			Usage:       "Qdrant host for the cloud mirror (empty disables sync)",
			Sources:     cli.EnvVars("MNEMOSYNE_MIRROR_HOST"),
			Destination: &m.host,
		},
		&cli.IntFlag{
			Name:        "mirror-port",
			Usage:       "Qdrant port",
			Value:       6334,
			Sources:     cli.EnvVars("MNEMOSYNE_MIRROR_PORT"),
			Destination: &m.port,
		},
		&cli.StringFlag{
			Name:        "mirror-api-key",
			Usage:       "Qdrant API key",
			Sources:     cli.EnvVars("MNEMOSYNE_MIRROR_API_KEY"),
			Destination: &m.apiKey,
		},
		&cli.BoolFlag{
			Name:        "mirror-tls",
			Usage:       "Connect to Qdrant over TLS",
			Sources:     cli.EnvVars("MNEMOSYNE_MIRROR_TLS"),
			Destination: &m.useTLS,
		},
		&cli.StringFlag{
			Name:        "mirror-collection-prefix",
			Usage:       "Prefix for mirror collection names",
			Value:       "mnemosyne",
			Sources:     cli.EnvVars("MNEMOSYNE_MIRROR_COLLECTION_PREFIX"),
			Destination: &m.collectionPrefix,
		},
		&cli.DurationFlag{
			Name:        "mirror-timeout",
			Usage:       "Timeout for mirror operations",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("MNEMOSYNE_MIRROR_TIMEOUT"),
			Destination: &m.timeout,
		},
	}
}

// LogAttrs returns log attributes for the mirror configuration
func (m *Mirror) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("host", m.host),
		slog.Int("port", m.port),
		slog.Bool("tls", m.useTLS),
		slog.String("collection_prefix", m.collectionPrefix),
	}
}

// Enabled reports whether a mirror host is configured
func (m *Mirror) Enabled() bool {
	return m.host != ""
}

// Configure connects the cloud mirror, or returns nil when disabled
func (m *Mirror) Configure(embedder interfaces.Embedder) (interfaces.CloudMirror, error) {
	if !m.Enabled() {
		return nil, nil
	}
	return qdrant.New(qdrant.Config{
		Host:             m.host,
		Port:             m.port,
		APIKey:           m.apiKey,
		UseTLS:           m.useTLS,
		CollectionPrefix: m.collectionPrefix,
		Timeout:          m.timeout,
	}, embedder)
}
