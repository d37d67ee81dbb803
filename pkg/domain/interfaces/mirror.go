package interfaces

import (
	"context"

	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// MirrorHit is one scored match from the cloud mirror. Recency and
// importance are not available from the mirror; only the raw cosine score.
type MirrorHit struct {
	ID       string
	Kind     types.EntityKind
	Score    float64
	Text     string
	Checksum string
	Data     map[string]any
}

// MirrorRecord is the cloud copy of one record, as seen by reconciliation
type MirrorRecord struct {
	ID          string
	Kind        types.EntityKind
	Version     int
	TimestampMs int64
	Source      string
	Data        map[string]any
}

// CloudMirror is the reduced-dimension remote replica of compacted
// memories, entities and decision records. It owns its own embedding
// space: both Push and Search embed text on the mirror side.
type CloudMirror interface {
	// Push writes one record to the mirror, embedding its document text
	Push(ctx context.Context, payload model.Payload, version int) error

	// Search queries the mirror across its collections with the raw query
	// text, embedded in the mirror's own space.
	Search(ctx context.Context, query string, limit int, minScore float64) ([]*MirrorHit, error)

	// Fetch returns the mirror's copy of a record, or nil when absent
	Fetch(ctx context.Context, kind types.EntityKind, id string) (*MirrorRecord, error)

	Close() error
}
