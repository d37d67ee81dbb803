package interfaces

import (
	"context"

	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// SearchFilter is pushed down to the index before vector comparison.
// Zero values mean "no constraint".
type SearchFilter struct {
	Domain           types.MemoryDomain
	MinImportance    float64
	MinTimestampMs   int64
	EntityType       types.EntityType
	ExcludeCompacted bool
	SessionID        string
}

// SearchOptions bounds a vector search
type SearchOptions struct {
	Limit    int
	MinScore float64
	Filter   *SearchFilter
}

// SearchHit is one scored match from the local index
type SearchHit struct {
	ID      string
	Score   float64
	Payload model.Payload
}

// ScrollItem is one record from a filtered scan
type ScrollItem struct {
	ID      string
	Payload model.Payload
}

// VectorIndex is the locally authoritative vector store. The engine is a
// consumer of this capability; the search algorithm behind it is opaque.
type VectorIndex interface {
	Upsert(ctx context.Context, collection types.Collection, id string, vector []float32, payload model.Payload) error
	Search(ctx context.Context, collection types.Collection, vector []float32, opts SearchOptions) ([]*SearchHit, error)
	Fetch(ctx context.Context, collection types.Collection, id string) (model.Payload, bool, error)
	Scroll(ctx context.Context, collection types.Collection, filter *SearchFilter, limit int) ([]*ScrollItem, error)
	SetPayload(ctx context.Context, collection types.Collection, id string, partial map[string]any) error
	Delete(ctx context.Context, collection types.Collection, id string) error
	Count(ctx context.Context, collection types.Collection) (int, error)
	Close() error
}
