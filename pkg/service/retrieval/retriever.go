package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// Scoring model: cosine similarity dominates, recency and importance
// share the rest. Recency halves every RecencyHalfLife.
const (
	WeightSimilarity = 0.70
	WeightRecency    = 0.15
	WeightImportance = 0.15

	RecencyHalfLife = 30 * 24 * time.Hour

	// Local search casts a wider net than the caller asked for; the
	// final score cut happens after re-scoring.
	relaxFactor     = 0.7
	candidateFactor = 2

	// Below this many local results the cloud mirror is consulted. Mirror
	// hits carry only a cosine score, weighted accordingly.
	cloudFallbackFloor = 3
	cloudScoreWeight   = WeightSimilarity

	DefaultLimit    = 10
	DefaultMinScore = 0.5
)

// Options bounds one retrieval. Zero collection flags mean all
// collections.
type Options struct {
	Limit            int
	MinScore         float64
	IncludeRaw       bool
	IncludeCompacted bool
	IncludeEntities  bool
	Domain           types.MemoryDomain
	MinImportance    float64
	MaxAge           time.Duration
	EntityType       types.EntityType
}

func (o *Options) normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.MinScore <= 0 {
		o.MinScore = DefaultMinScore
	}
	if !o.IncludeRaw && !o.IncludeCompacted && !o.IncludeEntities {
		o.IncludeRaw = true
		o.IncludeCompacted = true
		o.IncludeEntities = true
	}
}

func (o *Options) collections() []types.Collection {
	var out []types.Collection
	if o.IncludeCompacted {
		out = append(out, types.CollectionCompactedMemories)
	}
	if o.IncludeEntities {
		out = append(out, types.CollectionEntities)
	}
	if o.IncludeRaw {
		out = append(out, types.CollectionRawMemories)
	}
	return out
}

// Result is one retrieval outcome. Degraded marks responses assembled
// while a provider was unreachable; partial results instead of failure.
type Result struct {
	Memories []*model.RetrievedMemory `json:"memories"`
	Degraded bool                     `json:"degraded"`
}

// Retriever serves queries from the local index first and falls back to
// the cloud mirror when local recall is thin
type Retriever struct {
	embedder interfaces.Embedder
	index    interfaces.VectorIndex
	mirror   interfaces.CloudMirror
	now      func() time.Time
}

// Option is a functional option for Retriever configuration
type Option func(*Retriever)

// WithClock injects the time source, for deterministic recency tests
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) {
		r.now = now
	}
}

// New creates a hybrid retriever. The mirror may be nil; fallback is
// then skipped.
func New(embedder interfaces.Embedder, index interfaces.VectorIndex, mirror interfaces.CloudMirror, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: embedder,
		index:    index,
		mirror:   mirror,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve searches the requested collections, re-scores, deduplicates
// by content checksum, and truncates to the limit
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	opts.normalize()

	result := &Result{}
	local, err := r.searchLocal(ctx, query, &opts)
	if err != nil {
		if !errors.Is(err, model.ErrProviderUnavailable) {
			return nil, err
		}
		// Local side is down: degrade to cloud-only
		logging.From(ctx).Warn("local retrieval unavailable, falling back to cloud mirror", "error", err.Error())
		result.Degraded = true
	}
	result.Memories = dedupeByChecksum(local)

	if len(result.Memories) < cloudFallbackFloor {
		cloud, err := r.searchCloud(ctx, query, &opts)
		if err != nil {
			logging.From(ctx).Warn("cloud mirror retrieval failed", "error", err.Error())
			result.Degraded = true
		} else {
			result.Memories = dedupeByChecksum(append(result.Memories, cloud...))
		}
	}

	if len(result.Memories) > opts.Limit {
		result.Memories = result.Memories[:opts.Limit]
	}
	return result, nil
}

func (r *Retriever) searchLocal(ctx context.Context, query string, opts *Options) ([]*model.RetrievedMemory, error) {
	vector, err := r.embedder.Embed(ctx, query, types.EmbedQuery)
	if err != nil {
		return nil, err
	}

	filter := &interfaces.SearchFilter{
		Domain:        opts.Domain,
		MinImportance: opts.MinImportance,
		EntityType:    opts.EntityType,
	}
	if opts.MaxAge > 0 {
		filter.MinTimestampMs = r.now().Add(-opts.MaxAge).UnixMilli()
	}

	searchOpts := interfaces.SearchOptions{
		Limit:    opts.Limit * candidateFactor,
		MinScore: opts.MinScore * relaxFactor,
		Filter:   filter,
	}

	now := r.now()
	var memories []*model.RetrievedMemory
	for _, collection := range opts.collections() {
		hits, err := r.index.Search(ctx, collection, vector, searchOpts)
		if err != nil {
			return memories, goerr.Wrap(err, "local index search failed", goerr.V("collection", collection))
		}
		for _, hit := range hits {
			memories = append(memories, r.rescore(now, hit))
		}
	}

	sort.SliceStable(memories, func(i, j int) bool { return memories[i].Score > memories[j].Score })

	kept := memories[:0]
	for _, m := range memories {
		if m.Score >= opts.MinScore {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// rescore blends similarity with recency decay and stored importance
func (r *Retriever) rescore(now time.Time, hit *interfaces.SearchHit) *model.RetrievedMemory {
	meta := hit.Payload.Meta()
	ts, _ := strconv.ParseInt(meta[model.MetaTimestampMs], 10, 64)
	importance, _ := strconv.ParseFloat(meta[model.MetaImportance], 64)

	score := WeightSimilarity*hit.Score +
		WeightRecency*RecencyDecay(now, ts) +
		WeightImportance*importance

	return &model.RetrievedMemory{
		ID:          hit.ID,
		Kind:        hit.Payload.Kind(),
		Text:        hit.Payload.Document(),
		Score:       score,
		Similarity:  hit.Score,
		Importance:  importance,
		TimestampMs: ts,
		Checksum:    meta[model.MetaChecksum],
		Origin:      model.OriginLocal,
		Payload:     hit.Payload,
	}
}

func (r *Retriever) searchCloud(ctx context.Context, query string, opts *Options) ([]*model.RetrievedMemory, error) {
	if r.mirror == nil {
		return nil, nil
	}

	hits, err := r.mirror.Search(ctx, query, opts.Limit, opts.MinScore)
	if err != nil {
		return nil, goerr.Wrap(err, "cloud mirror search failed")
	}

	memories := make([]*model.RetrievedMemory, 0, len(hits))
	for _, hit := range hits {
		memories = append(memories, &model.RetrievedMemory{
			ID:         hit.ID,
			Kind:       hit.Kind,
			Text:       hit.Text,
			Score:      hit.Score * cloudScoreWeight,
			Similarity: hit.Score,
			Checksum:   hit.Checksum,
			Origin:     model.OriginCloud,
		})
	}
	return memories, nil
}

// RecencyDecay discounts a timestamp exponentially: 1.0 now, 0.5 one
// half-life ago. Missing timestamps score zero.
func RecencyDecay(now time.Time, timestampMs int64) float64 {
	if timestampMs <= 0 {
		return 0
	}
	age := now.Sub(time.UnixMilli(timestampMs))
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, age.Hours()/RecencyHalfLife.Hours())
}

// dedupeByChecksum keeps the first occurrence of each content checksum.
// Records without a checksum are kept as-is.
func dedupeByChecksum(memories []*model.RetrievedMemory) []*model.RetrievedMemory {
	seen := make(map[string]bool, len(memories))
	out := memories[:0]
	for _, m := range memories {
		if m.Checksum != "" {
			if seen[m.Checksum] {
				continue
			}
			seen[m.Checksum] = true
		}
		out = append(out, m)
	}
	return out
}
