package consolidation

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// Maintenance pass defaults. Duplicates are detected textually rather
// than by vector distance so the pass works without an embedder and
// yields the same result on every backend.
const (
	DuplicateJaccard = 0.8
	ImportanceBoost  = 0.1
	ImportanceReduce = 0.05
	DeleteAfterDays  = 90
	ReduceAfterDays  = 30
	DeleteBelowScore = 0.3
	ReduceBandLow    = 0.3
	ReduceBandHigh   = 0.5
	scrollBatchLimit = 10_000
)

// Result reports what one pass did
type Result struct {
	Merged  int `json:"merged"`
	Decayed int `json:"decayed"`
}

// Engine runs the merge/decay maintenance pass over raw and compacted
// memories. Entities are never consolidated; their lifecycle is mention
// driven.
type Engine struct {
	index interfaces.VectorIndex
	repo  interfaces.Repository
	now   func() time.Time
}

type Option func(*Engine)

// WithClock overrides the time source for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(index interfaces.VectorIndex, repo interfaces.Repository, opts ...Option) *Engine {
	e := &Engine{
		index: index,
		repo:  repo,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full pass: duplicate merge first, then decay, per
// collection. Returns the combined counts.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	result := &Result{}
	for _, collection := range []types.Collection{
		types.CollectionRawMemories,
		types.CollectionCompactedMemories,
	} {
		merged, err := e.mergeDuplicates(ctx, collection)
		if err != nil {
			return nil, err
		}
		decayed, err := e.decay(ctx, collection)
		if err != nil {
			return nil, err
		}
		result.Merged += merged
		result.Decayed += decayed
	}

	logging.From(ctx).Info("consolidation pass finished",
		"merged", result.Merged,
		"decayed", result.Decayed,
	)
	return result, nil
}

type candidate struct {
	id         string
	payload    model.Payload
	tokens     map[string]struct{}
	importance float64
	deleted    bool
}

// mergeDuplicates finds textual near-duplicates within one collection
// and folds each pair into the higher-importance record. The survivor
// gets a small importance boost; compacted survivors also get a version
// bump so the sync engine pushes the change.
func (e *Engine) mergeDuplicates(ctx context.Context, collection types.Collection) (int, error) {
	items, err := e.index.Scroll(ctx, collection, nil, scrollBatchLimit)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to scan collection for merge",
			goerr.V("collection", collection))
	}

	candidates := make([]*candidate, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, &candidate{
			id:         item.ID,
			payload:    item.Payload,
			tokens:     tokenSet(item.Payload.Document()),
			importance: importanceOf(item.Payload),
		})
	}

	merged := 0
	for i := 0; i < len(candidates); i++ {
		if candidates[i].deleted {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].deleted {
				continue
			}
			if domainOf(candidates[i].payload) != domainOf(candidates[j].payload) {
				continue
			}
			if jaccard(candidates[i].tokens, candidates[j].tokens) < DuplicateJaccard {
				continue
			}

			keeper, other := candidates[i], candidates[j]
			if other.importance > keeper.importance {
				keeper, other = other, keeper
			}
			if err := e.mergePair(ctx, collection, keeper, other); err != nil {
				return merged, err
			}
			merged++

			// The swap can make candidates[i] the deleted side of the
			// pair; it must not act as keeper for later matches.
			if candidates[i].deleted {
				break
			}
		}
	}
	return merged, nil
}

func (e *Engine) mergePair(ctx context.Context, collection types.Collection, keeper, other *candidate) error {
	boosted := min(keeper.importance+ImportanceBoost, 1.0)
	partial := map[string]any{"importance_score": boosted}

	if collection == types.CollectionCompactedMemories {
		version, err := e.repo.Ledger().IncrementLocalVersion(ctx, collection.Kind(), keeper.id)
		if err != nil {
			return goerr.Wrap(err, "failed to bump version for merge keeper",
				goerr.V("id", keeper.id))
		}
		partial["version"] = version
		partial["sync_status"] = string(types.SyncPending)
	}

	if err := e.index.SetPayload(ctx, collection, keeper.id, partial); err != nil {
		return goerr.Wrap(err, "failed to boost merge keeper", goerr.V("id", keeper.id))
	}
	if err := e.index.Delete(ctx, collection, other.id); err != nil {
		return goerr.Wrap(err, "failed to delete merged duplicate", goerr.V("id", other.id))
	}

	keeper.importance = boosted
	other.deleted = true

	logging.From(ctx).Debug("merged duplicate memories",
		"collection", collection,
		"keeper_id", keeper.id,
		"deleted_id", other.id,
	)
	return nil
}

// decay deletes old low-importance records and nudges down mid-range
// ones. A record older than the delete horizon but above the score
// floor is left alone; it has earned its place.
func (e *Engine) decay(ctx context.Context, collection types.Collection) (int, error) {
	items, err := e.index.Scroll(ctx, collection, nil, scrollBatchLimit)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to scan collection for decay",
			goerr.V("collection", collection))
	}

	now := e.now()
	decayed := 0
	for _, item := range items {
		ageDays := float64(now.UnixMilli()-timestampOf(item.Payload)) / float64(24*time.Hour.Milliseconds())
		importance := importanceOf(item.Payload)

		switch {
		case ageDays > DeleteAfterDays && importance < DeleteBelowScore:
			if err := e.index.Delete(ctx, collection, item.ID); err != nil {
				return decayed, goerr.Wrap(err, "failed to delete decayed record",
					goerr.V("id", item.ID))
			}
			decayed++

		case ageDays > ReduceAfterDays && ageDays <= DeleteAfterDays &&
			importance >= ReduceBandLow && importance < ReduceBandHigh:
			reduced := importance - ImportanceReduce
			if err := e.index.SetPayload(ctx, collection, item.ID, map[string]any{
				"importance_score": reduced,
			}); err != nil {
				return decayed, goerr.Wrap(err, "failed to reduce importance",
					goerr.V("id", item.ID))
			}
			decayed++
		}
	}
	return decayed, nil
}

func importanceOf(p model.Payload) float64 {
	switch v := p.(type) {
	case *model.RawMemory:
		return v.ImportanceScore
	case *model.CompactedMemory:
		return v.ImportanceScore
	default:
		return 0
	}
}

func timestampOf(p model.Payload) int64 {
	switch v := p.(type) {
	case *model.RawMemory:
		return v.TimestampMs
	case *model.CompactedMemory:
		return v.TimestampMs
	default:
		return 0
	}
}

func domainOf(p model.Payload) types.MemoryDomain {
	switch v := p.(type) {
	case *model.RawMemory:
		return v.Domain
	case *model.CompactedMemory:
		return v.Domain
	default:
		return ""
	}
}

// tokenSet lowercases and splits text into a set of words, dropping
// punctuation stuck to word edges
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if word != "" {
			set[word] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
