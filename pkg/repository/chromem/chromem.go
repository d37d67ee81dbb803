package chromem

import (
	"context"
	"strconv"
	"strings"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// ErrNotFound is returned when a record does not exist in this backend
var ErrNotFound = goerr.New("record not found")

// VectorIndex is the persistent local vector index backed by chromem-go,
// a pure Go embedded vector database. One chromem collection per memory
// kind; payloads are stored as validated JSON in the document content.
type VectorIndex struct {
	db          *chromemgo.DB
	dimension   int
	mu          sync.Mutex
	collections map[types.Collection]*chromemgo.Collection
}

var _ interfaces.VectorIndex = &VectorIndex{}

// New creates a persistent index at path for vectors of the given
// dimension. An empty path yields an in-process, non-persistent database.
func New(path string, dimension int) (*VectorIndex, error) {
	var db *chromemgo.DB
	if path == "" {
		db = chromemgo.NewDB()
	} else {
		var err error
		db, err = chromemgo.NewPersistentDB(path, false)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem database", goerr.V("path", path))
		}
	}

	return &VectorIndex{
		db:          db,
		dimension:   dimension,
		collections: make(map[types.Collection]*chromemgo.Collection),
	}, nil
}

func (x *VectorIndex) collection(name types.Collection) (*chromemgo.Collection, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if col, exists := x.collections[name]; exists {
		return col, nil
	}

	// Embeddings are always provided by the caller, so no embedding func.
	col, err := x.db.GetOrCreateCollection(name.String(), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open collection", goerr.V("collection", name))
	}
	x.collections[name] = col
	return col, nil
}

func (x *VectorIndex) Upsert(ctx context.Context, collection types.Collection, id string, vector []float32, payload model.Payload) error {
	data, err := model.EncodePayload(payload)
	if err != nil {
		return err
	}

	col, err := x.collection(collection)
	if err != nil {
		return err
	}

	doc := chromemgo.Document{
		ID:        id,
		Content:   string(data),
		Embedding: vector,
		Metadata:  payload.Meta(),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(model.ErrProviderUnavailable, "failed to add document",
			goerr.V("collection", collection), goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return nil
}

func (x *VectorIndex) Search(ctx context.Context, collection types.Collection, vector []float32, opts interfaces.SearchOptions) ([]*interfaces.SearchHit, error) {
	col, err := x.collection(collection)
	if err != nil {
		return nil, err
	}

	total := col.Count()
	if total == 0 {
		return nil, nil
	}

	// Equality filters push down as chromem where clauses; range filters
	// (importance, age) apply after the vector comparison.
	where := equalityFilters(opts.Filter)

	// chromem requires nResults <= collection size. Over-fetch so that
	// post-filtering still fills the limit.
	nResults := opts.Limit * 2
	if nResults <= 0 || nResults > total {
		nResults = total
	}

	results, err := col.QueryEmbedding(ctx, vector, nResults, where, nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "chromem query failed",
			goerr.V("collection", collection), goerr.V("cause", err.Error()))
	}

	kind := collection.Kind()
	var hits []*interfaces.SearchHit
	for _, res := range results {
		score := float64(res.Similarity)
		if score < opts.MinScore {
			continue
		}
		payload, err := model.DecodePayload(kind, []byte(res.Content))
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt record in index",
				goerr.V("collection", collection), goerr.V("id", res.ID))
		}
		if !matchRangeFilters(payload, opts.Filter) {
			continue
		}
		hits = append(hits, &interfaces.SearchHit{ID: res.ID, Score: score, Payload: payload})
		if opts.Limit > 0 && len(hits) >= opts.Limit {
			break
		}
	}
	return hits, nil
}

func (x *VectorIndex) Fetch(ctx context.Context, collection types.Collection, id string) (model.Payload, bool, error) {
	col, err := x.collection(collection)
	if err != nil {
		return nil, false, err
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		// chromem reports missing IDs as an error
		return nil, false, nil
	}

	payload, err := model.DecodePayload(collection.Kind(), []byte(doc.Content))
	if err != nil {
		return nil, false, goerr.Wrap(err, "corrupt record in index",
			goerr.V("collection", collection), goerr.V("id", id))
	}
	return payload, true, nil
}

func (x *VectorIndex) Scroll(ctx context.Context, collection types.Collection, filter *interfaces.SearchFilter, limit int) ([]*interfaces.ScrollItem, error) {
	col, err := x.collection(collection)
	if err != nil {
		return nil, err
	}

	total := col.Count()
	if total == 0 {
		return nil, nil
	}

	// chromem has no enumeration API; a full-size query against a fixed
	// probe vector visits every document.
	probe := make([]float32, x.dimension)
	probe[0] = 1

	results, err := col.QueryEmbedding(ctx, probe, total, equalityFilters(filter), nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "chromem scroll failed",
			goerr.V("collection", collection), goerr.V("cause", err.Error()))
	}

	kind := collection.Kind()
	var items []*interfaces.ScrollItem
	for _, res := range results {
		payload, err := model.DecodePayload(kind, []byte(res.Content))
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt record in index",
				goerr.V("collection", collection), goerr.V("id", res.ID))
		}
		if !matchRangeFilters(payload, filter) {
			continue
		}
		items = append(items, &interfaces.ScrollItem{ID: res.ID, Payload: payload})
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (x *VectorIndex) SetPayload(ctx context.Context, collection types.Collection, id string, partial map[string]any) error {
	col, err := x.collection(collection)
	if err != nil {
		return err
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return goerr.Wrap(ErrNotFound, "record not found",
			goerr.V("collection", collection), goerr.V("id", id))
	}

	kind := collection.Kind()
	payload, err := model.DecodePayload(kind, []byte(doc.Content))
	if err != nil {
		return goerr.Wrap(err, "corrupt record in index",
			goerr.V("collection", collection), goerr.V("id", id))
	}

	m, err := model.PayloadToMap(payload)
	if err != nil {
		return err
	}
	for k, v := range partial {
		m[k] = v
	}

	merged, err := model.PayloadFromMap(kind, m)
	if err != nil {
		return err
	}
	data, err := model.EncodePayload(merged)
	if err != nil {
		return err
	}

	doc.Content = string(data)
	doc.Metadata = merged.Meta()
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(model.ErrProviderUnavailable, "failed to update document",
			goerr.V("collection", collection), goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return nil
}

func (x *VectorIndex) Delete(ctx context.Context, collection types.Collection, id string) error {
	col, err := x.collection(collection)
	if err != nil {
		return err
	}

	if _, err := col.GetByID(ctx, id); err != nil {
		return goerr.Wrap(ErrNotFound, "record not found",
			goerr.V("collection", collection), goerr.V("id", id))
	}

	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return goerr.Wrap(model.ErrProviderUnavailable, "failed to delete document",
			goerr.V("collection", collection), goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return nil
}

func (x *VectorIndex) Count(ctx context.Context, collection types.Collection) (int, error) {
	col, err := x.collection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (x *VectorIndex) Close() error {
	return nil
}

func equalityFilters(filter *interfaces.SearchFilter) map[string]string {
	if filter == nil {
		return nil
	}

	where := make(map[string]string)
	if filter.Domain != "" {
		where[model.MetaDomain] = filter.Domain.String()
	}
	if filter.SessionID != "" {
		where[model.MetaSessionID] = filter.SessionID
	}
	if filter.EntityType != "" {
		where[model.MetaEntityType] = filter.EntityType.String()
	}
	if filter.ExcludeCompacted {
		where[model.MetaCompacted] = "false"
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

func matchRangeFilters(payload model.Payload, filter *interfaces.SearchFilter) bool {
	if filter == nil {
		return true
	}

	meta := payload.Meta()
	if filter.MinImportance > 0 {
		imp, err := strconv.ParseFloat(meta[model.MetaImportance], 64)
		if err != nil || imp < filter.MinImportance {
			return false
		}
	}
	if filter.MinTimestampMs > 0 {
		ts, err := strconv.ParseInt(meta[model.MetaTimestampMs], 10, 64)
		if err != nil || ts < filter.MinTimestampMs {
			return false
		}
	}
	return true
}

func isInsufficientDocsError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "nResults")
}
