package memory

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

type indexRecord struct {
	vector  []float32
	payload []byte
}

// VectorIndex is a full-scan in-memory vector index. All payloads pass
// through the model codec, so the store boundary validation matches the
// persistent backends exactly.
type VectorIndex struct {
	mu          sync.RWMutex
	collections map[types.Collection]map[string]*indexRecord
}

var _ interfaces.VectorIndex = &VectorIndex{}

// NewVectorIndex creates an empty in-memory vector index
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{
		collections: make(map[types.Collection]map[string]*indexRecord),
	}
}

func (x *VectorIndex) bucket(collection types.Collection) map[string]*indexRecord {
	if _, exists := x.collections[collection]; !exists {
		x.collections[collection] = make(map[string]*indexRecord)
	}
	return x.collections[collection]
}

func (x *VectorIndex) Upsert(ctx context.Context, collection types.Collection, id string, vector []float32, payload model.Payload) error {
	data, err := model.EncodePayload(payload)
	if err != nil {
		return err
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.bucket(collection)[id] = &indexRecord{vector: vec, payload: data}
	return nil
}

func (x *VectorIndex) Search(ctx context.Context, collection types.Collection, vector []float32, opts interfaces.SearchOptions) ([]*interfaces.SearchHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	bucket, exists := x.collections[collection]
	if !exists {
		return nil, nil
	}

	kind := collection.Kind()
	var hits []*interfaces.SearchHit
	for id, rec := range bucket {
		payload, err := model.DecodePayload(kind, rec.payload)
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt record in index",
				goerr.V("collection", collection), goerr.V("id", id))
		}
		if !matchFilter(payload, opts.Filter) {
			continue
		}

		score := cosineSimilarity(vector, rec.vector)
		if score < opts.MinScore {
			continue
		}
		hits = append(hits, &interfaces.SearchHit{ID: id, Score: score, Payload: payload})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

func (x *VectorIndex) Fetch(ctx context.Context, collection types.Collection, id string) (model.Payload, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	bucket, exists := x.collections[collection]
	if !exists {
		return nil, false, nil
	}
	rec, exists := bucket[id]
	if !exists {
		return nil, false, nil
	}

	payload, err := model.DecodePayload(collection.Kind(), rec.payload)
	if err != nil {
		return nil, false, goerr.Wrap(err, "corrupt record in index",
			goerr.V("collection", collection), goerr.V("id", id))
	}
	return payload, true, nil
}

func (x *VectorIndex) Scroll(ctx context.Context, collection types.Collection, filter *interfaces.SearchFilter, limit int) ([]*interfaces.ScrollItem, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	bucket, exists := x.collections[collection]
	if !exists {
		return nil, nil
	}

	kind := collection.Kind()
	var items []*interfaces.ScrollItem
	for id, rec := range bucket {
		payload, err := model.DecodePayload(kind, rec.payload)
		if err != nil {
			return nil, goerr.Wrap(err, "corrupt record in index",
				goerr.V("collection", collection), goerr.V("id", id))
		}
		if !matchFilter(payload, filter) {
			continue
		}
		items = append(items, &interfaces.ScrollItem{ID: id, Payload: payload})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (x *VectorIndex) SetPayload(ctx context.Context, collection types.Collection, id string, partial map[string]any) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	bucket, exists := x.collections[collection]
	if !exists {
		return goerr.Wrap(ErrNotFound, "collection is empty", goerr.V("collection", collection))
	}
	rec, exists := bucket[id]
	if !exists {
		return goerr.Wrap(ErrNotFound, "record not found",
			goerr.V("collection", collection), goerr.V("id", id))
	}

	kind := collection.Kind()
	payload, err := model.DecodePayload(kind, rec.payload)
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
	rec.payload = data
	return nil
}

func (x *VectorIndex) Delete(ctx context.Context, collection types.Collection, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	bucket, exists := x.collections[collection]
	if !exists {
		return goerr.Wrap(ErrNotFound, "collection is empty", goerr.V("collection", collection))
	}
	if _, exists := bucket[id]; !exists {
		return goerr.Wrap(ErrNotFound, "record not found",
			goerr.V("collection", collection), goerr.V("id", id))
	}
	delete(bucket, id)
	return nil
}

func (x *VectorIndex) Count(ctx context.Context, collection types.Collection) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.collections[collection]), nil
}

func (x *VectorIndex) Close() error {
	return nil
}

// matchFilter applies the metadata pre-filter to a decoded payload
func matchFilter(payload model.Payload, filter *interfaces.SearchFilter) bool {
	if filter == nil {
		return true
	}

	meta := payload.Meta()

	if filter.Domain != "" && meta[model.MetaDomain] != filter.Domain.String() {
		return false
	}
	if filter.SessionID != "" && meta[model.MetaSessionID] != filter.SessionID {
		return false
	}
	if filter.EntityType != "" && meta[model.MetaEntityType] != filter.EntityType.String() {
		return false
	}
	if filter.ExcludeCompacted && meta[model.MetaCompacted] == "true" {
		return false
	}
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

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
