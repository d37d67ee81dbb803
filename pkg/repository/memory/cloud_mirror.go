package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

type mirrorRecord struct {
	vector      []float32
	data        map[string]any
	text        string
	checksum    string
	version     int
	timestampMs int64
	source      string
}

// CloudMirror is an in-memory stand-in for the remote vector mirror. It
// owns its own embedding space via the injected embedder, matching the
// behavior of the qdrant backend.
type CloudMirror struct {
	mu       sync.RWMutex
	embedder interfaces.Embedder
	records  map[types.EntityKind]map[string]*mirrorRecord
}

var _ interfaces.CloudMirror = &CloudMirror{}

// NewCloudMirror creates an in-memory cloud mirror
func NewCloudMirror(embedder interfaces.Embedder) *CloudMirror {
	return &CloudMirror{
		embedder: embedder,
		records:  make(map[types.EntityKind]map[string]*mirrorRecord),
	}
}

func (m *CloudMirror) Push(ctx context.Context, payload model.Payload, version int) error {
	vector, err := m.embedder.Embed(ctx, payload.Document(), types.EmbedDocument)
	if err != nil {
		return goerr.Wrap(err, "failed to embed document for mirror",
			goerr.V("kind", payload.Kind()), goerr.V("id", payload.DocID()))
	}

	data, err := model.PayloadToMap(payload)
	if err != nil {
		return err
	}

	meta := payload.Meta()

	m.mu.Lock()
	defer m.mu.Unlock()

	kind := payload.Kind()
	if _, exists := m.records[kind]; !exists {
		m.records[kind] = make(map[string]*mirrorRecord)
	}
	m.records[kind][payload.DocID()] = &mirrorRecord{
		vector:      vector,
		data:        data,
		text:        payload.Document(),
		checksum:    meta[model.MetaChecksum],
		version:     version,
		timestampMs: parseTimestamp(meta[model.MetaTimestampMs]),
		source:      meta[model.MetaSource],
	}
	return nil
}

func (m *CloudMirror) Search(ctx context.Context, query string, limit int, minScore float64) ([]*interfaces.MirrorHit, error) {
	vector, err := m.embedder.Embed(ctx, query, types.EmbedQuery)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed mirror query")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []*interfaces.MirrorHit
	for kind, bucket := range m.records {
		for id, rec := range bucket {
			score := cosineSimilarity(vector, rec.vector)
			if score < minScore {
				continue
			}
			hits = append(hits, &interfaces.MirrorHit{
				ID:       id,
				Kind:     kind,
				Score:    score,
				Text:     rec.text,
				Checksum: rec.checksum,
				Data:     rec.data,
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *CloudMirror) Fetch(ctx context.Context, kind types.EntityKind, id string) (*interfaces.MirrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, exists := m.records[kind]
	if !exists {
		return nil, nil
	}
	rec, exists := bucket[id]
	if !exists {
		return nil, nil
	}

	return &interfaces.MirrorRecord{
		ID:          id,
		Kind:        kind,
		Version:     rec.version,
		TimestampMs: rec.timestampMs,
		Source:      rec.source,
		Data:        rec.data,
	}, nil
}

func (m *CloudMirror) Close() error {
	return nil
}

// Seed injects a record directly, bypassing Push. Test helper for
// simulating out-of-band cloud writes (e.g. mobile edits).
func (m *CloudMirror) Seed(kind types.EntityKind, id string, data map[string]any, version int, timestampMs int64, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[kind]; !exists {
		m.records[kind] = make(map[string]*mirrorRecord)
	}
	m.records[kind][id] = &mirrorRecord{
		data:        data,
		version:     version,
		timestampMs: timestampMs,
		source:      source,
	}
}
