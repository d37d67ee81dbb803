package qdrant

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	qd "github.com/qdrant/go-client/qdrant"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// Payload field names on mirror points. The full record travels as one
// JSON blob; scalar fields exist for filtering and reconciliation.
const (
	fieldData        = "data"
	fieldKind        = "kind"
	fieldText        = "text"
	fieldChecksum    = "checksum"
	fieldVersion     = "version"
	fieldTimestampMs = "timestamp_ms"
	fieldSource      = "source"
)

// Config holds connection settings for the Qdrant mirror
type Config struct {
	Host             string
	Port             int
	APIKey           string
	UseTLS           bool
	CollectionPrefix string
	Timeout          time.Duration
}

// Mirror is the cloud vector mirror backed by Qdrant. It owns a reduced
// dimension embedding space: documents and queries are embedded with the
// injected embedder, independent of the local index.
type Mirror struct {
	client   *qd.Client
	embedder interfaces.Embedder
	cfg      Config

	mu      sync.Mutex
	ensured map[types.EntityKind]bool
}

var _ interfaces.CloudMirror = &Mirror{}

// New connects to Qdrant and returns a cloud mirror
func New(cfg Config, embedder interfaces.Embedder) (*Mirror, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client, err := qd.NewClient(&qd.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create qdrant client", goerr.V("host", cfg.Host))
	}

	return &Mirror{
		client:   client,
		embedder: embedder,
		cfg:      cfg,
		ensured:  make(map[types.EntityKind]bool),
	}, nil
}

func (m *Mirror) collectionName(kind types.EntityKind) string {
	return m.cfg.CollectionPrefix + kind.Collection().String()
}

func (m *Mirror) ensureCollection(ctx context.Context, kind types.EntityKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ensured[kind] {
		return nil
	}

	name := m.collectionName(kind)
	exists, err := m.client.CollectionExists(ctx, name)
	if err != nil {
		return goerr.Wrap(model.ErrProviderUnavailable, "failed to check mirror collection",
			goerr.V("collection", name), goerr.V("cause", err.Error()))
	}
	if !exists {
		err := m.client.CreateCollection(ctx, &qd.CreateCollection{
			CollectionName: name,
			VectorsConfig: qd.NewVectorsConfig(&qd.VectorParams{
				Size:     uint64(m.embedder.Dimension()),
				Distance: qd.Distance_Cosine,
			}),
		})
		if err != nil {
			return goerr.Wrap(model.ErrProviderUnavailable, "failed to create mirror collection",
				goerr.V("collection", name), goerr.V("cause", err.Error()))
		}
	}

	m.ensured[kind] = true
	return nil
}

func (m *Mirror) Push(ctx context.Context, payload model.Payload, version int) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	kind := payload.Kind()
	if err := m.ensureCollection(ctx, kind); err != nil {
		return err
	}

	vector, err := m.embedder.Embed(ctx, payload.Document(), types.EmbedDocument)
	if err != nil {
		return goerr.Wrap(err, "failed to embed document for mirror",
			goerr.V("kind", kind), goerr.V("id", payload.DocID()))
	}

	data, err := model.EncodePayload(payload)
	if err != nil {
		return err
	}

	meta := payload.Meta()
	point := &qd.PointStruct{
		Id:      qd.NewID(payload.DocID()),
		Vectors: qd.NewVectors(vector...),
		Payload: qd.NewValueMap(map[string]any{
			fieldData:        string(data),
			fieldKind:        kind.String(),
			fieldText:        payload.Document(),
			fieldChecksum:    meta[model.MetaChecksum],
			fieldVersion:     int64(version),
			fieldTimestampMs: parseInt(meta[model.MetaTimestampMs]),
			fieldSource:      meta[model.MetaSource],
		}),
	}

	_, err = m.client.Upsert(ctx, &qd.UpsertPoints{
		CollectionName: m.collectionName(kind),
		Wait:           qd.PtrOf(true),
		Points:         []*qd.PointStruct{point},
	})
	if err != nil {
		return goerr.Wrap(model.ErrProviderUnavailable, "failed to upsert mirror point",
			goerr.V("kind", kind), goerr.V("id", payload.DocID()), goerr.V("cause", err.Error()))
	}
	return nil
}

func (m *Mirror) Search(ctx context.Context, query string, limit int, minScore float64) ([]*interfaces.MirrorHit, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	vector, err := m.embedder.Embed(ctx, query, types.EmbedQuery)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed mirror query")
	}

	var hits []*interfaces.MirrorHit
	for _, collection := range types.MirrorCollections() {
		kind := collection.Kind()
		if err := m.ensureCollection(ctx, kind); err != nil {
			return nil, err
		}

		points, err := m.client.Query(ctx, &qd.QueryPoints{
			CollectionName: m.collectionName(kind),
			Query:          qd.NewQuery(vector...),
			Limit:          qd.PtrOf(uint64(limit)),
			ScoreThreshold: qd.PtrOf(float32(minScore)),
			WithPayload:    qd.NewWithPayload(true),
		})
		if err != nil {
			return nil, goerr.Wrap(model.ErrProviderUnavailable, "mirror query failed",
				goerr.V("collection", collection), goerr.V("cause", err.Error()))
		}

		for _, p := range points {
			hits = append(hits, &interfaces.MirrorHit{
				ID:       p.GetId().GetUuid(),
				Kind:     kind,
				Score:    float64(p.GetScore()),
				Text:     p.GetPayload()[fieldText].GetStringValue(),
				Checksum: p.GetPayload()[fieldChecksum].GetStringValue(),
				Data:     decodeData(p.GetPayload()),
			})
		}
	}
	return hits, nil
}

func (m *Mirror) Fetch(ctx context.Context, kind types.EntityKind, id string) (*interfaces.MirrorRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if err := m.ensureCollection(ctx, kind); err != nil {
		return nil, err
	}

	points, err := m.client.Get(ctx, &qd.GetPoints{
		CollectionName: m.collectionName(kind),
		Ids:            []*qd.PointId{qd.NewID(id)},
		WithPayload:    qd.NewWithPayload(true),
	})
	if err != nil {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "failed to fetch mirror point",
			goerr.V("kind", kind), goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	if len(points) == 0 {
		return nil, nil
	}

	payload := points[0].GetPayload()
	return &interfaces.MirrorRecord{
		ID:          id,
		Kind:        kind,
		Version:     int(payload[fieldVersion].GetIntegerValue()),
		TimestampMs: payload[fieldTimestampMs].GetIntegerValue(),
		Source:      payload[fieldSource].GetStringValue(),
		Data:        decodeData(payload),
	}, nil
}

// Close closes the underlying gRPC connection
func (m *Mirror) Close() error {
	if err := m.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close qdrant client")
	}
	return nil
}

func decodeData(payload map[string]*qd.Value) map[string]any {
	raw := payload[fieldData].GetStringValue()
	if raw == "" {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil
	}
	return data
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
