package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/service/retrieval"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// DefaultImportance is assigned when the caller does not score a memory
const DefaultImportance = 0.5

// StoreMemoryInput describes one raw memory to capture
type StoreMemoryInput struct {
	Text        string             `json:"text"`
	SessionID   string             `json:"session_id"`
	Source      types.MemorySource `json:"source,omitempty"`
	Domain      types.MemoryDomain `json:"domain"`
	Entities    []string           `json:"entities,omitempty"`
	Importance  float64            `json:"importance,omitempty"`
	TimestampMs int64              `json:"timestamp_ms,omitempty"`
}

// StoreRawMemory captures one raw memory into the local index and puts
// it on the sync ledger. An unreachable embedding provider does not
// lose the write: the record is stored with a zero vector and queued
// for embedding backfill.
func (uc *UseCases) StoreRawMemory(ctx context.Context, input *StoreMemoryInput) (*model.RawMemory, error) {
	if input.Text == "" {
		return nil, goerr.Wrap(model.ErrInvalidPayload, "memory text is required")
	}

	mem := &model.RawMemory{
		ID:              string(model.NewRawMemoryID()),
		Text:            input.Text,
		SessionID:       input.SessionID,
		TimestampMs:     input.TimestampMs,
		Source:          input.Source,
		Domain:          input.Domain,
		Entities:        input.Entities,
		ImportanceScore: input.Importance,
		Version:         1,
		Checksum:        model.Checksum(input.Text),
	}
	if mem.TimestampMs == 0 {
		mem.TimestampMs = time.Now().UnixMilli()
	}
	if mem.Source == "" {
		mem.Source = types.SourceConversation
	}
	if mem.ImportanceScore == 0 {
		mem.ImportanceScore = DefaultImportance
	}
	if err := mem.Validate(); err != nil {
		return nil, err
	}

	vector, err := uc.embedder.Embed(ctx, mem.Text, types.EmbedDocument)
	if err != nil {
		if !errors.Is(err, model.ErrProviderUnavailable) {
			return nil, err
		}
		logging.From(ctx).Warn("embedding provider unreachable, storing memory for backfill",
			"memory_id", mem.ID)
		vector = make([]float32, uc.embedder.Dimension())
		if uc.engine != nil {
			uc.engine.QueueBackfill(types.CollectionRawMemories, mem.ID)
		}
	}

	if err := uc.index.Upsert(ctx, types.CollectionRawMemories, mem.ID, vector, mem); err != nil {
		return nil, err
	}
	if _, err := uc.repo.Ledger().GetOrCreate(ctx, types.KindRawMemory, mem.ID); err != nil {
		return nil, err
	}
	return mem, nil
}

// SearchMemories runs one hybrid retrieval
func (uc *UseCases) SearchMemories(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error) {
	if uc.retriever == nil {
		return nil, goerr.New("retriever is not configured")
	}
	if query == "" {
		return nil, goerr.Wrap(model.ErrInvalidPayload, "query is required")
	}
	return uc.retriever.Retrieve(ctx, query, opts)
}

// RetrieveContext returns retrieval results rendered as prompt context
func (uc *UseCases) RetrieveContext(ctx context.Context, query string, opts retrieval.Options) (string, error) {
	if uc.retriever == nil {
		return "", goerr.New("retriever is not configured")
	}
	if query == "" {
		return "", goerr.Wrap(model.ErrInvalidPayload, "query is required")
	}
	return uc.retriever.RetrieveAsContext(ctx, query, opts)
}
