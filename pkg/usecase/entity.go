package usecase

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// MentionInput describes one observed mention of a named entity
type MentionInput struct {
	Name        string             `json:"name"`
	Type        types.EntityType   `json:"type"`
	Domain      types.MemoryDomain `json:"domain,omitempty"`
	Description string             `json:"description,omitempty"`
	TimestampMs int64              `json:"timestamp_ms,omitempty"`
}

// RecordEntityMention upserts an entity by name: first sight creates
// it, a re-mention applies the mention update rules and bumps the
// version so the batched entity sync picks it up.
func (uc *UseCases) RecordEntityMention(ctx context.Context, input *MentionInput) (*model.Entity, error) {
	if input.Name == "" {
		return nil, goerr.Wrap(model.ErrInvalidPayload, "entity name is required")
	}
	ts := input.TimestampMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	entity, err := uc.findEntityByName(ctx, input.Name)
	if err != nil {
		return nil, err
	}

	if entity == nil {
		entity = &model.Entity{
			ID:           string(model.NewEntityID()),
			Name:         input.Name,
			Type:         input.Type,
			FirstSeenMs:  ts,
			MentionCount: 0,
			Version:      1,
		}
		if _, err := uc.repo.Ledger().GetOrCreate(ctx, types.KindEntity, entity.ID); err != nil {
			return nil, err
		}
	} else {
		version, err := uc.repo.Ledger().IncrementLocalVersion(ctx, types.KindEntity, entity.ID)
		if err != nil {
			return nil, err
		}
		entity.Version = version
	}

	entity.RecordMention(ts, input.Domain, input.Description)

	vector, err := uc.embedder.Embed(ctx, entity.Document(), types.EmbedDocument)
	if err != nil {
		return nil, err
	}
	if err := uc.index.Upsert(ctx, types.CollectionEntities, entity.ID, vector, entity); err != nil {
		return nil, err
	}

	uc.bus.Emit(ctx, &model.SyncEvent{
		Type:     types.EventEntityUpdated,
		Kind:     types.KindEntity,
		EntityID: entity.ID,
		Payload:  entity,
	})
	return entity, nil
}

// findEntityByName scans the entity collection for an exact name match.
// Name is the natural key; the collection stays small enough that a
// scan is fine.
func (uc *UseCases) findEntityByName(ctx context.Context, name string) (*model.Entity, error) {
	items, err := uc.index.Scroll(ctx, types.CollectionEntities, nil, 0)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if entity, ok := item.Payload.(*model.Entity); ok && entity.Name == name {
			return entity, nil
		}
	}
	return nil, nil
}
