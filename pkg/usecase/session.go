package usecase

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/service/compaction"
	"github.com/secmon-lab/mnemosyne/pkg/utils/async"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// AddMessageInput is one conversation message entering a session
type AddMessageInput struct {
	Role       string             `json:"role"`
	Text       string             `json:"text"`
	Domain     types.MemoryDomain `json:"domain,omitempty"`
	Importance float64            `json:"importance,omitempty"`
}

// AddSessionMessage feeds one message into the session monitor and,
// for non-system messages, captures it as a raw memory. The returned
// result tells the caller whether the session crossed the compaction
// threshold.
func (uc *UseCases) AddSessionMessage(ctx context.Context, sessionID string, input *AddMessageInput) (*compaction.AddResult, error) {
	if sessionID == "" {
		return nil, goerr.Wrap(model.ErrInvalidPayload, "session ID is required")
	}
	if input.Text == "" {
		return nil, goerr.Wrap(model.ErrInvalidPayload, "message text is required")
	}

	result := uc.monitor.AddMessage(sessionID, input.Role, input.Text)

	if input.Role != compaction.RoleSystem {
		domain := input.Domain
		if domain == "" {
			domain = types.DomainPersonal
		}
		if _, err := uc.StoreRawMemory(ctx, &StoreMemoryInput{
			Text:       input.Text,
			SessionID:  sessionID,
			Source:     types.SourceConversation,
			Domain:     domain,
			Importance: input.Importance,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// CompactSessionResult reports what a compaction trigger kicked off
type CompactSessionResult struct {
	Compacted *model.CompactedMemory `json:"compacted,omitempty"`
	Sources   int                    `json:"sources"`
	Rescued   bool                   `json:"rescued"`
}

// CompactSession folds the session's compactable history into one
// compacted memory. The rescue passes run in the background; the
// response does not wait for them.
func (uc *UseCases) CompactSession(ctx context.Context, sessionID string, domain types.MemoryDomain) (*CompactSessionResult, error) {
	if uc.compactor == nil {
		return nil, goerr.New("compactor is not configured")
	}
	if sessionID == "" {
		return nil, goerr.Wrap(model.ErrInvalidPayload, "session ID is required")
	}
	if domain == "" {
		domain = types.DomainPersonal
	}

	toCompact, toKeep := uc.monitor.GetCompactableMessages(sessionID)
	if len(toCompact) == 0 {
		return nil, goerr.New("session has nothing to compact", goerr.V("session_id", sessionID))
	}

	result := &CompactSessionResult{}

	// Rescue runs before summarization can lose detail, but the caller
	// does not wait for it.
	if uc.extractor != nil {
		result.Rescued = true
		batch := toCompact
		async.Dispatch(ctx, func(ctx context.Context) error {
			rescued, err := uc.extractor.Rescue(ctx, sessionID, domain, batch)
			if err != nil {
				return err
			}
			logging.From(ctx).Info("rescue pass finished",
				"session_id", sessionID,
				"committed", len(rescued),
			)
			return nil
		})
	}

	sources, err := uc.sessionSources(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, goerr.New("session has no uncompacted memories", goerr.V("session_id", sessionID))
	}

	compacted, err := uc.compactor.Compact(ctx, sessionID, sources)
	if err != nil {
		return nil, err
	}

	uc.monitor.ReplaceAfterCompaction(sessionID, compacted.Summary, toKeep)

	result.Compacted = compacted
	result.Sources = len(sources)
	return result, nil
}

// SessionUsage exposes the monitor's running estimate for one session
func (uc *UseCases) SessionUsage(sessionID string) compaction.Usage {
	return uc.monitor.Usage(sessionID)
}

func (uc *UseCases) sessionSources(ctx context.Context, sessionID string) ([]*model.RawMemory, error) {
	items, err := uc.index.Scroll(ctx, types.CollectionRawMemories, &interfaces.SearchFilter{
		SessionID:        sessionID,
		ExcludeCompacted: true,
	}, 0)
	if err != nil {
		return nil, err
	}

	sources := make([]*model.RawMemory, 0, len(items))
	for _, item := range items {
		if mem, ok := item.Payload.(*model.RawMemory); ok {
			sources = append(sources, mem)
		}
	}
	return sources, nil
}
