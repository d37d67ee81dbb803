package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"

	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// Compactor synthesizes batches of raw memories into one compacted
// memory via structured LLM output, marks the sources as folded in, and
// announces the result on the event bus.
type Compactor struct {
	llm       gollem.LLMClient
	embedder  interfaces.Embedder
	index     interfaces.VectorIndex
	repo      interfaces.Repository
	bus       *eventbus.Bus
	modelName string
}

// CompactorOption is a functional option for Compactor configuration
type CompactorOption func(*Compactor)

// WithModelName records which model produced the summaries
func WithModelName(name string) CompactorOption {
	return func(c *Compactor) {
		c.modelName = name
	}
}

// NewCompactor creates a compactor
func NewCompactor(llm gollem.LLMClient, embedder interfaces.Embedder, index interfaces.VectorIndex, repo interfaces.Repository, bus *eventbus.Bus, opts ...CompactorOption) (*Compactor, error) {
	if llm == nil {
		return nil, goerr.New("LLM client is required")
	}

	c := &Compactor{
		llm:      llm,
		embedder: embedder,
		index:    index,
		repo:     repo,
		bus:      bus,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type compactionOutput struct {
	Summary      string   `json:"summary"`
	KeyDecisions []string `json:"key_decisions"`
	KeyFacts     []string `json:"key_facts"`
	KeyEntities  []string `json:"key_entities"`
	Domain       string   `json:"domain"`
	ActionItems  []string `json:"action_items"`
	Tone         string   `json:"tone"`
}

// Compact summarizes the raw memory batch into a compacted memory,
// stores it, flips the sources' compacted flag, and emits
// memory:compacted. The batch must not be empty.
func (c *Compactor) Compact(ctx context.Context, sessionID string, sources []*model.RawMemory) (*model.CompactedMemory, error) {
	if len(sources) == 0 {
		return nil, goerr.New("nothing to compact", goerr.V("session_id", sessionID))
	}

	out, err := c.summarize(ctx, sources)
	if err != nil {
		return nil, err
	}

	compacted := c.build(sessionID, sources, out)

	vector, err := c.embedder.Embed(ctx, compacted.Summary, types.EmbedDocument)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed compacted summary", goerr.V("id", compacted.ID))
	}
	if err := c.index.Upsert(ctx, types.CollectionCompactedMemories, compacted.ID, vector, compacted); err != nil {
		return nil, goerr.Wrap(err, "failed to store compacted memory", goerr.V("id", compacted.ID))
	}
	if _, err := c.repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, compacted.ID); err != nil {
		return nil, err
	}

	c.markSourcesCompacted(ctx, sources)

	c.bus.Emit(ctx, &model.SyncEvent{
		Type:     types.EventMemoryCompacted,
		Kind:     types.KindCompactedMemory,
		EntityID: compacted.ID,
		Payload:  compacted,
	})

	logging.From(ctx).Info("compacted raw memories",
		"session_id", sessionID,
		"compacted_id", compacted.ID,
		"source_count", len(sources),
	)
	return compacted, nil
}

// markSourcesCompacted flips the compacted flag on every source. A
// failed flip is logged and left as-is; the record stays eligible for a
// later pass, which is harmless.
func (c *Compactor) markSourcesCompacted(ctx context.Context, sources []*model.RawMemory) {
	for _, src := range sources {
		err := c.index.SetPayload(ctx, types.CollectionRawMemories, src.ID, map[string]any{"compacted": true})
		if err != nil {
			logging.From(ctx).Warn("failed to mark raw memory as compacted",
				"id", src.ID, "error", err.Error())
		}
	}
}

func (c *Compactor) build(sessionID string, sources []*model.RawMemory, out *compactionOutput) *model.CompactedMemory {
	rangeStart, rangeEnd := sources[0].TimestampMs, sources[0].TimestampMs
	importance := sources[0].ImportanceScore
	sessionIDs := []string{}
	seenSessions := map[string]bool{}

	for _, src := range sources {
		if src.TimestampMs < rangeStart {
			rangeStart = src.TimestampMs
		}
		if src.TimestampMs > rangeEnd {
			rangeEnd = src.TimestampMs
		}
		if src.ImportanceScore > importance {
			importance = src.ImportanceScore
		}
		if src.SessionID != "" && !seenSessions[src.SessionID] {
			seenSessions[src.SessionID] = true
			sessionIDs = append(sessionIDs, src.SessionID)
		}
	}
	if len(sessionIDs) == 0 {
		sessionIDs = []string{sessionID}
	}

	domain, err := types.ParseMemoryDomain(out.Domain)
	if err != nil {
		domain = types.DomainPersonal
	}

	return &model.CompactedMemory{
		ID:               string(model.NewCompactedMemoryID()),
		Summary:          out.Summary,
		SourceSessionIDs: sessionIDs,
		SourceCount:      len(sources),
		TimestampMs:      time.Now().UnixMilli(),
		TimeRangeStartMs: rangeStart,
		TimeRangeEndMs:   rangeEnd,
		Domain:           domain,
		KeyEntities:      out.KeyEntities,
		KeyDecisions:     out.KeyDecisions,
		KeyFacts:         out.KeyFacts,
		ActionItems:      out.ActionItems,
		Tone:             out.Tone,
		ImportanceScore:  importance,
		CompactionModel:  c.modelName,
		Version:          1,
		SyncStatus:       types.SyncPending,
		Checksum:         model.Checksum(out.Summary),
	}
}

func (c *Compactor) summarize(ctx context.Context, sources []*model.RawMemory) (*compactionOutput, error) {
	session, err := c.llm.NewSession(ctx,
		gollem.WithSessionContentType(gollem.ContentTypeJSON),
		gollem.WithSessionResponseSchema(compactionSchema()),
		gollem.WithSessionSystemPrompt(compactionSystemPrompt),
	)
	if err != nil {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "failed to create compaction session",
			goerr.V("cause", err.Error()))
	}

	resp, err := session.GenerateContent(ctx, gollem.Text(compactionUserPrompt(sources)))
	if err != nil {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "compaction call failed",
			goerr.V("cause", err.Error()))
	}
	if len(resp.Texts) == 0 {
		return nil, goerr.Wrap(model.ErrParseFailure, "empty compaction response")
	}

	var out compactionOutput
	if err := json.Unmarshal([]byte(resp.Texts[0]), &out); err != nil {
		return nil, goerr.Wrap(model.ErrParseFailure, "compaction output is not valid JSON",
			goerr.V("response", resp.Texts[0]))
	}
	if out.Summary == "" {
		return nil, goerr.Wrap(model.ErrParseFailure, "compaction output has no summary")
	}
	return &out, nil
}

const compactionSystemPrompt = `You condense a batch of captured conversation memories into one dense summary.

Preserve: concrete decisions, hard facts (names, numbers, dates), entities involved, and open action items.
Classify the batch into exactly one domain: health, business, project, personal, or finance.
Describe the overall tone of the conversation in one or two words.
Write the summary in the same language as the source memories.`

func compactionUserPrompt(sources []*model.RawMemory) string {
	var sb strings.Builder
	sb.WriteString("## Memories to compact:\n\n")
	for _, src := range sources {
		fmt.Fprintf(&sb, "- [%s] %s\n", time.UnixMilli(src.TimestampMs).UTC().Format(time.RFC3339), src.Text)
	}
	return sb.String()
}

func compactionSchema() *gollem.Parameter {
	stringArray := func(description string, required bool) *gollem.Parameter {
		return &gollem.Parameter{
			Type:        gollem.TypeArray,
			Description: description,
			Items:       &gollem.Parameter{Type: gollem.TypeString},
			Required:    required,
		}
	}

	return &gollem.Parameter{
		Title:       "CompactionResult",
		Description: "One dense summary of a batch of raw memories",
		Type:        gollem.TypeObject,
		Properties: map[string]*gollem.Parameter{
			"summary": {
				Type:        gollem.TypeString,
				Description: "Dense summary of the batch",
				Required:    true,
			},
			"key_decisions": stringArray("Decisions made, one per entry", true),
			"key_facts":     stringArray("Hard facts worth keeping", true),
			"key_entities":  stringArray("Names of people, organizations, projects mentioned", true),
			"domain": {
				Type:        gollem.TypeString,
				Description: "One of: health, business, project, personal, finance",
				Enum:        []string{"health", "business", "project", "personal", "finance"},
				Required:    true,
			},
			"action_items": stringArray("Open action items", false),
			"tone": {
				Type:        gollem.TypeString,
				Description: "Overall tone in one or two words",
			},
		},
	}
}
