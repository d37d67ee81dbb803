package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"golang.org/x/sync/errgroup"

	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// Rescue extraction defaults. Summarization is lossy; these gates decide
// which atomic facts are worth preserving verbatim beforehand.
const (
	DefaultRescueThreshold = 7
	DefaultNearDupScore    = 0.92
	rescueMaxImportance    = 10
)

// Extractor runs the pre-compaction rescue passes: facts, decisions and
// skills extracted independently, importance-gated, deduplicated, then
// committed as tagged raw memories.
type Extractor struct {
	llm       gollem.LLMClient
	embedder  interfaces.Embedder
	index     interfaces.VectorIndex
	repo      interfaces.Repository
	threshold int
	nearDup   float64
}

// ExtractorOption is a functional option for Extractor configuration
type ExtractorOption func(*Extractor)

// WithRescueThreshold overrides the minimum importance (1-10) a rescued
// item needs to be committed
func WithRescueThreshold(n int) ExtractorOption {
	return func(x *Extractor) {
		if n >= 1 && n <= rescueMaxImportance {
			x.threshold = n
		}
	}
}

// WithNearDupScore overrides the cosine similarity above which a
// candidate counts as already stored
func WithNearDupScore(score float64) ExtractorOption {
	return func(x *Extractor) {
		if score > 0 && score <= 1 {
			x.nearDup = score
		}
	}
}

// NewExtractor creates a rescue extractor
func NewExtractor(llm gollem.LLMClient, embedder interfaces.Embedder, index interfaces.VectorIndex, repo interfaces.Repository, opts ...ExtractorOption) (*Extractor, error) {
	if llm == nil {
		return nil, goerr.New("LLM client is required")
	}

	x := &Extractor{
		llm:       llm,
		embedder:  embedder,
		index:     index,
		repo:      repo,
		threshold: DefaultRescueThreshold,
		nearDup:   DefaultNearDupScore,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

type rescueItem struct {
	kind       types.RescueKind
	text       string
	importance int
}

// Rescue runs the three extraction passes over the message batch and
// commits the surviving items as raw memories. A parse failure in one
// pass drops that pass only; nothing escalates to the caller's request
// path.
func (x *Extractor) Rescue(ctx context.Context, sessionID string, domain types.MemoryDomain, messages []Message) ([]*model.RawMemory, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	transcript := formatTranscript(messages)

	var mu sync.Mutex
	var items []rescueItem

	eg, egCtx := errgroup.WithContext(ctx)
	for _, kind := range types.AllRescueKinds() {
		eg.Go(func() error {
			extracted, err := x.extractPass(egCtx, kind, transcript)
			if err != nil {
				// ParseFailure and provider errors drop the pass, logged only
				logging.From(ctx).Warn("rescue pass dropped",
					"kind", kind, "session_id", sessionID, "error", err.Error())
				return nil
			}
			mu.Lock()
			items = append(items, extracted...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return x.commit(ctx, sessionID, domain, items)
}

// commit filters by importance, deduplicates within the batch by content
// hash, drops near-duplicates already in the index, and stores the rest
func (x *Extractor) commit(ctx context.Context, sessionID string, domain types.MemoryDomain, items []rescueItem) ([]*model.RawMemory, error) {
	seen := make(map[string]bool, len(items))
	var committed []*model.RawMemory

	for _, item := range items {
		if item.importance < x.threshold {
			continue
		}

		text := fmt.Sprintf("%s: %s", item.kind.Tag(), item.text)
		checksum := model.Checksum(text)
		if seen[checksum] {
			continue
		}
		seen[checksum] = true

		vector, err := x.embedder.Embed(ctx, text, types.EmbedDocument)
		if err != nil {
			return committed, goerr.Wrap(err, "failed to embed rescued memory", goerr.V("kind", item.kind))
		}

		dup, err := x.nearDuplicate(ctx, vector)
		if err != nil {
			return committed, err
		}
		if dup {
			continue
		}

		mem := &model.RawMemory{
			ID:              string(model.NewRawMemoryID()),
			Text:            text,
			SessionID:       sessionID,
			TimestampMs:     time.Now().UnixMilli(),
			Source:          types.SourceConversation,
			Domain:          domain.Normalize(),
			ImportanceScore: float64(item.importance) / rescueMaxImportance,
			Version:         1,
			Checksum:        checksum,
		}
		if err := x.index.Upsert(ctx, types.CollectionRawMemories, mem.ID, vector, mem); err != nil {
			return committed, goerr.Wrap(err, "failed to store rescued memory", goerr.V("id", mem.ID))
		}
		if _, err := x.repo.Ledger().GetOrCreate(ctx, types.KindRawMemory, mem.ID); err != nil {
			return committed, err
		}
		committed = append(committed, mem)
	}

	if len(committed) > 0 {
		logging.From(ctx).Info("rescued memories before compaction",
			"session_id", sessionID, "count", len(committed))
	}
	return committed, nil
}

func (x *Extractor) nearDuplicate(ctx context.Context, vector []float32) (bool, error) {
	hits, err := x.index.Search(ctx, types.CollectionRawMemories, vector, interfaces.SearchOptions{
		Limit:    1,
		MinScore: x.nearDup,
	})
	if err != nil {
		return false, goerr.Wrap(err, "near-duplicate check failed")
	}
	return len(hits) > 0, nil
}

// extractPass runs one structured extraction over the transcript
func (x *Extractor) extractPass(ctx context.Context, kind types.RescueKind, transcript string) ([]rescueItem, error) {
	session, err := x.llm.NewSession(ctx,
		gollem.WithSessionContentType(gollem.ContentTypeJSON),
		gollem.WithSessionResponseSchema(rescueSchema(kind)),
		gollem.WithSessionSystemPrompt(rescueSystemPrompt(kind)),
	)
	if err != nil {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "failed to create rescue session",
			goerr.V("kind", kind), goerr.V("cause", err.Error()))
	}

	resp, err := session.GenerateContent(ctx, gollem.Text(transcript))
	if err != nil {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "rescue extraction call failed",
			goerr.V("kind", kind), goerr.V("cause", err.Error()))
	}
	if len(resp.Texts) == 0 {
		return nil, goerr.Wrap(model.ErrParseFailure, "empty rescue response", goerr.V("kind", kind))
	}

	var parsed struct {
		Items []struct {
			Text       string `json:"text"`
			Importance int    `json:"importance"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(resp.Texts[0]), &parsed); err != nil {
		return nil, goerr.Wrap(model.ErrParseFailure, "rescue output is not valid JSON",
			goerr.V("kind", kind), goerr.V("response", resp.Texts[0]))
	}

	items := make([]rescueItem, 0, len(parsed.Items))
	for _, p := range parsed.Items {
		if p.Text == "" {
			continue
		}
		items = append(items, rescueItem{kind: kind, text: p.Text, importance: p.Importance})
	}
	return items, nil
}

func rescueSystemPrompt(kind types.RescueKind) string {
	var sb strings.Builder
	sb.WriteString("You extract high-value information from a conversation transcript before it is summarized.\n\n")

	switch kind {
	case types.RescueFact:
		sb.WriteString("Extract atomic FACTS: concrete, verifiable statements about the user, their work, or their world. ")
		sb.WriteString("Prefer facts that stay true over time (names, numbers, preferences, constraints).\n")
	case types.RescueDecision:
		sb.WriteString("Extract DECISIONS: commitments, choices, and agreements made in the conversation, ")
		sb.WriteString("including who decided and what happens next.\n")
	case types.RescueSkill:
		sb.WriteString("Extract SKILLS: techniques, procedures, and learned know-how described in the conversation ")
		sb.WriteString("that would be useful to recall later.\n")
	}

	sb.WriteString("\nFor every item, score its importance from 1 (trivial) to 10 (critical to remember). ")
	sb.WriteString("Return only items actually present in the transcript. If there are none, return an empty list.")
	return sb.String()
}

func rescueSchema(kind types.RescueKind) *gollem.Parameter {
	return &gollem.Parameter{
		Title:       "RescueExtraction",
		Description: fmt.Sprintf("Items of kind %q extracted from the transcript", kind),
		Type:        gollem.TypeObject,
		Properties: map[string]*gollem.Parameter{
			"items": {
				Type:        gollem.TypeArray,
				Description: "Extracted items with importance scores",
				Required:    true,
				Items: &gollem.Parameter{
					Type: gollem.TypeObject,
					Properties: map[string]*gollem.Parameter{
						"text": {
							Type:        gollem.TypeString,
							Description: "The extracted item, one self-contained sentence",
							Required:    true,
						},
						"importance": {
							Type:        gollem.TypeInteger,
							Description: "Importance from 1 (trivial) to 10 (critical)",
							Required:    true,
						},
					},
				},
			},
		},
	}
}

// formatTranscript renders messages as a plain transcript for the LLM
func formatTranscript(messages []Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Text)
	}
	return sb.String()
}
