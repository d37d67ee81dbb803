package compaction_test

import (
	"context"
	"crypto/sha256"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gollem"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/repository/memory"
	"github.com/secmon-lab/mnemosyne/pkg/service/compaction"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string, _ types.EmbedMode) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(sum[i])/255 - 0.5
	}
	return vec, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string, mode types.EmbedMode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text, mode)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (stubEmbedder) Dimension() int { return 8 }

// mockLLMSession returns a fixed text for every generation
type mockLLMSession struct {
	text string
}

func (s *mockLLMSession) Generate(ctx context.Context, input []gollem.Input, opts ...gollem.GenerateOption) (*gollem.Response, error) {
	return &gollem.Response{Texts: []string{s.text}}, nil
}

func (s *mockLLMSession) Stream(ctx context.Context, input []gollem.Input, opts ...gollem.GenerateOption) (<-chan *gollem.Response, error) {
	return nil, nil
}

func (s *mockLLMSession) GenerateContent(ctx context.Context, input ...gollem.Input) (*gollem.Response, error) {
	return &gollem.Response{Texts: []string{s.text}}, nil
}

func (s *mockLLMSession) GenerateStream(ctx context.Context, input ...gollem.Input) (<-chan *gollem.Response, error) {
	return nil, nil
}

func (s *mockLLMSession) History() (*gollem.History, error) { return nil, nil }

func (s *mockLLMSession) AppendHistory(*gollem.History) error { return nil }

func (s *mockLLMSession) CountToken(ctx context.Context, input ...gollem.Input) (int, error) {
	return 0, nil
}

type mockLLMClient struct {
	response string
}

func (c *mockLLMClient) NewSession(ctx context.Context, options ...gollem.SessionOption) (gollem.Session, error) {
	return &mockLLMSession{text: c.response}, nil
}

func (c *mockLLMClient) GenerateEmbedding(ctx context.Context, dimension int, input []string) ([][]float64, error) {
	return nil, nil
}

func conversation() []compaction.Message {
	return []compaction.Message{
		{Role: compaction.RoleUser, Text: "we decided to migrate the billing service to postgres"},
		{Role: compaction.RoleAssistant, Text: "noted, the migration is planned for the 15th"},
	}
}

func TestRescueCommitsImportantItems(t *testing.T) {
	ctx := context.Background()
	idx := memory.NewVectorIndex()
	repo := memory.New()

	llm := &mockLLMClient{response: `{"items":[
		{"text":"billing service moves to postgres on the 15th","importance":9},
		{"text":"the weather was nice","importance":2}
	]}`}

	x := gt.R1(compaction.NewExtractor(llm, stubEmbedder{}, idx, repo)).NoError(t)

	committed, err := x.Rescue(ctx, "s1", types.DomainBusiness, conversation())
	gt.NoError(t, err).Required()

	// One surviving item per pass; the low-importance one is gated out
	gt.Array(t, committed).Length(3)
	var tags []string
	for _, mem := range committed {
		gt.Number(t, mem.ImportanceScore).Equal(0.9)
		gt.Value(t, mem.Domain).Equal(types.DomainBusiness)
		tags = append(tags, strings.SplitN(mem.Text, ":", 3)[1])
	}
	gt.Array(t, tags).Has("FACT")
	gt.Array(t, tags).Has("DECISION")
	gt.Array(t, tags).Has("SKILL")
}

func TestRescueSecondRunCommitsNothing(t *testing.T) {
	ctx := context.Background()
	idx := memory.NewVectorIndex()
	repo := memory.New()

	llm := &mockLLMClient{response: `{"items":[{"text":"the API key rotates every 90 days","importance":8}]}`}
	x := gt.R1(compaction.NewExtractor(llm, stubEmbedder{}, idx, repo)).NoError(t)

	first, err := x.Rescue(ctx, "s1", types.DomainProject, conversation())
	gt.NoError(t, err).Required()
	gt.Array(t, first).Length(3)

	// Identical batch against the now-populated index: near-duplicate
	// check drops everything
	second, err := x.Rescue(ctx, "s1", types.DomainProject, conversation())
	gt.NoError(t, err).Required()
	gt.Array(t, second).Length(0)
}

func TestRescueDropsUnparsableOutput(t *testing.T) {
	ctx := context.Background()
	idx := memory.NewVectorIndex()
	repo := memory.New()

	llm := &mockLLMClient{response: "not json at all"}
	x := gt.R1(compaction.NewExtractor(llm, stubEmbedder{}, idx, repo)).NoError(t)

	committed, err := x.Rescue(ctx, "s1", types.DomainPersonal, conversation())
	gt.NoError(t, err).Required()
	gt.Array(t, committed).Length(0)
}

func TestRescueEmptyBatch(t *testing.T) {
	x := gt.R1(compaction.NewExtractor(&mockLLMClient{}, stubEmbedder{}, memory.NewVectorIndex(), memory.New())).NoError(t)

	committed, err := x.Rescue(context.Background(), "s1", types.DomainPersonal, nil)
	gt.NoError(t, err).Required()
	gt.Array(t, committed).Length(0)
}

func storeRaw(t *testing.T, idx *memory.VectorIndex, id, text, sessionID string, tsMs int64) *model.RawMemory {
	t.Helper()
	mem := &model.RawMemory{
		ID: id, Text: text, SessionID: sessionID, TimestampMs: tsMs,
		Source: types.SourceConversation, Domain: types.DomainBusiness,
		ImportanceScore: 0.6, Version: 1, Checksum: model.Checksum(text),
	}
	vec, err := stubEmbedder{}.Embed(context.Background(), text, types.EmbedDocument)
	gt.NoError(t, err).Required()
	gt.NoError(t, idx.Upsert(context.Background(), types.CollectionRawMemories, id, vec, mem)).Required()
	return mem
}

func TestCompactorProducesCompactedMemory(t *testing.T) {
	ctx := context.Background()
	idx := memory.NewVectorIndex()
	repo := memory.New()
	bus := eventbus.New()

	var events []*model.SyncEvent
	bus.Subscribe(func(_ context.Context, ev *model.SyncEvent) {
		events = append(events, ev)
	}, types.EventMemoryCompacted)

	llm := &mockLLMClient{response: `{
		"summary": "Billing migration to postgres agreed, scheduled for the 15th.",
		"key_decisions": ["migrate billing to postgres"],
		"key_facts": ["migration date is the 15th"],
		"key_entities": ["billing service"],
		"domain": "business",
		"action_items": ["prepare migration plan"],
		"tone": "focused"
	}`}

	c := gt.R1(compaction.NewCompactor(llm, stubEmbedder{}, idx, repo, bus,
		compaction.WithModelName("gemini-2.0-flash"))).NoError(t)

	now := time.Now().UnixMilli()
	sources := []*model.RawMemory{
		storeRaw(t, idx, "r1", "we should move billing to postgres", "s1", now-10_000),
		storeRaw(t, idx, "r2", "migration set for the 15th", "s1", now),
	}

	compacted, err := c.Compact(ctx, "s1", sources)
	gt.NoError(t, err).Required()

	gt.Value(t, compacted.Domain).Equal(types.DomainBusiness)
	gt.Value(t, compacted.SourceCount).Equal(2)
	gt.Array(t, compacted.SourceSessionIDs).Equal([]string{"s1"})
	gt.Value(t, compacted.TimeRangeStartMs).Equal(now - 10_000)
	gt.Value(t, compacted.TimeRangeEndMs).Equal(now)
	gt.Value(t, compacted.SyncStatus).Equal(types.SyncPending)
	gt.Value(t, compacted.CompactionModel).Equal("gemini-2.0-flash")
	gt.Array(t, compacted.KeyDecisions).Equal([]string{"migrate billing to postgres"})

	// Stored and announced
	_, found, err := idx.Fetch(ctx, types.CollectionCompactedMemories, compacted.ID)
	gt.NoError(t, err).Required()
	gt.Bool(t, found).True()

	gt.Array(t, events).Length(1)
	gt.Value(t, events[0].EntityID).Equal(compacted.ID)

	// Sources are folded in
	for _, src := range sources {
		payload, _, err := idx.Fetch(ctx, types.CollectionRawMemories, src.ID)
		gt.NoError(t, err).Required()
		gt.Bool(t, gt.Cast[*model.RawMemory](t, payload).Compacted).True()
	}

	// The new record is pending on the ledger
	entry, err := repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, compacted.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, entry.Status).Equal(types.LedgerPendingUp)
}

func TestCompactorRejectsEmptyBatch(t *testing.T) {
	c := gt.R1(compaction.NewCompactor(&mockLLMClient{}, stubEmbedder{}, memory.NewVectorIndex(), memory.New(), eventbus.New())).NoError(t)

	_, err := c.Compact(context.Background(), "s1", nil)
	gt.Error(t, err)
}

func TestCompactorDropsUnparsableOutput(t *testing.T) {
	ctx := context.Background()
	idx := memory.NewVectorIndex()

	llm := &mockLLMClient{response: "garbage"}
	c := gt.R1(compaction.NewCompactor(llm, stubEmbedder{}, idx, memory.New(), eventbus.New())).NoError(t)

	src := storeRaw(t, idx, "r1", "something happened", "s1", time.Now().UnixMilli())
	_, err := c.Compact(ctx, "s1", []*model.RawMemory{src})
	gt.Error(t, err)

	// Sources stay uncompacted so a later pass can retry
	payload, _, err := idx.Fetch(ctx, types.CollectionRawMemories, "r1")
	gt.NoError(t, err).Required()
	gt.Bool(t, gt.Cast[*model.RawMemory](t, payload).Compacted).False()
}
