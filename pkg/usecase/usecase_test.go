package usecase_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/repository/memory"
	"github.com/secmon-lab/mnemosyne/pkg/service/compaction"
	"github.com/secmon-lab/mnemosyne/pkg/service/consolidation"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
	"github.com/secmon-lab/mnemosyne/pkg/service/retrieval"
	"github.com/secmon-lab/mnemosyne/pkg/usecase"
)

type stubEmbedder struct {
	failing bool
}

func (e *stubEmbedder) Embed(_ context.Context, text string, _ types.EmbedMode) ([]float32, error) {
	if e.failing {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "stub is offline")
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(sum[i])/255 - 0.5
	}
	return vec, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string, mode types.EmbedMode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text, mode)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *stubEmbedder) Dimension() int { return 8 }

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

type fixture struct {
	uc    *usecase.UseCases
	repo  *memory.Repository
	index *memory.VectorIndex
	bus   *eventbus.Bus
}

func newFixture(t *testing.T, opts ...usecase.Option) *fixture {
	t.Helper()
	repo := memory.New()
	index := memory.NewVectorIndex()
	bus := eventbus.New()
	embedder := &stubEmbedder{}

	base := []usecase.Option{
		usecase.WithRetriever(retrieval.New(embedder, index, nil)),
	}
	return &fixture{
		uc:    usecase.New(repo, index, embedder, bus, append(base, opts...)...),
		repo:  repo,
		index: index,
		bus:   bus,
	}
}

func TestStoreRawMemoryDefaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mem, err := f.uc.StoreRawMemory(ctx, &usecase.StoreMemoryInput{
		Text:   "the supplier confirmed the delivery date",
		Domain: types.DomainBusiness,
	})
	gt.NoError(t, err).Required()
	gt.Value(t, mem.Source).Equal(types.SourceConversation)
	gt.Value(t, mem.ImportanceScore).Equal(usecase.DefaultImportance)
	gt.Number(t, mem.TimestampMs).Greater(0)
	gt.Value(t, mem.Version).Equal(1)

	_, found, err := f.index.Fetch(ctx, types.CollectionRawMemories, mem.ID)
	gt.NoError(t, err).Required()
	gt.Bool(t, found).True()

	entry, err := f.repo.Ledger().GetOrCreate(ctx, types.KindRawMemory, mem.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, entry.Status).Equal(types.LedgerPendingUp)
}

func TestStoreRawMemoryRejectsEmptyText(t *testing.T) {
	f := newFixture(t)
	_, err := f.uc.StoreRawMemory(context.Background(), &usecase.StoreMemoryInput{
		Domain: types.DomainPersonal,
	})
	gt.Error(t, err)
}

func TestStoreRawMemorySurvivesEmbedderOutage(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	index := memory.NewVectorIndex()
	uc := usecase.New(repo, index, &stubEmbedder{failing: true}, eventbus.New())

	mem, err := uc.StoreRawMemory(ctx, &usecase.StoreMemoryInput{
		Text:   "note written while offline",
		Domain: types.DomainPersonal,
	})
	gt.NoError(t, err).Required()

	_, found, err := index.Fetch(ctx, types.CollectionRawMemories, mem.ID)
	gt.NoError(t, err).Required()
	gt.Bool(t, found).True()
}

func TestSearchMemories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stored, err := f.uc.StoreRawMemory(ctx, &usecase.StoreMemoryInput{
		Text:   "the quarterly budget review is next monday",
		Domain: types.DomainFinance,
	})
	gt.NoError(t, err).Required()

	// The stub embedder is deterministic, so the exact text is a
	// perfect-similarity query
	result, err := f.uc.SearchMemories(ctx, "the quarterly budget review is next monday", retrieval.Options{
		IncludeRaw: true,
	})
	gt.NoError(t, err).Required()
	gt.Array(t, result.Memories).Length(1)
	gt.Value(t, result.Memories[0].ID).Equal(stored.ID)
}

func TestAddSessionMessageCapturesRawMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.uc.AddSessionMessage(ctx, "s1", &usecase.AddMessageInput{
		Role:   compaction.RoleUser,
		Text:   "please remind me about the dentist appointment",
		Domain: types.DomainHealth,
	})
	gt.NoError(t, err).Required()
	gt.Bool(t, result.NeedsCompaction).False()

	count, err := f.index.Count(ctx, types.CollectionRawMemories)
	gt.NoError(t, err).Required()
	gt.Value(t, count).Equal(1)

	// System messages steer the session but are not memories
	_, err = f.uc.AddSessionMessage(ctx, "s1", &usecase.AddMessageInput{
		Role: compaction.RoleSystem,
		Text: "you are a helpful assistant",
	})
	gt.NoError(t, err).Required()

	count, err = f.index.Count(ctx, types.CollectionRawMemories)
	gt.NoError(t, err).Required()
	gt.Value(t, count).Equal(1)
}

func TestCompactSession(t *testing.T) {
	ctx := context.Background()

	llm := &mockLLMClient{response: `{
		"summary": "Planning discussion about the garden renovation.",
		"key_decisions": ["hire a landscaper"],
		"key_facts": ["budget is five thousand"],
		"key_entities": ["garden"],
		"domain": "personal",
		"action_items": [],
		"tone": "relaxed"
	}`}

	repo := memory.New()
	index := memory.NewVectorIndex()
	bus := eventbus.New()
	embedder := &stubEmbedder{}

	compactor := gt.R1(compaction.NewCompactor(llm, embedder, index, repo, bus)).NoError(t)
	monitor := compaction.NewMonitor(compaction.WithContextWindow(50), compaction.WithKeepExchanges(1))

	uc := usecase.New(repo, index, embedder, bus,
		usecase.WithMonitor(monitor),
		usecase.WithCompactor(compactor),
	)

	texts := []string{
		"we want to renovate the garden this spring",
		"the budget is five thousand",
		"a landscaper should handle the heavy work",
		"ask for quotes from three companies",
		"the deadline is end of may",
		"remember to check drainage first",
	}
	for _, text := range texts {
		_, err := uc.AddSessionMessage(ctx, "s1", &usecase.AddMessageInput{
			Role:   compaction.RoleUser,
			Text:   text,
			Domain: types.DomainPersonal,
		})
		gt.NoError(t, err).Required()
	}

	result, err := uc.CompactSession(ctx, "s1", types.DomainPersonal)
	gt.NoError(t, err).Required()
	gt.Value(t, result.Sources).Equal(len(texts))
	gt.Value(t, result.Compacted.Domain).Equal(types.DomainPersonal)
	gt.Bool(t, result.Rescued).False()

	// Session state collapsed to summary plus kept tail
	gt.Number(t, uc.SessionUsage("s1").Ratio).Less(1)

	// A second trigger has nothing left to fold
	_, err = uc.CompactSession(ctx, "s1", types.DomainPersonal)
	gt.Error(t, err)
}

func TestRecordEntityMention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var events int
	f.bus.Subscribe(func(_ context.Context, _ *model.SyncEvent) {
		events++
	}, types.EventEntityUpdated)

	first, err := f.uc.RecordEntityMention(ctx, &usecase.MentionInput{
		Name:        "Acme Corp",
		Type:        types.EntityOrganization,
		Domain:      types.DomainBusiness,
		Description: "supplier of industrial parts",
	})
	gt.NoError(t, err).Required()
	gt.Value(t, first.MentionCount).Equal(1)
	gt.Value(t, first.Version).Equal(1)

	second, err := f.uc.RecordEntityMention(ctx, &usecase.MentionInput{
		Name:   "Acme Corp",
		Type:   types.EntityOrganization,
		Domain: types.DomainFinance,
	})
	gt.NoError(t, err).Required()
	gt.Value(t, second.ID).Equal(first.ID)
	gt.Value(t, second.MentionCount).Equal(2)
	gt.Value(t, second.Version).Equal(2)
	gt.Array(t, second.RelatedDomains).Has(types.DomainBusiness)
	gt.Array(t, second.RelatedDomains).Has(types.DomainFinance)

	gt.Value(t, events).Equal(2)
}

func TestConsolidateThroughWorker(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	index := memory.NewVectorIndex()
	engine := consolidation.New(index, repo)
	uc := usecase.New(repo, index, &stubEmbedder{}, eventbus.New(),
		usecase.WithConsolidationWorker(consolidation.NewWorker(engine)),
	)

	result, err := uc.Consolidate(ctx)
	gt.NoError(t, err).Required()
	gt.Value(t, result.Merged).Equal(0)
	gt.Value(t, result.Decayed).Equal(0)
}
