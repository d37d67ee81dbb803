package syncer_test

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/repository/memory"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
	"github.com/secmon-lab/mnemosyne/pkg/service/syncer"
)

// stubEmbedder derives a deterministic vector from the text content
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

type engineFixture struct {
	repo   *memory.Repository
	index  *memory.VectorIndex
	mirror *memory.CloudMirror
	bus    *eventbus.Bus
	engine *syncer.Engine
}

func newEngineFixture(t *testing.T, opts ...syncer.Option) *engineFixture {
	t.Helper()

	repo := memory.New()
	index := memory.NewVectorIndex()
	mirror := memory.NewCloudMirror(stubEmbedder{})
	bus := eventbus.New()
	engine := syncer.New(repo, index, mirror, stubEmbedder{}, bus, opts...)
	t.Cleanup(engine.Stop)

	return &engineFixture{repo: repo, index: index, mirror: mirror, bus: bus, engine: engine}
}

func (f *engineFixture) storeCompacted(t *testing.T, ctx context.Context, id, summary string) *model.CompactedMemory {
	t.Helper()

	mem := &model.CompactedMemory{
		ID:          id,
		Summary:     summary,
		TimestampMs: time.Now().UnixMilli(),
		Domain:      types.DomainProject,
		Version:     1,
		SyncStatus:  types.SyncPending,
		Checksum:    model.Checksum(summary),
	}
	vec, err := stubEmbedder{}.Embed(ctx, summary, types.EmbedDocument)
	gt.NoError(t, err).Required()
	gt.NoError(t, f.index.Upsert(ctx, types.CollectionCompactedMemories, id, vec, mem)).Required()
	_, err = f.repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, id)
	gt.NoError(t, err).Required()
	return mem
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCompactedEventTriggersDebouncedPush(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, syncer.WithPushDebounce(10*time.Millisecond))
	gt.NoError(t, f.engine.Start(ctx)).Required()

	mem := f.storeCompacted(t, ctx, "cm-1", "project kickoff agreed")
	f.bus.Emit(ctx, &model.SyncEvent{
		Type:     types.EventMemoryCompacted,
		Kind:     types.KindCompactedMemory,
		EntityID: mem.ID,
	})

	waitFor(t, time.Second, func() bool {
		rec, err := f.mirror.Fetch(ctx, types.KindCompactedMemory, "cm-1")
		return err == nil && rec != nil
	})

	entry, err := f.repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "cm-1")
	gt.NoError(t, err).Required()
	gt.Value(t, entry.Status).Equal(types.LedgerSynced)
	gt.Value(t, entry.CloudVersion).Equal(1)

	// The stored record reflects the push
	payload, found, err := f.index.Fetch(ctx, types.CollectionCompactedMemories, "cm-1")
	gt.NoError(t, err).Required()
	gt.Bool(t, found).True()
	gt.Value(t, gt.Cast[*model.CompactedMemory](t, payload).SyncStatus).Equal(types.SyncSynced)
}

func TestEntityBatchLastWriteWins(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, syncer.WithBatchInterval(20*time.Millisecond))
	gt.NoError(t, f.engine.Start(ctx)).Required()

	first := &model.Entity{
		ID: "e-1", Name: "ACME", Type: types.EntityOrganization,
		Description: "old description", MentionCount: 1, Version: 1,
		Checksum: model.Checksum("ACME\nold description"),
	}
	second := &model.Entity{
		ID: "e-1", Name: "ACME", Type: types.EntityOrganization,
		Description: "new description", MentionCount: 2, Version: 1,
		Checksum: model.Checksum("ACME\nnew description"),
	}

	f.bus.Emit(ctx, &model.SyncEvent{Type: types.EventEntityUpdated, EntityID: "e-1", Payload: first})
	f.bus.Emit(ctx, &model.SyncEvent{Type: types.EventEntityUpdated, EntityID: "e-1", Payload: second})

	waitFor(t, time.Second, func() bool {
		rec, err := f.mirror.Fetch(ctx, types.KindEntity, "e-1")
		return err == nil && rec != nil
	})

	rec, err := f.mirror.Fetch(ctx, types.KindEntity, "e-1")
	gt.NoError(t, err).Required()
	gt.Value(t, rec.Data["description"]).Equal("new description")
}

func TestTaskCompletedPushesImmediately(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	gt.NoError(t, f.engine.Start(ctx)).Required()

	decision := &model.DecisionRecord{
		ID: "dec-1", Text: "ship the beta on friday",
		Domain: types.DomainBusiness, TimestampMs: time.Now().UnixMilli(),
		Version: 1, Checksum: model.Checksum("ship the beta on friday"),
	}
	f.bus.Emit(ctx, &model.SyncEvent{Type: types.EventTaskCompleted, EntityID: decision.ID, Payload: decision})

	rec, err := f.mirror.Fetch(ctx, types.KindDecision, "dec-1")
	gt.NoError(t, err).Required()
	gt.Value(t, rec).NotNil()

	entry, err := f.repo.Ledger().GetOrCreate(ctx, types.KindDecision, "dec-1")
	gt.NoError(t, err).Required()
	gt.Value(t, entry.Status).Equal(types.LedgerSynced)
}

func TestReconcilePushesAllPending(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	f.storeCompacted(t, ctx, "cm-a", "summary a")
	f.storeCompacted(t, ctx, "cm-b", "summary b")

	gt.NoError(t, f.engine.Reconcile(ctx)).Required()

	stats, err := f.repo.Ledger().Stats(ctx)
	gt.NoError(t, err).Required()
	gt.Value(t, stats.PendingUp).Equal(0)
	gt.Value(t, stats.Synced).Equal(2)
}

func TestReconcileResolvesCloudDivergence(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	local := f.storeCompacted(t, ctx, "cm-merge", "local summary")
	local.KeyDecisions = []string{"A"}
	vec, err := stubEmbedder{}.Embed(ctx, local.Summary, types.EmbedDocument)
	gt.NoError(t, err).Required()
	gt.NoError(t, f.index.Upsert(ctx, types.CollectionCompactedMemories, local.ID, vec, local)).Required()

	// Cloud copy moved out of band: a newer version with its own decision
	cloudData := map[string]any{
		"id": "cm-merge", "summary": "cloud summary",
		"key_decisions": []any{"B"},
		"timestamp_ms":  float64(local.TimestampMs + 10*time.Minute.Milliseconds()),
		"domain":        "project", "version": float64(2), "sync_status": "synced",
		"checksum": model.Checksum("cloud summary"),
	}
	f.mirror.Seed(types.KindCompactedMemory, "cm-merge", cloudData, 2,
		local.TimestampMs+10*time.Minute.Milliseconds(), "")

	gt.NoError(t, f.engine.Reconcile(ctx)).Required()

	// Merged record landed locally with both decisions and the local summary
	payload, found, err := f.index.Fetch(ctx, types.CollectionCompactedMemories, "cm-merge")
	gt.NoError(t, err).Required()
	gt.Bool(t, found).True()
	merged := gt.Cast[*model.CompactedMemory](t, payload)
	gt.Value(t, merged.Summary).Equal("local summary")
	gt.Array(t, merged.KeyDecisions).Equal([]string{"A", "B"})
	gt.Value(t, merged.Version).Equal(3)

	entry, err := f.repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "cm-merge")
	gt.NoError(t, err).Required()
	gt.Value(t, entry.Status).Equal(types.LedgerSynced)
	gt.Value(t, entry.CloudVersion).Equal(3)
}

func TestConnectivityRestoredTriggersReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	gt.NoError(t, f.engine.Start(ctx)).Required()

	f.bus.GoOffline()
	f.storeCompacted(t, ctx, "cm-off", "written while offline")
	f.bus.Emit(ctx, &model.SyncEvent{
		Type:     types.EventMemoryCompacted,
		Kind:     types.KindCompactedMemory,
		EntityID: "cm-off",
	})
	gt.Value(t, f.bus.BufferedCount()).Equal(1)

	f.bus.GoOnline(ctx)

	waitFor(t, time.Second, func() bool {
		rec, err := f.mirror.Fetch(ctx, types.KindCompactedMemory, "cm-off")
		return err == nil && rec != nil
	})
}

func TestStoppedEngineIgnoresEvents(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, syncer.WithPushDebounce(time.Millisecond))
	gt.NoError(t, f.engine.Start(ctx)).Required()
	f.engine.Stop()

	f.storeCompacted(t, ctx, "cm-late", "after stop")
	f.bus.Emit(ctx, &model.SyncEvent{
		Type:     types.EventMemoryCompacted,
		Kind:     types.KindCompactedMemory,
		EntityID: "cm-late",
	})

	time.Sleep(30 * time.Millisecond)
	rec, err := f.mirror.Fetch(ctx, types.KindCompactedMemory, "cm-late")
	gt.NoError(t, err).Required()
	gt.Value(t, rec).Nil()
}

func TestBackfillReembedsQueuedRecords(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	// Stored with a zero vector, as the store path does when the
	// embedder is down
	raw := &model.RawMemory{
		ID: "r-bf", Text: "note stored while embedder was down",
		SessionID: "s1", TimestampMs: time.Now().UnixMilli(),
		Source: types.SourceConversation, Domain: types.DomainPersonal,
		ImportanceScore: 0.5, Version: 1,
		Checksum: model.Checksum("note stored while embedder was down"),
	}
	gt.NoError(t, f.index.Upsert(ctx, types.CollectionRawMemories, raw.ID, make([]float32, 8), raw)).Required()
	f.engine.QueueBackfill(types.CollectionRawMemories, raw.ID)

	gt.NoError(t, f.engine.Reconcile(ctx)).Required()

	queryVec, err := stubEmbedder{}.Embed(ctx, raw.Text, types.EmbedQuery)
	gt.NoError(t, err).Required()
	hits, err := f.index.Search(ctx, types.CollectionRawMemories, queryVec, interfaces.SearchOptions{Limit: 1, MinScore: 0.9})
	gt.NoError(t, err).Required()
	gt.Array(t, hits).Length(1)
	gt.Value(t, hits[0].ID).Equal("r-bf")
}

func TestEngineStatus(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	status, err := f.engine.Status(ctx)
	gt.NoError(t, err).Required()
	gt.Bool(t, status.Running).False()

	gt.NoError(t, f.engine.Start(ctx)).Required()
	f.storeCompacted(t, ctx, "cm-s", "status check")

	status, err = f.engine.Status(ctx)
	gt.NoError(t, err).Required()
	gt.Bool(t, status.Running).True()
	gt.Value(t, status.Ledger.PendingUp).Equal(1)
}
