package syncer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
	"github.com/secmon-lab/mnemosyne/pkg/utils/async"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// Default timer intervals. Push failures are retried only by the next
// scheduled pass; this is an at-least-once, eventually-consistent design.
const (
	DefaultBatchInterval     = 5 * time.Minute
	DefaultReconcileInterval = 15 * time.Minute
	DefaultPushDebounce      = 30 * time.Second
)

type backfillKey struct {
	collection types.Collection
	id         string
}

// Engine reacts to domain events and runs the scheduled batch and
// reconciliation passes that keep the cloud mirror consistent with the
// local index. The local index is always the authority; cloud state only
// enters through the conflict resolver.
type Engine struct {
	repo     interfaces.Repository
	index    interfaces.VectorIndex
	mirror   interfaces.CloudMirror
	embedder interfaces.Embedder
	bus      *eventbus.Bus

	batchInterval     time.Duration
	reconcileInterval time.Duration
	pushDebounce      time.Duration

	mu              sync.Mutex
	running         bool
	pendingEntities map[string]model.Payload
	backfill        map[backfillKey]bool
	unsubscribes    []func()
	pushTimer       *time.Timer
	stopCh          chan struct{}
	doneCh          chan struct{}

	// skip-if-running guards so a slow pass never overlaps itself
	batchBusy     atomic.Bool
	reconcileBusy atomic.Bool
}

// Option is a functional option for Engine configuration
type Option func(*Engine)

// WithBatchInterval overrides the entity batch flush interval
func WithBatchInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.batchInterval = d
		}
	}
}

// WithReconcileInterval overrides the full reconciliation interval
func WithReconcileInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reconcileInterval = d
		}
	}
}

// WithPushDebounce overrides the compacted-memory push delay
func WithPushDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.pushDebounce = d
		}
	}
}

// New creates a sync engine. Start must be called before it reacts to
// anything.
func New(repo interfaces.Repository, index interfaces.VectorIndex, mirror interfaces.CloudMirror, embedder interfaces.Embedder, bus *eventbus.Bus, opts ...Option) *Engine {
	e := &Engine{
		repo:              repo,
		index:             index,
		mirror:            mirror,
		embedder:          embedder,
		bus:               bus,
		batchInterval:     DefaultBatchInterval,
		reconcileInterval: DefaultReconcileInterval,
		pushDebounce:      DefaultPushDebounce,
		pendingEntities:   make(map[string]model.Payload),
		backfill:          make(map[backfillKey]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to domain events and starts the batch and
// reconciliation timers. Idempotent while running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	e.unsubscribes = []func(){
		e.bus.Subscribe(e.handleMemoryCompacted, types.EventMemoryCompacted),
		e.bus.Subscribe(e.handleEntityUpdated, types.EventEntityUpdated),
		e.bus.Subscribe(e.handleTaskCompleted, types.EventTaskCompleted),
		e.bus.Subscribe(e.handleConnectivityRestored, types.EventConnectivityRestored),
	}

	logging.From(ctx).Info("sync engine starting",
		"batch_interval", e.batchInterval.String(),
		"reconcile_interval", e.reconcileInterval.String(),
		"push_debounce", e.pushDebounce.String(),
	)

	go e.run(ctx)
	return nil
}

// Stop detaches all subscriptions and clears both timers. In-flight
// pushes are not aborted, but their results are discarded: the ledger
// entry stays pending_up and the next Start reconciles it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.pushTimer != nil {
		e.pushTimer.Stop()
		e.pushTimer = nil
	}
	unsubscribes := e.unsubscribes
	e.unsubscribes = nil
	close(e.stopCh)
	doneCh := e.doneCh
	e.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	<-doneCh
	logging.Default().Info("sync engine stopped")
}

// Running reports whether the engine is started
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	batchTicker := time.NewTicker(e.batchInterval)
	defer batchTicker.Stop()
	reconcileTicker := time.NewTicker(e.reconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-batchTicker.C:
			e.flushEntityBatch(ctx)

		case <-reconcileTicker.C:
			if err := e.Reconcile(ctx); err != nil {
				logging.From(ctx).Error("scheduled reconciliation failed (will retry next interval)",
					"error", err.Error())
			}

		case <-e.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleMemoryCompacted schedules a debounced push of all pending
// compacted memories. Repeated compactions within the window coalesce
// into one push.
func (e *Engine) handleMemoryCompacted(ctx context.Context, ev *model.SyncEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	if e.pushTimer != nil {
		e.pushTimer.Stop()
	}

	logger := logging.From(ctx)
	e.pushTimer = time.AfterFunc(e.pushDebounce, func() {
		bgCtx := logging.With(context.Background(), logger)
		if !e.Running() {
			return
		}
		if err := e.pushPendingCompacted(bgCtx); err != nil {
			logger.Error("debounced compacted push failed (will retry on reconciliation)",
				"error", err.Error())
		}
	})
}

// handleEntityUpdated appends the entity to the pending batch,
// last-write-wins per entity within the batch window
func (e *Engine) handleEntityUpdated(ctx context.Context, ev *model.SyncEvent) {
	if ev.Payload == nil {
		logging.From(ctx).Warn("entity update event without payload, ignoring", "entity_id", ev.EntityID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.pendingEntities[ev.EntityID] = ev.Payload
}

// handleTaskCompleted pushes the decision record immediately, best
// effort: a failure leaves the ledger pending for the next pass
func (e *Engine) handleTaskCompleted(ctx context.Context, ev *model.SyncEvent) {
	if !e.Running() || ev.Payload == nil {
		return
	}

	if err := e.pushPayload(ctx, ev.Payload); err != nil {
		logging.From(ctx).Warn("immediate decision push failed (will retry on reconciliation)",
			"entity_id", ev.EntityID,
			"error", err.Error(),
		)
	}
}

// handleConnectivityRestored runs a full reconciliation off the replay
// path so buffered events keep flowing while it works
func (e *Engine) handleConnectivityRestored(ctx context.Context, ev *model.SyncEvent) {
	if !e.Running() {
		return
	}
	async.Dispatch(ctx, func(ctx context.Context) error {
		return e.Reconcile(ctx)
	})
}

// pushPayload writes one record to the mirror and settles its ledger
// entry
func (e *Engine) pushPayload(ctx context.Context, payload model.Payload) error {
	ledger := e.repo.Ledger()
	entry, err := ledger.GetOrCreate(ctx, payload.Kind(), payload.DocID())
	if err != nil {
		return err
	}

	if err := e.mirror.Push(ctx, payload, entry.LocalVersion); err != nil {
		return err
	}
	return ledger.MarkSynced(ctx, payload.Kind(), payload.DocID(), entry.LocalVersion)
}

// pushPendingCompacted pushes every pending_up compacted memory to the
// mirror
func (e *Engine) pushPendingCompacted(ctx context.Context) error {
	entries, err := e.repo.Ledger().ListPending(ctx)
	if err != nil {
		return err
	}

	var pushed int
	for _, entry := range entries {
		if entry.Kind != types.KindCompactedMemory {
			continue
		}
		if err := e.pushEntry(ctx, entry); err != nil {
			logging.From(ctx).Warn("failed to push compacted memory (stays pending)",
				"entity_id", entry.EntityID, "error", err.Error())
			continue
		}
		pushed++
	}

	if pushed > 0 {
		logging.From(ctx).Info("pushed compacted memories to mirror", "count", pushed)
	}
	return nil
}

// pushEntry reconciles one pending ledger entry with the mirror. If the
// cloud copy moved out of band, the divergence routes through the
// conflict resolver; there is no unresolved outcome.
func (e *Engine) pushEntry(ctx context.Context, entry *model.SyncLedgerEntry) error {
	payload, found, err := e.index.Fetch(ctx, entry.Kind.Collection(), entry.EntityID)
	if err != nil {
		return err
	}
	if !found {
		return goerr.New("pending record missing from local index",
			goerr.V("kind", entry.Kind), goerr.V("entity_id", entry.EntityID))
	}

	cloudRec, err := e.mirror.Fetch(ctx, entry.Kind, entry.EntityID)
	if err != nil {
		return err
	}
	if cloudRec != nil && cloudRec.Version > entry.CloudVersion {
		return e.resolveDivergence(ctx, entry, payload, cloudRec)
	}

	if err := e.mirror.Push(ctx, payload, entry.LocalVersion); err != nil {
		return err
	}
	if err := e.repo.Ledger().MarkSynced(ctx, entry.Kind, entry.EntityID, entry.LocalVersion); err != nil {
		return err
	}
	return e.markPayloadSynced(ctx, entry)
}

// markPayloadSynced reflects a successful push on the stored record
func (e *Engine) markPayloadSynced(ctx context.Context, entry *model.SyncLedgerEntry) error {
	if entry.Kind != types.KindCompactedMemory {
		return nil
	}
	return e.index.SetPayload(ctx, entry.Kind.Collection(), entry.EntityID,
		map[string]any{"sync_status": string(types.SyncSynced)})
}

// resolveDivergence applies the conflict resolver's decision to both
// sides
func (e *Engine) resolveDivergence(ctx context.Context, entry *model.SyncLedgerEntry, local model.Payload, cloud *interfaces.MirrorRecord) error {
	ledger := e.repo.Ledger()

	localData, err := model.PayloadToMap(local)
	if err != nil {
		return err
	}

	res := Resolve(&ConflictContext{
		Kind:             entry.Kind,
		EntityID:         entry.EntityID,
		LocalVersion:     entry.LocalVersion,
		CloudVersion:     cloud.Version,
		LocalTimestampMs: metaTimestamp(local),
		CloudTimestampMs: cloud.TimestampMs,
		LocalData:        localData,
		CloudData:        cloud.Data,
		CloudSource:      cloud.Source,
	})

	logging.From(ctx).Info("conflict resolved",
		"kind", entry.Kind,
		"entity_id", entry.EntityID,
		"action", res.Action,
		"local_version", entry.LocalVersion,
		"cloud_version", cloud.Version,
	)

	switch res.Action {
	case types.ResolutionKeepLocal, types.ResolutionOverwriteCloud:
		if err := e.mirror.Push(ctx, local, entry.LocalVersion); err != nil {
			return e.deferConflict(ctx, entry, err)
		}
		if err := ledger.MarkSynced(ctx, entry.Kind, entry.EntityID, entry.LocalVersion); err != nil {
			return err
		}
		return e.markPayloadSynced(ctx, entry)

	case types.ResolutionKeepCloud:
		if err := e.adoptLocally(ctx, entry.Kind, cloud.Data); err != nil {
			return e.deferConflict(ctx, entry, err)
		}
		return ledger.MarkSynced(ctx, entry.Kind, entry.EntityID, cloud.Version)

	case types.ResolutionMerge:
		merged, err := model.PayloadFromMap(entry.Kind, res.MergedData)
		if err != nil {
			return e.deferConflict(ctx, entry, err)
		}
		if err := e.writeLocal(ctx, merged); err != nil {
			return e.deferConflict(ctx, entry, err)
		}
		if err := e.mirror.Push(ctx, merged, res.Version); err != nil {
			return e.deferConflict(ctx, entry, err)
		}
		if err := ledger.MarkSynced(ctx, entry.Kind, entry.EntityID, res.Version); err != nil {
			return err
		}
		return e.markPayloadSynced(ctx, entry)

	default:
		return goerr.New("unknown resolution action", goerr.V("action", res.Action))
	}
}

// deferConflict records the unresolved state so the next pass retries it
func (e *Engine) deferConflict(ctx context.Context, entry *model.SyncLedgerEntry, cause error) error {
	if err := e.repo.Ledger().MarkConflict(ctx, entry.Kind, entry.EntityID); err != nil {
		logging.From(ctx).Error("failed to mark conflict", "entity_id", entry.EntityID, "error", err.Error())
	}
	return goerr.Wrap(cause, "failed to apply conflict resolution",
		goerr.V("kind", entry.Kind), goerr.V("entity_id", entry.EntityID))
}

// adoptLocally writes the cloud copy into the local index, re-embedded
// in the local space
func (e *Engine) adoptLocally(ctx context.Context, kind types.EntityKind, data map[string]any) error {
	payload, err := model.PayloadFromMap(kind, data)
	if err != nil {
		return err
	}
	return e.writeLocal(ctx, payload)
}

func (e *Engine) writeLocal(ctx context.Context, payload model.Payload) error {
	vector, err := e.embedder.Embed(ctx, payload.Document(), types.EmbedDocument)
	if err != nil {
		return err
	}
	return e.index.Upsert(ctx, payload.Kind().Collection(), payload.DocID(), vector, payload)
}

// flushEntityBatch pushes the accumulated entity updates, one mirror
// write per entity
func (e *Engine) flushEntityBatch(ctx context.Context) {
	if !e.batchBusy.CompareAndSwap(false, true) {
		logging.From(ctx).Debug("entity batch flush already running, skipping")
		return
	}
	defer e.batchBusy.Store(false)

	e.mu.Lock()
	batch := e.pendingEntities
	e.pendingEntities = make(map[string]model.Payload)
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var failed int
	for id, payload := range batch {
		if err := e.pushPayload(ctx, payload); err != nil {
			failed++
			logging.From(ctx).Warn("entity batch push failed (stays pending)",
				"entity_id", id, "error", err.Error())
		}
	}
	logging.From(ctx).Info("entity batch flushed", "count", len(batch), "failed", failed)
}

// QueueBackfill registers a record whose embedding could not be produced
// at write time. The next reconciliation re-embeds and re-indexes it.
func (e *Engine) QueueBackfill(collection types.Collection, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backfill[backfillKey{collection: collection, id: id}] = true
}

// runBackfill re-embeds queued records; failures re-queue
func (e *Engine) runBackfill(ctx context.Context) {
	e.mu.Lock()
	queued := e.backfill
	e.backfill = make(map[backfillKey]bool)
	e.mu.Unlock()

	for key := range queued {
		payload, found, err := e.index.Fetch(ctx, key.collection, key.id)
		if err != nil || !found {
			continue
		}
		if err := e.writeLocal(ctx, payload); err != nil {
			e.QueueBackfill(key.collection, key.id)
			logging.From(ctx).Warn("embedding backfill failed (re-queued)",
				"collection", key.collection, "id", key.id, "error", err.Error())
		}
	}
}

// Reconcile pushes every pending_up ledger entry to the mirror, flushes
// the entity batch, and drains the embedding backfill queue. Safe to call
// manually; a pass never overlaps itself.
func (e *Engine) Reconcile(ctx context.Context) error {
	if !e.reconcileBusy.CompareAndSwap(false, true) {
		logging.From(ctx).Debug("reconciliation already running, skipping")
		return nil
	}
	defer e.reconcileBusy.Store(false)

	entries, err := e.repo.Ledger().ListPending(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list pending ledger entries")
	}

	var pushed, failed int
	for _, entry := range entries {
		if err := e.pushEntry(ctx, entry); err != nil {
			failed++
			logging.From(ctx).Warn("reconciliation push failed (stays pending)",
				"kind", entry.Kind,
				"entity_id", entry.EntityID,
				"error", err.Error(),
			)
			continue
		}
		pushed++
	}

	e.flushEntityBatch(ctx)
	e.runBackfill(ctx)

	logging.From(ctx).Info("reconciliation pass finished", "pushed", pushed, "failed", failed)
	return nil
}

// Status summarizes engine and ledger state for the status surface
type Status struct {
	Running         bool               `json:"running"`
	Offline         bool               `json:"offline"`
	BufferedEvents  int                `json:"buffered_events"`
	PendingEntities int                `json:"pending_entities"`
	Ledger          *model.LedgerStats `json:"ledger"`
}

// Status reports the engine, bus, and ledger state
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stats, err := e.repo.Ledger().Stats(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read ledger stats")
	}

	e.mu.Lock()
	pending := len(e.pendingEntities)
	running := e.running
	e.mu.Unlock()

	return &Status{
		Running:         running,
		Offline:         e.bus.Offline(),
		BufferedEvents:  e.bus.BufferedCount(),
		PendingEntities: pending,
		Ledger:          stats,
	}, nil
}

// metaTimestamp reads the record timestamp from payload metadata
func metaTimestamp(payload model.Payload) int64 {
	ts, err := strconv.ParseInt(payload.Meta()[model.MetaTimestampMs], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
