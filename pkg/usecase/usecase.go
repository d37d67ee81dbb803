package usecase

import (
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/service/compaction"
	"github.com/secmon-lab/mnemosyne/pkg/service/consolidation"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
	"github.com/secmon-lab/mnemosyne/pkg/service/retrieval"
	"github.com/secmon-lab/mnemosyne/pkg/service/syncer"
)

// UseCases wires the services behind the controller surface. Every
// operation the HTTP layer exposes goes through here.
type UseCases struct {
	repo     interfaces.Repository
	index    interfaces.VectorIndex
	embedder interfaces.Embedder
	bus      *eventbus.Bus

	retriever *retrieval.Retriever
	monitor   *compaction.Monitor
	extractor *compaction.Extractor
	compactor *compaction.Compactor
	engine    *syncer.Engine
	worker    *consolidation.Worker
}

type Option func(*UseCases)

// WithRetriever sets the hybrid retriever
func WithRetriever(r *retrieval.Retriever) Option {
	return func(uc *UseCases) {
		uc.retriever = r
	}
}

// WithMonitor sets the per-session context monitor
func WithMonitor(m *compaction.Monitor) Option {
	return func(uc *UseCases) {
		uc.monitor = m
	}
}

// WithExtractor sets the pre-compaction rescue extractor. Optional;
// without it compaction runs without the rescue passes.
func WithExtractor(x *compaction.Extractor) Option {
	return func(uc *UseCases) {
		uc.extractor = x
	}
}

// WithCompactor sets the compactor
func WithCompactor(c *compaction.Compactor) Option {
	return func(uc *UseCases) {
		uc.compactor = c
	}
}

// WithSyncEngine sets the sync engine. Optional; without it writes stay
// local only.
func WithSyncEngine(e *syncer.Engine) Option {
	return func(uc *UseCases) {
		uc.engine = e
	}
}

// WithConsolidationWorker sets the consolidation worker
func WithConsolidationWorker(w *consolidation.Worker) Option {
	return func(uc *UseCases) {
		uc.worker = w
	}
}

func New(repo interfaces.Repository, index interfaces.VectorIndex, embedder interfaces.Embedder, bus *eventbus.Bus, opts ...Option) *UseCases {
	uc := &UseCases{
		repo:     repo,
		index:    index,
		embedder: embedder,
		bus:      bus,
		monitor:  compaction.NewMonitor(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}
