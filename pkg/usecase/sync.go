package usecase

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/service/consolidation"
	"github.com/secmon-lab/mnemosyne/pkg/service/syncer"
)

// StartSync brings the sync engine up
func (uc *UseCases) StartSync(ctx context.Context) error {
	if uc.engine == nil {
		return goerr.New("sync engine is not configured")
	}
	return uc.engine.Start(ctx)
}

// StopSync shuts the sync engine down. No-op when it is not running.
func (uc *UseCases) StopSync() {
	if uc.engine != nil {
		uc.engine.Stop()
	}
}

// SyncStatus reports the engine and ledger state
func (uc *UseCases) SyncStatus(ctx context.Context) (*syncer.Status, error) {
	if uc.engine == nil {
		return nil, goerr.New("sync engine is not configured")
	}
	return uc.engine.Status(ctx)
}

// Consolidate runs one merge/decay pass immediately
func (uc *UseCases) Consolidate(ctx context.Context) (*consolidation.Result, error) {
	if uc.worker == nil {
		return nil, goerr.New("consolidation worker is not configured")
	}
	return uc.worker.Trigger(ctx)
}
