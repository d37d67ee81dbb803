package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/repository/memory"
	"github.com/secmon-lab/mnemosyne/pkg/repository/sqlite"
)

func runLedgerRepositoryTest(t *testing.T, newRepo func(t *testing.T) interfaces.Repository) {
	t.Helper()

	t.Run("GetOrCreate returns defaults on first sight", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		e, err := repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "cm-1")
		gt.NoError(t, err).Required()

		gt.Value(t, e.Kind).Equal(types.KindCompactedMemory)
		gt.Value(t, e.EntityID).Equal("cm-1")
		gt.Number(t, e.LocalVersion).Equal(1)
		gt.Number(t, e.CloudVersion).Equal(0)
		gt.Value(t, e.Status).Equal(types.LedgerPendingUp)
	})

	t.Run("GetOrCreate is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.Ledger().IncrementLocalVersion(ctx, types.KindEntity, "ent-1")
		gt.NoError(t, err).Required()

		e, err := repo.Ledger().GetOrCreate(ctx, types.KindEntity, "ent-1")
		gt.NoError(t, err).Required()
		gt.Number(t, e.LocalVersion).Equal(2)
	})

	t.Run("MarkSynced twice with the same version stays synced", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		gt.NoError(t, repo.Ledger().MarkSynced(ctx, types.KindCompactedMemory, "cm-2", 1)).Required()
		gt.NoError(t, repo.Ledger().MarkSynced(ctx, types.KindCompactedMemory, "cm-2", 1)).Required()

		e, err := repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "cm-2")
		gt.NoError(t, err).Required()
		gt.Value(t, e.Status).Equal(types.LedgerSynced)
		gt.Number(t, e.CloudVersion).Equal(1)
		gt.Number(t, e.LocalVersion).Equal(1)
		gt.Bool(t, e.LastSyncAt.IsZero()).False()
	})

	t.Run("MarkSynced implies localVersion == cloudVersion when synced", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := repo.Ledger().IncrementLocalVersion(ctx, types.KindEntity, "ent-2")
			gt.NoError(t, err).Required()
		}

		e, err := repo.Ledger().GetOrCreate(ctx, types.KindEntity, "ent-2")
		gt.NoError(t, err).Required()
		gt.Number(t, e.LocalVersion).Equal(4)

		gt.NoError(t, repo.Ledger().MarkSynced(ctx, types.KindEntity, "ent-2", 4)).Required()
		e, err = repo.Ledger().GetOrCreate(ctx, types.KindEntity, "ent-2")
		gt.NoError(t, err).Required()
		gt.Value(t, e.Status).Equal(types.LedgerSynced)
		gt.Number(t, e.LocalVersion).Equal(e.CloudVersion)
	})

	t.Run("MarkSynced with stale version leaves entry pending", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			_, err := repo.Ledger().IncrementLocalVersion(ctx, types.KindCompactedMemory, "cm-3")
			gt.NoError(t, err).Required()
		}

		gt.NoError(t, repo.Ledger().MarkSynced(ctx, types.KindCompactedMemory, "cm-3", 2)).Required()

		e, err := repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "cm-3")
		gt.NoError(t, err).Required()
		// Local is ahead of the acknowledged cloud version, never regressed
		gt.Number(t, e.LocalVersion).Equal(5)
		gt.Number(t, e.CloudVersion).Equal(2)
		gt.Value(t, e.Status).Equal(types.LedgerPendingUp)
	})

	t.Run("MarkSynced rejects a cloud version regression", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, err := repo.Ledger().IncrementLocalVersion(ctx, types.KindCompactedMemory, "cm-4")
			gt.NoError(t, err).Required()
		}
		gt.NoError(t, repo.Ledger().MarkSynced(ctx, types.KindCompactedMemory, "cm-4", 3)).Required()

		err := repo.Ledger().MarkSynced(ctx, types.KindCompactedMemory, "cm-4", 2)
		gt.Error(t, err)
		gt.Bool(t, errors.Is(err, model.ErrStaleWrite)).True()

		// The recorded cloud version is untouched
		e, err := repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "cm-4")
		gt.NoError(t, err).Required()
		gt.Number(t, e.CloudVersion).Equal(3)
		gt.Value(t, e.Status).Equal(types.LedgerSynced)
	})

	t.Run("IncrementLocalVersion is monotonic under concurrency", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		const workers = 16
		versions := make([]int, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := repo.Ledger().IncrementLocalVersion(ctx, types.KindEntity, "ent-3")
				if err == nil {
					versions[i] = v
				}
			}(i)
		}
		wg.Wait()

		seen := map[int]bool{}
		for _, v := range versions {
			gt.Number(t, v).Greater(1)
			gt.Bool(t, seen[v]).False()
			seen[v] = true
		}

		e, err := repo.Ledger().GetOrCreate(ctx, types.KindEntity, "ent-3")
		gt.NoError(t, err).Required()
		gt.Number(t, e.LocalVersion).Equal(1 + workers)
	})

	t.Run("ListPending and Stats reflect statuses", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "p-1")
		gt.NoError(t, err).Required()
		_, err = repo.Ledger().GetOrCreate(ctx, types.KindCompactedMemory, "p-2")
		gt.NoError(t, err).Required()
		gt.NoError(t, repo.Ledger().MarkSynced(ctx, types.KindCompactedMemory, "p-2", 1)).Required()
		gt.NoError(t, repo.Ledger().MarkConflict(ctx, types.KindEntity, "p-3")).Required()

		pending, err := repo.Ledger().ListPending(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, pending).Length(1)
		gt.Value(t, pending[0].EntityID).Equal("p-1")

		stats, err := repo.Ledger().Stats(ctx)
		gt.NoError(t, err).Required()
		gt.Number(t, stats.Total).Equal(3)
		gt.Number(t, stats.PendingUp).Equal(1)
		gt.Number(t, stats.Synced).Equal(1)
		gt.Number(t, stats.Conflicts).Equal(1)
	})
}

func TestMemoryLedgerRepository(t *testing.T) {
	runLedgerRepositoryTest(t, func(t *testing.T) interfaces.Repository {
		return memory.New()
	})
}

func TestSQLiteLedgerRepository(t *testing.T) {
	runLedgerRepositoryTest(t, func(t *testing.T) interfaces.Repository {
		repo, err := sqlite.New(t.TempDir() + "/ledger.db")
		gt.NoError(t, err).Required()
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}
