package eventbus_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/service/eventbus"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := eventbus.New()
	ctx := context.Background()

	var got []*model.SyncEvent
	bus.Subscribe(func(_ context.Context, ev *model.SyncEvent) {
		got = append(got, ev)
	}, types.EventMemoryCompacted)

	bus.Emit(ctx, &model.SyncEvent{Type: types.EventMemoryCompacted, EntityID: "m1"})
	bus.Emit(ctx, &model.SyncEvent{Type: types.EventTaskCompleted, EntityID: "t1"})

	gt.Array(t, got).Length(1)
	gt.Value(t, got[0].EntityID).Equal("m1")
}

func TestSubscribeAllTypes(t *testing.T) {
	bus := eventbus.New()
	ctx := context.Background()

	var count int
	bus.Subscribe(func(_ context.Context, _ *model.SyncEvent) {
		count++
	})

	bus.Emit(ctx, &model.SyncEvent{Type: types.EventMemoryCompacted})
	bus.Emit(ctx, &model.SyncEvent{Type: types.EventEntityUpdated})
	bus.Emit(ctx, &model.SyncEvent{Type: types.EventTaskCompleted})

	gt.Value(t, count).Equal(3)
}

func TestUnsubscribe(t *testing.T) {
	bus := eventbus.New()
	ctx := context.Background()

	var count int
	unsubscribe := bus.Subscribe(func(_ context.Context, _ *model.SyncEvent) {
		count++
	}, types.EventMemoryCompacted)

	bus.Emit(ctx, &model.SyncEvent{Type: types.EventMemoryCompacted})
	unsubscribe()
	bus.Emit(ctx, &model.SyncEvent{Type: types.EventMemoryCompacted})

	gt.Value(t, count).Equal(1)
}

func TestOfflineBuffering(t *testing.T) {
	bus := eventbus.New()
	ctx := context.Background()

	var got []*model.SyncEvent
	bus.Subscribe(func(_ context.Context, ev *model.SyncEvent) {
		got = append(got, ev)
	})

	bus.GoOffline()
	gt.Value(t, bus.Offline()).Equal(true)

	for i := 0; i < 3; i++ {
		bus.Emit(ctx, &model.SyncEvent{
			Type:     types.EventMemoryCompacted,
			EntityID: fmt.Sprintf("m%d", i),
		})
	}
	gt.Array(t, got).Length(0)
	gt.Value(t, bus.BufferedCount()).Equal(3)

	bus.GoOnline(ctx)
	gt.Value(t, bus.Offline()).Equal(false)
	gt.Value(t, bus.BufferedCount()).Equal(0)

	// Synthetic connectivity event first, then FIFO replay
	gt.Array(t, got).Length(4)
	gt.Value(t, got[0].Type).Equal(types.EventConnectivityRestored)
	gt.Value(t, got[1].EntityID).Equal("m0")
	gt.Value(t, got[2].EntityID).Equal("m1")
	gt.Value(t, got[3].EntityID).Equal("m2")
}

func TestBufferLimitDropsOldest(t *testing.T) {
	bus := eventbus.New(eventbus.WithBufferLimit(2))
	ctx := context.Background()

	var got []*model.SyncEvent
	bus.Subscribe(func(_ context.Context, ev *model.SyncEvent) {
		got = append(got, ev)
	}, types.EventMemoryCompacted)

	bus.GoOffline()
	bus.Emit(ctx, &model.SyncEvent{Type: types.EventMemoryCompacted, EntityID: "m0"})
	bus.Emit(ctx, &model.SyncEvent{Type: types.EventMemoryCompacted, EntityID: "m1"})
	bus.Emit(ctx, &model.SyncEvent{Type: types.EventMemoryCompacted, EntityID: "m2"})
	gt.Value(t, bus.BufferedCount()).Equal(2)

	bus.GoOnline(ctx)
	gt.Array(t, got).Length(2)
	gt.Value(t, got[0].EntityID).Equal("m1")
	gt.Value(t, got[1].EntityID).Equal("m2")
}

func TestGoOnlineWhenAlreadyOnline(t *testing.T) {
	bus := eventbus.New()
	ctx := context.Background()

	var count int
	bus.Subscribe(func(_ context.Context, _ *model.SyncEvent) {
		count++
	}, types.EventConnectivityRestored)

	bus.GoOnline(ctx)
	gt.Value(t, count).Equal(0)
}
