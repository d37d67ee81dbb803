package consolidation

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/m-mizutani/goerr/v2"
	rcron "github.com/robfig/cron/v3"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// DefaultSchedule runs the pass nightly at 03:00 local time
const DefaultSchedule = "0 3 * * *"

// ErrPassRunning is returned when a trigger overlaps an active pass
var ErrPassRunning = goerr.New("consolidation pass already running")

// Worker drives the engine on a cron schedule. A scheduled tick that
// lands while a pass is still running is skipped, never queued.
type Worker struct {
	engine   *Engine
	schedule string
	cron     *rcron.Cron
	running  atomic.Bool
}

type WorkerOption func(*Worker)

// WithSchedule overrides the cron expression (standard 5-field format)
func WithSchedule(expr string) WorkerOption {
	return func(w *Worker) {
		w.schedule = expr
	}
}

func NewWorker(engine *Engine, opts ...WorkerOption) *Worker {
	w := &Worker{
		engine:   engine,
		schedule: DefaultSchedule,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start registers the schedule and begins ticking
func (w *Worker) Start(ctx context.Context) error {
	if w.cron != nil {
		return nil
	}

	c := rcron.New()
	if _, err := c.AddFunc(w.schedule, func() {
		if _, err := w.Trigger(ctx); err != nil && !errors.Is(err, ErrPassRunning) {
			logging.From(ctx).Error("scheduled consolidation pass failed", "error", err)
		}
	}); err != nil {
		return goerr.Wrap(err, "invalid consolidation schedule", goerr.V("schedule", w.schedule))
	}

	c.Start()
	w.cron = c
	logging.From(ctx).Info("consolidation worker started", "schedule", w.schedule)
	return nil
}

// Stop halts the schedule. A pass in flight finishes on its own.
func (w *Worker) Stop() {
	if w.cron == nil {
		return
	}
	w.cron.Stop()
	w.cron = nil
}

// Trigger runs one pass immediately. Returns ErrPassRunning if a pass
// is already in flight.
func (w *Worker) Trigger(ctx context.Context) (*Result, error) {
	if !w.running.CompareAndSwap(false, true) {
		return nil, goerr.Wrap(ErrPassRunning, "skipping overlapping pass")
	}
	defer w.running.Store(false)

	return w.engine.Run(ctx)
}
