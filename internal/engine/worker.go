package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/metrics"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// Worker drives due tasks through the engine on a fixed tick, with an
// out-of-band nudge channel so state transitions that make a task due
// immediately do not wait for the next tick.
type Worker struct {
	cfg    *config.Config
	engine *Engine
	bus    *events.Bus

	nudge chan struct{}

	purgeSchedule cron.Schedule
	nextPurge     time.Time
}

// NewWorker wires a worker to an engine and installs the nudge hook.
func NewWorker(cfg *config.Config, e *Engine, bus *events.Bus) (*Worker, error) {
	w := &Worker{
		cfg:    cfg,
		engine: e,
		bus:    bus,
		nudge:  make(chan struct{}, 1),
	}
	e.SetNudge(w.Nudge)

	if spec := cfg.Maintenance.PurgeSchedule; spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, err
		}
		w.purgeSchedule = sched
		w.nextPurge = sched.Next(time.Now())
	}

	return w, nil
}

// Nudge wakes the worker ahead of its next tick. Safe to call from any
// goroutine; a pending nudge coalesces with later ones.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run processes tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Worker.TickInterval.Duration())
	defer ticker.Stop()

	slog.Info("worker started", "tick", w.cfg.Worker.TickInterval.Duration())

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped")
			return
		case <-ticker.C:
		case <-w.nudge:
		}
		w.Tick(ctx)
	}
}

// Tick runs one scheduling pass: load active tasks, pick the due ones, and
// advance each under its exclusion lock in its own goroutine. Tasks whose
// lock is already held are skipped; a running step covers them.
func (w *Worker) Tick(ctx context.Context) {
	tasks, err := w.engine.Store().ListActive()
	if err != nil {
		slog.Error("list active tasks", "error", err)
		return
	}

	w.reportGauges(tasks)
	w.maybePurge()

	now := time.Now()
	due := tasks[:0]
	for _, t := range tasks {
		if !t.NextAttemptTS.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptTS.Before(due[j].NextAttemptTS)
	})

	draftQuota := w.cfg.Worker.DraftQuotaPerTick
	supplyQuota := w.cfg.Worker.SupplyQuotaPerTick
	var wg sync.WaitGroup

	for _, t := range due {
		switch t.Status {
		case task.StatusDraftCreating, task.StatusWaitingWindow:
			if draftQuota <= 0 {
				continue
			}
			draftQuota--
		case task.StatusSupplyCreating:
			if supplyQuota <= 0 {
				continue
			}
			supplyQuota--
		}

		if !w.engine.TryLockTask(t.ID) {
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w.step(ctx, id)
		}(t.ID)
	}

	wg.Wait()

	w.bus.Publish(events.NewTaskEvent(events.EventWorkerTick, events.SourceWorker, "", map[string]any{
		"active": len(tasks),
		"due":    len(due),
	}))
}

// step advances one task. The caller must already hold the task's exclusion
// lock. The record is re-read from the store so a cancel, delete or retry
// that landed after the tick's snapshot wins over the snapshot copy.
func (w *Worker) step(ctx context.Context, id string) {
	defer w.engine.UnlockTask(id)

	t, err := w.engine.Store().Get(id)
	if err != nil {
		return
	}
	if t.Status.IsTerminal() || t.NextAttemptTS.After(time.Now()) {
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, w.cfg.Worker.StepTimeout.Duration())
	defer cancel()
	w.engine.Advance(stepCtx, t)
}

func (w *Worker) reportGauges(active []*task.Task) {
	counts := make(map[string]int)
	for _, t := range active {
		counts[string(t.Status)]++
	}
	metrics.SetTasksByStatus(counts)
}

// maybePurge removes old terminal tasks when the cron schedule fires.
func (w *Worker) maybePurge() {
	if w.purgeSchedule == nil || time.Now().Before(w.nextPurge) {
		return
	}
	w.nextPurge = w.purgeSchedule.Next(time.Now())

	days := w.cfg.Maintenance.TerminalRetentionDays
	if days <= 0 {
		return
	}
	ids, err := w.engine.Store().PurgeOlderThan(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		slog.Error("purge terminal tasks", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Info("purged terminal tasks", "count", len(ids), "retention_days", days)
	}
}
