package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/metrics"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/notify"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/store"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// SellerAPI is the slice of the seller client the engine depends on.
// *ozon.Client satisfies it; tests substitute fakes.
type SellerAPI interface {
	DraftCreate(ctx context.Context, payload map[string]any) ozon.Response
	DraftCreateInfo(ctx context.Context, operationID string) ozon.Response
	DraftTimeslotSet(ctx context.Context, draftID, warehouseID int64, from, to time.Time) ozon.Response
	TimeslotInfo(ctx context.Context, draftID int64, warehouseIDs []int64, from, to time.Time) ozon.Response
	SupplyCreate(ctx context.Context, payload map[string]any) ozon.Response
	SupplyCreateStatus(ctx context.Context, operationID string) ozon.Response
	OrderGet(ctx context.Context, orderIDs []int64) ozon.Response
	OrderTimeslotUpdate(ctx context.Context, orderID int64, from, to time.Time, timeslotID string) ozon.Response
	CargoesCreate(ctx context.Context, payload map[string]any) ozon.Response
	CargoesCreateInfo(ctx context.Context, operationID string) ozon.Response
	LabelsCreate(ctx context.Context, supplyID int64, cargoIDs []int64) ozon.Response
	LabelsGet(ctx context.Context, operationID string) ozon.Response
	LabelFile(ctx context.Context, fileGUID string) ([]byte, ozon.Response)
}

// Engine holds the stage handlers and their collaborators. Tasks are
// mutated only under their per-task lock and persisted through the store
// after every handler run.
type Engine struct {
	cfg      *config.Config
	store    *store.FileStore
	api      SellerAPI
	gov      *Governor
	bus      *events.Bus
	notifier notify.Notifier

	mu         sync.Mutex
	strategies []Strategy
	byName     map[string]Strategy

	locks *taskLocks
	nudge func()
}

// New creates an Engine. A strategy override is loaded from the configured
// YAML file when present.
func New(cfg *config.Config, st *store.FileStore, api SellerAPI, gov *Governor, bus *events.Bus, notifier notify.Notifier) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		api:      api,
		gov:      gov,
		bus:      bus,
		notifier: notifier,
		byName:   make(map[string]Strategy),
		locks:    newTaskLocks(),
		nudge:    func() {},
	}

	if path := cfg.Negotiation.StrategiesFile; path != "" {
		list, err := LoadStrategies(path)
		if err != nil {
			return nil, fmt.Errorf("load strategy override: %w", err)
		}
		e.strategies = list
		for _, s := range list {
			e.byName[s.Name] = s
		}
		slog.Info("loaded strategy override", "file", path, "count", len(list))
	}

	return e, nil
}

// SetNudge installs the out-of-band wakeup the worker exposes. Handlers call
// it after shortening a task's wait.
func (e *Engine) SetNudge(fn func()) {
	if fn != nil {
		e.nudge = fn
	}
}

// Store exposes the task store for the gateway and CLI layers.
func (e *Engine) Store() *store.FileStore {
	return e.store
}

// TryLockTask attempts the per-task exclusion lock without blocking.
func (e *Engine) TryLockTask(id string) bool {
	return e.locks.tryLock(id)
}

// LockTask blocks until the per-task exclusion lock is held.
func (e *Engine) LockTask(id string) {
	e.locks.lock(id)
}

// UnlockTask releases the per-task exclusion lock.
func (e *Engine) UnlockTask(id string) {
	e.locks.unlock(id)
}

// Advance runs one stage step for a task. The caller must hold the task's
// exclusion lock. Any panic inside a handler is recorded as a transient
// error; nothing propagates past this point.
func (e *Engine) Advance(ctx context.Context, t *task.Task) {
	if t.Status.IsTerminal() {
		return
	}

	started := time.Now()
	stage := string(t.Status)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("stage handler panic", "task", t.ID, "stage", stage, "panic", r)
			t.LastError = fmt.Sprintf("internal: %v", r)
			t.Record("error", t.LastError)
			e.schedule(t, e.cfg.Limits.GenericRetryDelay.Duration())
			e.persist(t)
		}
		metrics.ObserveStage(stage, time.Since(started).Seconds())
	}()

	if t.Status == task.StatusRateLimited {
		if t.RateLimitResumeTS != nil && time.Now().Before(*t.RateLimitResumeTS) {
			return
		}
		// Return to the stage implied by what has been acquired, never a
		// stored "previous status" that a crash could have left stale.
		resumed := t.DeriveStatus()
		t.RateLimitResumeTS = nil
		t.SetStatus(resumed, "rate limit cooldown elapsed, resuming "+string(resumed))
		e.persist(t)
		return
	}

	// The desired window passing before an order exists is a hard failure.
	if t.OrderID == 0 && t.SupplyID == 0 && !t.WindowTo.IsZero() && time.Now().After(t.WindowTo) {
		e.failTask(t, "window_expired", "desired supply window is in the past")
		e.persist(t)
		return
	}

	switch t.Status {
	case task.StatusWaitingWindow:
		e.handleWaitingWindow(ctx, t)
	case task.StatusDraftCreating:
		e.handleDraftCreating(ctx, t)
	case task.StatusPollingDraft:
		e.handlePollingDraft(ctx, t)
	case task.StatusTimeslotSearch:
		e.handleTimeslotSearch(ctx, t)
	case task.StatusTimeslotSetting:
		e.handleTimeslotSetting(ctx, t)
	case task.StatusSupplyCreating:
		e.handleSupplyCreating(ctx, t)
	case task.StatusPollingSupply:
		e.handlePollingSupply(ctx, t)
	case task.StatusOrderDataFilling:
		e.handleOrderDataFilling(ctx, t)
	case task.StatusCargoPrep:
		e.handleCargoPrep(ctx, t)
	case task.StatusCargoCreating:
		e.handleCargoCreating(ctx, t)
	case task.StatusPollingCargo:
		e.handlePollingCargo(ctx, t)
	case task.StatusLabelsCreating:
		e.handleLabelsCreating(ctx, t)
	case task.StatusPollingLabels:
		e.handlePollingLabels(ctx, t)
	default:
		slog.Warn("unknown task status", "task", t.ID, "status", t.Status)
		e.schedule(t, e.cfg.Limits.GenericRetryDelay.Duration())
	}

	e.persist(t)
}

func (e *Engine) persist(t *task.Task) {
	if err := e.store.Upsert(t); err != nil {
		slog.Error("persist task", "task", t.ID, "error", err)
		return
	}
	e.bus.Publish(events.NewTaskEvent(events.EventTaskAdvanced, events.SourceEngine, t.ID, map[string]any{
		"status": string(t.Status),
	}))
}

// schedule moves the task's next eligible attempt forward by d.
func (e *Engine) schedule(t *task.Task, d time.Duration) {
	t.NextAttemptTS = time.Now().UTC().Add(d)
}

// nudgeNow makes the task due immediately and wakes the worker.
func (e *Engine) nudgeNow(t *task.Task) {
	t.NextAttemptTS = time.Now().UTC()
	e.nudge()
}

// transient records a recoverable error and reschedules.
func (e *Engine) transient(t *task.Task, msg string, wait time.Duration) {
	t.LastError = msg
	t.Record("transient", msg)
	e.schedule(t, wait)
	slog.Warn("transient failure", "task", t.ID, "stage", t.Status, "error", msg)
}

// enterRateLimited parks the task until the cooldown elapses. The stage is
// re-derived from identifiers on resume, so nothing else is stored.
func (e *Engine) enterRateLimited(t *task.Task, r ozon.Response) {
	hint, hasHint := r.RetryAfter()
	wait := e.gov.OnRateLimited(hint, hasHint)

	resume := time.Now().UTC().Add(wait)
	t.RateLimitResumeTS = &resume
	t.RateLimitHits++
	t.NextAttemptTS = resume
	t.SetStatus(task.StatusRateLimited, fmt.Sprintf("rate limited, resume in %s", wait.Round(time.Second)))

	metrics.IncRateLimitHit()
	e.bus.Publish(events.NewTaskEvent(events.EventTaskRateLimited, events.SourceEngine, t.ID, map[string]any{
		"resume_ts": resume,
	}))
	slog.Info("task rate limited", "task", t.ID, "wait", wait)
}

// failTask moves the task to the failed terminal state with a reason code
// and a human-readable message.
func (e *Engine) failTask(t *task.Task, reason, msg string) {
	t.FailReason = reason
	t.LastError = msg
	t.SetStatus(task.StatusFailed, msg)

	e.bus.Publish(events.NewTaskEvent(events.EventTaskFailed, events.SourceEngine, t.ID, map[string]any{
		"reason":  reason,
		"message": msg,
	}))
	e.notifier.NotifyText(t.Recipient, fmt.Sprintf("Задача %s не выполнена: %s", t.ShortID(), msg))
	slog.Warn("task failed", "task", t.ID, "reason", reason, "error", msg)
}

// completeTask moves the task to done and delivers the label file.
func (e *Engine) completeTask(t *task.Task) {
	t.LastError = ""
	t.SetStatus(task.StatusDone, "labels downloaded")

	e.bus.Publish(events.NewTaskEvent(events.EventTaskCompleted, events.SourceEngine, t.ID, map[string]any{
		"order_id":  t.OrderID,
		"supply_id": t.SupplyID,
	}))
	e.bus.Publish(events.NewTaskEvent(events.EventLabelsReady, events.SourceEngine, t.ID, nil))
	if t.LabelFilePath != "" {
		e.notifier.NotifyFile(t.Recipient, t.LabelFilePath,
			fmt.Sprintf("Этикетки по поставке %d готовы", t.SupplyID))
	}
	slog.Info("task done", "task", t.ID, "order", t.OrderID, "supply", t.SupplyID)
}

// taskLocks provides the per-task exclusion locks. Holding a task's lock is
// the only license to mutate it.
type taskLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{m: make(map[string]*sync.Mutex)}
}

func (l *taskLocks) get(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.m[id]
	if !ok {
		m = &sync.Mutex{}
		l.m[id] = m
	}
	return m
}

func (l *taskLocks) tryLock(id string) bool { return l.get(id).TryLock() }
func (l *taskLocks) lock(id string)         { l.get(id).Lock() }
func (l *taskLocks) unlock(id string)       { l.get(id).Unlock() }
