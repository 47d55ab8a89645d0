package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// ErrTerminal is returned when a control operation targets a task that has
// already reached a terminal state.
var ErrTerminal = errors.New("task is in a terminal state")

// BookingRequest is the structured input for a new supply booking.
type BookingRequest struct {
	Items              []task.LineItem `json:"items"`
	WindowFrom         time.Time       `json:"window_from"`
	WindowTo           time.Time       `json:"window_to"`
	WarehouseName      string          `json:"warehouse_name,omitempty"`
	WarehouseID        int64           `json:"warehouse_id,omitempty"`
	DropoffWarehouseID int64           `json:"dropoff_warehouse_id,omitempty"`
	Preference         string          `json:"preference,omitempty"`
	Recipient          string          `json:"recipient,omitempty"`
}

// Submit validates a booking request, persists a new task, and wakes the
// worker so the task starts without waiting for the next tick.
func (e *Engine) Submit(req BookingRequest) (*task.Task, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("booking request has no line items")
	}
	for _, it := range req.Items {
		if it.SKU == 0 && it.OfferID == "" {
			return nil, errors.New("line item needs a sku or an offer id")
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("line item %d has non-positive quantity", it.SKU)
		}
	}
	if req.WindowFrom.IsZero() || req.WindowTo.IsZero() {
		return nil, errors.New("desired window is required")
	}
	if !req.WindowTo.After(req.WindowFrom) {
		return nil, errors.New("desired window end must be after its start")
	}

	t := &task.Task{
		Items:              req.Items,
		WindowFrom:         req.WindowFrom,
		WindowTo:           req.WindowTo,
		WarehouseName:      req.WarehouseName,
		WarehouseID:        req.WarehouseID,
		DropoffWarehouseID: req.DropoffWarehouseID,
		Preference:         req.Preference,
		Recipient:          req.Recipient,
		Status:             task.StatusWaitingWindow,
	}
	t.Record("created", fmt.Sprintf("booking %s - %s, %d positions",
		req.WindowFrom.Format("2006-01-02 15:04"), req.WindowTo.Format("2006-01-02 15:04"), len(req.Items)))

	if err := e.store.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	e.bus.Publish(events.NewTaskEvent(events.EventTaskCreated, events.SourceOperator, t.ID, map[string]any{
		"window_from": req.WindowFrom,
		"window_to":   req.WindowTo,
	}))
	e.nudge()
	return t, nil
}

// Cancel stops a task. The per-task lock serializes this with any in-flight
// handler, so the task cannot advance past the cancellation.
func (e *Engine) Cancel(id, reason string) (*task.Task, error) {
	e.LockTask(id)
	defer e.UnlockTask(id)

	t, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("cancel %s: %w", id, ErrTerminal)
	}

	if reason == "" {
		reason = "canceled by operator"
	}
	t.SetStatus(task.StatusCanceled, reason)
	if err := e.store.Upsert(t); err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewTaskEvent(events.EventTaskCanceled, events.SourceOperator, t.ID, map[string]any{
		"reason": reason,
	}))
	return t, nil
}

// Retry resets a failed or canceled task to the start of the pipeline. All
// acquired identifiers and negotiation state are dropped so the rerun starts
// clean.
func (e *Engine) Retry(id string) (*task.Task, error) {
	e.LockTask(id)
	defer e.UnlockTask(id)

	t, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("retry %s: task is still active", id)
	}

	t.LastError = ""
	t.FailReason = ""
	t.RateLimitResumeTS = nil
	t.DraftOperationID = ""
	t.DraftID = 0
	t.ChosenWarehouseID = 0
	t.TimeslotID = ""
	t.SlotFrom = nil
	t.SlotTo = nil
	t.SupplyOperationID = ""
	t.OrderID = 0
	t.SupplyID = 0
	t.OrderTimeslotSet = false
	t.CargoOperationID = ""
	t.CargoIDs = nil
	t.LabelOperationID = ""
	t.LabelFileGUID = ""
	t.LabelFilePath = ""
	t.DraftStrategies = nil
	t.DraftStrategyIndex = 0
	t.DraftStrategiesTried = nil
	t.WinningStrategy = ""
	t.DraftAttempts = 0
	t.PollAttempts = 0
	t.PollStartedAt = nil
	t.NextAttemptTS = time.Now().UTC()
	t.SetStatus(task.StatusWaitingWindow, "retried by operator")

	if err := e.store.Upsert(t); err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewTaskEvent(events.EventTaskRetried, events.SourceOperator, t.ID, nil))
	e.nudge()
	return t, nil
}

// DeleteTask removes a task after writing an audit record.
func (e *Engine) DeleteTask(id, reason string) error {
	e.LockTask(id)
	defer e.UnlockTask(id)

	if err := e.store.Delete(id, reason); err != nil {
		return err
	}
	e.bus.Publish(events.NewTaskEvent(events.EventTaskDeleted, events.SourceOperator, id, map[string]any{
		"reason": reason,
	}))
	return nil
}

// PurgeOlderThan deletes terminal tasks older than the given number of days
// and returns the removed ids.
func (e *Engine) PurgeOlderThan(days int) ([]string, error) {
	ids, err := e.store.PurgeOlderThan(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.bus.Publish(events.NewTaskEvent(events.EventTaskDeleted, events.SourceOperator, id, map[string]any{
			"reason": "retention purge",
		}))
	}
	return ids, nil
}

// PurgeAll deletes every task regardless of state.
func (e *Engine) PurgeAll() ([]string, error) {
	ids, err := e.store.PurgeAll()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.bus.Publish(events.NewTaskEvent(events.EventTaskDeleted, events.SourceOperator, id, map[string]any{
			"reason": "purge all",
		}))
	}
	return ids, nil
}
