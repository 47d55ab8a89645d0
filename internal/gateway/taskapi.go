package gateway

import (
	"encoding/json"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/engine"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/store"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// TaskAPI exposes engine task operations to the HTTP and WS layers.
type TaskAPI struct {
	engine *engine.Engine
}

// NewTaskAPI creates a TaskAPI backed by the engine.
func NewTaskAPI(e *engine.Engine) *TaskAPI {
	return &TaskAPI{engine: e}
}

type taskSummary struct {
	ID          string      `json:"id"`
	Status      task.Status `json:"status"`
	WindowFrom  time.Time   `json:"window_from"`
	WindowTo    time.Time   `json:"window_to"`
	Recipient   string      `json:"recipient,omitempty"`
	OrderID     int64       `json:"order_id,omitempty"`
	SupplyID    int64       `json:"supply_id,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	FailReason  string      `json:"fail_reason,omitempty"`
	NextAttempt time.Time   `json:"next_attempt_ts"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func summarize(t *task.Task) taskSummary {
	return taskSummary{
		ID:          t.ID,
		Status:      t.Status,
		WindowFrom:  t.WindowFrom,
		WindowTo:    t.WindowTo,
		Recipient:   t.Recipient,
		OrderID:     t.OrderID,
		SupplyID:    t.SupplyID,
		LastError:   t.LastError,
		FailReason:  t.FailReason,
		NextAttempt: t.NextAttemptTS,
		UpdatedAt:   t.UpdatedAt,
	}
}

// Submit decodes a booking request and creates a task.
func (a *TaskAPI) Submit(params json.RawMessage) (any, error) {
	var req engine.BookingRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	t, err := a.engine.Submit(req)
	if err != nil {
		return nil, err
	}
	return summarize(t), nil
}

// Get returns the full task record.
func (a *TaskAPI) Get(taskID string) (any, error) {
	return a.engine.Store().Get(taskID)
}

// List returns task summaries matching the filter.
func (a *TaskAPI) List(status, recipient string) (any, error) {
	list, err := a.engine.Store().List(store.ListFilter{
		Status:    task.Status(status),
		Recipient: recipient,
	})
	if err != nil {
		return nil, err
	}
	summaries := make([]taskSummary, len(list))
	for i, t := range list {
		summaries[i] = summarize(t)
	}
	return summaries, nil
}

// Cancel stops a task.
func (a *TaskAPI) Cancel(taskID, reason string) (any, error) {
	t, err := a.engine.Cancel(taskID, reason)
	if err != nil {
		return nil, err
	}
	return summarize(t), nil
}

// Retry resets a terminal task to the start of the pipeline.
func (a *TaskAPI) Retry(taskID string) (any, error) {
	t, err := a.engine.Retry(taskID)
	if err != nil {
		return nil, err
	}
	return summarize(t), nil
}
