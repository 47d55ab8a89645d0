package task

import "time"

// maxHistory bounds the per-task event history; oldest entries are dropped.
const maxHistory = 500

// Event is one entry of a task's append-only lifecycle history.
type Event struct {
	Ts      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
}

// Record appends an event to the task history, dropping the oldest entries
// beyond the bound.
func (t *Task) Record(eventType, message string) {
	t.History = append(t.History, Event{
		Ts:      time.Now().UTC(),
		Type:    eventType,
		Message: message,
	})
	if len(t.History) > maxHistory {
		t.History = t.History[len(t.History)-maxHistory:]
	}
}

// SetStatus transitions the task and records the transition in its history.
func (t *Task) SetStatus(next Status, message string) {
	prev := t.Status
	t.Status = next
	if message == "" {
		message = string(prev) + " -> " + string(next)
	}
	t.Record("status", message)
}
