// Package task defines the persistent booking task model.
package task

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the pipeline state of a booking task.
type Status string

const (
	StatusWaitingWindow    Status = "waiting_window"
	StatusDraftCreating    Status = "draft_creating"
	StatusPollingDraft     Status = "polling_draft"
	StatusTimeslotSearch   Status = "timeslot_search"
	StatusTimeslotSetting  Status = "timeslot_setting"
	StatusSupplyCreating   Status = "supply_creating"
	StatusPollingSupply    Status = "polling_supply"
	StatusOrderDataFilling Status = "order_data_filling"
	StatusCargoPrep        Status = "cargo_prep"
	StatusCargoCreating    Status = "cargo_creating"
	StatusPollingCargo     Status = "polling_cargo"
	StatusLabelsCreating   Status = "labels_creating"
	StatusPollingLabels    Status = "polling_labels"
	StatusDone             Status = "done"
	StatusRateLimited      Status = "rate_limited"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"
)

// TerminalStatuses are states from which no further processing occurs.
var TerminalStatuses = map[Status]bool{
	StatusDone:     true,
	StatusFailed:   true,
	StatusCanceled: true,
}

// IsTerminal reports whether s allows no further processing.
func (s Status) IsTerminal() bool {
	return TerminalStatuses[s]
}

// LineItem is a single product position in a booking request.
type LineItem struct {
	SKU      int64  `json:"sku"`
	OfferID  string `json:"offer_id,omitempty"`
	Quantity int    `json:"quantity"`
}

// Task is the unit of work: one supply window booking driven through the
// remote seller API.
type Task struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Booking request.
	Items              []LineItem `json:"items"`
	WindowFrom         time.Time  `json:"window_from"`
	WindowTo           time.Time  `json:"window_to"`
	WarehouseName      string     `json:"warehouse_name,omitempty"`
	WarehouseID        int64      `json:"warehouse_id,omitempty"`
	DropoffWarehouseID int64      `json:"dropoff_warehouse_id,omitempty"`
	Preference         string     `json:"preference,omitempty"`
	Recipient          string     `json:"recipient,omitempty"`

	// Pipeline state.
	Status            Status     `json:"status"`
	LastError         string     `json:"last_error,omitempty"`
	FailReason        string     `json:"fail_reason,omitempty"`
	NextAttemptTS     time.Time  `json:"next_attempt_ts"`
	RateLimitResumeTS *time.Time `json:"rate_limit_resume_ts,omitempty"`
	RateLimitHits     int        `json:"rate_limit_hits,omitempty"`

	// Identifiers acquired along the pipeline.
	DraftOperationID  string     `json:"draft_operation_id,omitempty"`
	DraftID           int64      `json:"draft_id,omitempty"`
	ChosenWarehouseID int64      `json:"chosen_warehouse_id,omitempty"`
	TimeslotID        string     `json:"timeslot_id,omitempty"`
	SlotFrom          *time.Time `json:"slot_from,omitempty"`
	SlotTo            *time.Time `json:"slot_to,omitempty"`
	SupplyOperationID string     `json:"supply_operation_id,omitempty"`
	OrderID           int64      `json:"order_id,omitempty"`
	SupplyID          int64      `json:"supply_id,omitempty"`
	OrderTimeslotSet  bool       `json:"order_timeslot_set,omitempty"`
	CargoOperationID  string     `json:"cargo_operation_id,omitempty"`
	CargoIDs          []int64    `json:"cargo_ids,omitempty"`
	LabelOperationID  string     `json:"label_operation_id,omitempty"`
	LabelFileGUID     string     `json:"label_file_guid,omitempty"`
	LabelFilePath     string     `json:"label_file_path,omitempty"`

	// Draft negotiation state.
	DraftStrategies      []string `json:"draft_strategies,omitempty"`
	DraftStrategyIndex   int      `json:"draft_strategy_index,omitempty"`
	DraftStrategiesTried []string `json:"draft_strategies_tried,omitempty"`
	WinningStrategy      string   `json:"winning_strategy,omitempty"`
	DraftAttempts        int      `json:"draft_attempts,omitempty"`

	// Operation polling state, reset on entering a polling stage.
	PollAttempts  int        `json:"poll_attempts,omitempty"`
	PollStartedAt *time.Time `json:"poll_started_at,omitempty"`

	// Bounded lifecycle history for post-hoc diagnosis.
	History []Event `json:"history,omitempty"`

	// Fields written by other tool versions are carried across a
	// read-modify-write cycle untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// ShortID returns the compact display form of the task id.
func (t *Task) ShortID() string {
	if len(t.ID) > 13 {
		return t.ID[:13]
	}
	return t.ID
}

// DeriveStatus returns the pipeline state implied by the identifiers the
// task has already acquired. Used to resume after a rate limit or crash
// without trusting a possibly stale stored status.
func (t *Task) DeriveStatus() Status {
	switch {
	case t.LabelFilePath != "":
		return StatusDone
	case t.LabelOperationID != "":
		return StatusPollingLabels
	case len(t.CargoIDs) > 0:
		return StatusLabelsCreating
	case t.CargoOperationID != "":
		return StatusPollingCargo
	case t.SupplyID != 0:
		return StatusCargoPrep
	case t.OrderID != 0:
		return StatusOrderDataFilling
	case t.SupplyOperationID != "":
		return StatusPollingSupply
	case t.TimeslotID != "" || t.SlotFrom != nil:
		// The draft timeslot/set call is repeatable, so a resolved slot
		// returns here rather than skipping straight to supply creation.
		return StatusTimeslotSetting
	case t.DraftID != 0:
		return StatusTimeslotSearch
	case t.DraftOperationID != "":
		return StatusPollingDraft
	default:
		return StatusDraftCreating
	}
}

// taskFields lists every known JSON key of Task. Keys outside this set are
// preserved in Extra so that records written by newer versions round-trip.
var taskFields = map[string]struct{}{
	"id": {}, "created_at": {}, "updated_at": {},
	"items": {}, "window_from": {}, "window_to": {},
	"warehouse_name": {}, "warehouse_id": {}, "dropoff_warehouse_id": {},
	"preference": {}, "recipient": {},
	"status": {}, "last_error": {}, "fail_reason": {},
	"next_attempt_ts": {}, "rate_limit_resume_ts": {}, "rate_limit_hits": {},
	"draft_operation_id": {}, "draft_id": {}, "chosen_warehouse_id": {},
	"timeslot_id": {}, "slot_from": {}, "slot_to": {},
	"supply_operation_id": {}, "order_id": {}, "supply_id": {},
	"order_timeslot_set": {}, "cargo_operation_id": {}, "cargo_ids": {},
	"label_operation_id": {}, "label_file_guid": {}, "label_file_path": {},
	"draft_strategies": {}, "draft_strategy_index": {},
	"draft_strategies_tried": {}, "winning_strategy": {}, "draft_attempts": {},
	"poll_attempts": {}, "poll_started_at": {},
	"history": {},
}

// UnmarshalJSON decodes a task and captures unknown fields into Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	type Alias Task
	aux := (*Alias)(t)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := taskFields[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// MarshalJSON encodes a task including any preserved unknown fields.
func (t Task) MarshalJSON() ([]byte, error) {
	type Alias Task
	data, err := json.Marshal(Alias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if _, known := taskFields[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// GenerateID creates a unique task identifier.
func GenerateID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
