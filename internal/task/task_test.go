package task

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID()
	if !strings.HasPrefix(id, "task_") {
		t.Errorf("expected task_ prefix, got %q", id)
	}
	if len(id) != 13 {
		t.Errorf("expected 13 chars, got %d (%q)", len(id), id)
	}
	if id == GenerateID() {
		t.Error("expected unique ids")
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	in := `{
		"id": "task_abc12345",
		"status": "waiting_window",
		"items": [{"sku": 100, "quantity": 5}],
		"created_at": "2026-08-01T10:00:00Z",
		"updated_at": "2026-08-01T10:00:00Z",
		"window_from": "2026-09-01T10:00:00Z",
		"window_to": "2026-09-01T11:00:00Z",
		"next_attempt_ts": "2026-08-01T10:00:00Z",
		"future_field": {"nested": true},
		"another_one": 42
	}`

	var tk Task
	if err := json.Unmarshal([]byte(in), &tk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tk.ID != "task_abc12345" || tk.Status != StatusWaitingWindow {
		t.Fatalf("known fields lost: %+v", tk)
	}
	if len(tk.Extra) != 2 {
		t.Fatalf("Extra: got %d entries, want 2", len(tk.Extra))
	}

	out, err := json.Marshal(&tk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]json.RawMessage
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if string(back["another_one"]) != "42" {
		t.Errorf("another_one: got %s", back["another_one"])
	}
	if _, ok := back["future_field"]; !ok {
		t.Error("future_field dropped on marshal")
	}
}

func TestHistoryBounded(t *testing.T) {
	tk := &Task{ID: GenerateID()}
	for i := 0; i < maxHistory+50; i++ {
		tk.Record("tick", "n")
	}
	if len(tk.History) != maxHistory {
		t.Errorf("history length: got %d, want %d", len(tk.History), maxHistory)
	}
}

func TestDeriveStatus(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		mut  func(*Task)
		want Status
	}{
		{"empty", func(*Task) {}, StatusDraftCreating},
		{"draft op", func(tk *Task) { tk.DraftOperationID = "op1" }, StatusPollingDraft},
		{"draft id", func(tk *Task) { tk.DraftID = 7 }, StatusTimeslotSearch},
		{"slot", func(tk *Task) { tk.DraftID = 7; tk.SlotFrom = &now }, StatusTimeslotSetting},
		{"supply op", func(tk *Task) { tk.SupplyOperationID = "op2" }, StatusPollingSupply},
		{"order", func(tk *Task) { tk.OrderID = 9 }, StatusOrderDataFilling},
		{"supply", func(tk *Task) { tk.SupplyID = 3 }, StatusCargoPrep},
		{"cargo op", func(tk *Task) { tk.SupplyID = 3; tk.CargoOperationID = "op3" }, StatusPollingCargo},
		{"cargoes", func(tk *Task) { tk.CargoIDs = []int64{1} }, StatusLabelsCreating},
		{"label op", func(tk *Task) { tk.LabelOperationID = "op4" }, StatusPollingLabels},
		{"label file", func(tk *Task) { tk.LabelFilePath = "/tmp/l.pdf" }, StatusDone},
	}

	for _, tc := range cases {
		tk := &Task{}
		tc.mut(tk)
		if got := tk.DeriveStatus(); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusFailed, StatusCanceled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusWaitingWindow, StatusDraftCreating, StatusRateLimited} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
