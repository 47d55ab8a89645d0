package ozon

import (
	"context"
	"net/http"
	"time"
)

// Slot is one bookable window offered by the platform.
type Slot struct {
	ID        string
	From      time.Time
	To        time.Time
	Available bool
}

// TimeslotInfo queries the offered slots for a draft within a date range.
func (c *Client) TimeslotInfo(ctx context.Context, draftID int64, warehouseIDs []int64, from, to time.Time) Response {
	return c.Call(ctx, http.MethodPost, "/v1/draft/timeslot/info", map[string]any{
		"draft_id":      draftID,
		"warehouse_ids": warehouseIDs,
		"date_from":     from.UTC().Format(time.RFC3339),
		"date_to":       to.UTC().Format(time.RFC3339),
	})
}

// DraftTimeslotSet pins the chosen slot on a draft before supply creation.
func (c *Client) DraftTimeslotSet(ctx context.Context, draftID int64, warehouseID int64, from, to time.Time) Response {
	return c.Call(ctx, http.MethodPost, "/v1/draft/timeslot/set", map[string]any{
		"draft_id":     draftID,
		"warehouse_id": warehouseID,
		"timeslot": map[string]any{
			"from_in_timezone": from.Format(time.RFC3339),
			"to_in_timezone":   to.Format(time.RFC3339),
		},
	})
}

// ParseSlots normalizes the two shapes the timeslot endpoint answers with: a
// flat "timeslots" list and the nested drop_off_warehouse_timeslots tree.
func ParseSlots(r Response) []Slot {
	if r.Body == nil {
		return nil
	}

	var slots []Slot
	if flat, ok := r.Body["timeslots"].([]any); ok {
		slots = append(slots, parseSlotList(flat)...)
	}

	warehouses, _ := r.Body["drop_off_warehouse_timeslots"].([]any)
	for _, w := range warehouses {
		wm, ok := w.(map[string]any)
		if !ok {
			continue
		}
		days, _ := wm["days"].([]any)
		for _, d := range days {
			dm, ok := d.(map[string]any)
			if !ok {
				continue
			}
			if list, ok := dm["timeslots"].([]any); ok {
				slots = append(slots, parseSlotList(list)...)
			}
		}
	}
	return slots
}

func parseSlotList(list []any) []Slot {
	var slots []Slot
	for _, s := range list {
		sm, ok := s.(map[string]any)
		if !ok {
			continue
		}
		slot := Slot{Available: true}
		if id, ok := sm["id"]; ok {
			slot.ID = asString(id)
		}
		if v, ok := sm["is_available"].(bool); ok {
			slot.Available = v
		}
		slot.From = parseSlotTime(sm, "from_in_timezone", "from", "from_ts")
		slot.To = parseSlotTime(sm, "to_in_timezone", "to", "to_ts")
		if slot.From.IsZero() || slot.To.IsZero() {
			continue
		}
		slots = append(slots, slot)
	}
	return slots
}

// parseSlotTime accepts RFC3339 strings and epoch seconds under any of the
// given keys.
func parseSlotTime(m map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch tv := v.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339, tv); err == nil {
				return ts
			}
			if ts, err := time.Parse("2006-01-02T15:04:05", tv); err == nil {
				return ts.UTC()
			}
		case float64:
			if tv > 0 {
				return time.Unix(int64(tv), 0).UTC()
			}
		}
	}
	return time.Time{}
}
