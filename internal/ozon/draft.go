package ozon

import (
	"context"
	"net/http"
	"strings"
)

// Calculation states reported by the draft info endpoint.
const (
	CalcSuccess    = "SUCCESS"
	CalcInProgress = "IN_PROGRESS"
	CalcError      = "ERROR"
)

// DraftCreate submits one candidate draft payload. The payload shape varies
// per negotiation strategy, so it is passed through untyped.
func (c *Client) DraftCreate(ctx context.Context, payload map[string]any) Response {
	return c.Call(ctx, http.MethodPost, "/v1/draft/create", payload)
}

// DraftCreateInfo polls the async draft calculation.
func (c *Client) DraftCreateInfo(ctx context.Context, operationID string) Response {
	return c.Call(ctx, http.MethodPost, "/v1/draft/create/info", map[string]any{
		"operation_id": operationID,
	})
}

// Warehouse is a supply destination offered by a draft calculation.
type Warehouse struct {
	ID   int64
	Name string
}

// DraftInfo is the parsed outcome of a finished draft calculation.
type DraftInfo struct {
	State      string
	DraftID    int64
	Warehouses []Warehouse
	ErrorText  string
}

// ParseDraftInfo classifies a draft info response and extracts the draft id
// and the candidate warehouses from the cluster tree.
func ParseDraftInfo(r Response) DraftInfo {
	info := DraftInfo{State: operationState(r.Body)}
	if r.Body == nil {
		return info
	}

	if id, ok := asInt64(r.Body["draft_id"]); ok {
		info.DraftID = id
	}
	if msg, ok := r.Body["error_message"].(string); ok {
		info.ErrorText = msg
	}

	clusters, _ := r.Body["clusters"].([]any)
	for _, cl := range clusters {
		cm, ok := cl.(map[string]any)
		if !ok {
			continue
		}
		warehouses, _ := cm["warehouses"].([]any)
		for _, w := range warehouses {
			wm, ok := w.(map[string]any)
			if !ok {
				continue
			}
			sw, ok := wm["supply_warehouse"].(map[string]any)
			if !ok {
				sw = wm
			}
			id, ok := asInt64(sw["warehouse_id"])
			if !ok {
				continue
			}
			name, _ := sw["name"].(string)
			info.Warehouses = append(info.Warehouses, Warehouse{ID: id, Name: name})
		}
	}
	return info
}

// operationState maps the various status strings the API uses onto the three
// calculation states. Unknown strings count as in-progress so polling keeps
// going until the budget runs out.
func operationState(body map[string]any) string {
	if body == nil {
		return CalcInProgress
	}
	status, _ := body["status"].(string)
	upper := strings.ToUpper(status)
	switch {
	case strings.Contains(upper, "SUCCESS"):
		return CalcSuccess
	case strings.Contains(upper, "ERROR"), strings.Contains(upper, "FAIL"):
		return CalcError
	default:
		return CalcInProgress
	}
}

// ChooseWarehouse picks the warehouse best matching the named hint by token
// overlap, or the explicit id when present among the offers. Falls back to
// the first offer.
func ChooseWarehouse(offers []Warehouse, explicitID int64, nameHint string) (Warehouse, bool) {
	if len(offers) == 0 {
		return Warehouse{}, false
	}

	if explicitID != 0 {
		for _, w := range offers {
			if w.ID == explicitID {
				return w, true
			}
		}
	}

	if nameHint != "" {
		hintTokens := tokenize(nameHint)
		best := -1
		bestScore := 0
		for i, w := range offers {
			score := overlap(hintTokens, tokenize(w.Name))
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		if best >= 0 {
			return offers[best], true
		}
	}

	return offers[0], true
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && !('а' <= r && r <= 'я')
	})
	return fields
}

func overlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	n := 0
	for _, t := range b {
		if set[t] {
			n++
		}
	}
	return n
}
