package ozon

import (
	"context"
	"net/http"
	"time"
)

// SupplyCreate converts a draft into a supply order booking for the chosen
// slot. The exact payload is assembled by the caller since the accepted
// field set mirrors the winning draft strategy.
func (c *Client) SupplyCreate(ctx context.Context, payload map[string]any) Response {
	return c.Call(ctx, http.MethodPost, "/v1/draft/supply/create", payload)
}

// SupplyCreateStatus polls the async supply creation.
func (c *Client) SupplyCreateStatus(ctx context.Context, operationID string) Response {
	return c.Call(ctx, http.MethodPost, "/v1/draft/supply/create/status", map[string]any{
		"operation_id": operationID,
	})
}

// SupplyResult is the parsed outcome of a finished supply creation.
type SupplyResult struct {
	State     string
	OrderIDs  []int64
	ErrorText string
}

// ParseSupplyResult classifies a supply status response and extracts the
// created order ids.
func ParseSupplyResult(r Response) SupplyResult {
	res := SupplyResult{State: operationState(r.Body)}
	if r.Body == nil {
		return res
	}
	if msg, ok := r.Body["error_message"].(string); ok {
		res.ErrorText = msg
	}

	// order_ids appear either at top level or nested under result.
	candidates := []any{r.Body["order_ids"]}
	if result, ok := r.Body["result"].(map[string]any); ok {
		candidates = append(candidates, result["order_ids"])
	}
	for _, c := range candidates {
		list, ok := c.([]any)
		if !ok {
			continue
		}
		for _, v := range list {
			if id, ok := asInt64(v); ok {
				res.OrderIDs = append(res.OrderIDs, id)
			}
		}
	}
	if len(res.OrderIDs) == 0 {
		if id, ok := asInt64(r.Body["order_id"]); ok && id != 0 {
			res.OrderIDs = []int64{id}
		}
	}
	return res
}

// OrderGet fetches supply order metadata for the given order ids.
func (c *Client) OrderGet(ctx context.Context, orderIDs []int64) Response {
	return c.Call(ctx, http.MethodPost, "/v2/supply-order/get", map[string]any{
		"order_ids": orderIDs,
	})
}

// OrderInfo is the subset of order metadata the pipeline needs.
type OrderInfo struct {
	OrderID     int64
	SupplyID    int64
	HasTimeslot bool
}

// ParseOrderInfo extracts the supply id and timeslot presence from an order
// metadata response. A missing supply id is not an error: the platform fills
// order data in asynchronously.
func ParseOrderInfo(r Response) (OrderInfo, bool) {
	if r.Body == nil {
		return OrderInfo{}, false
	}
	orders, _ := r.Body["orders"].([]any)
	if len(orders) == 0 {
		return OrderInfo{}, false
	}
	om, ok := orders[0].(map[string]any)
	if !ok {
		return OrderInfo{}, false
	}

	var info OrderInfo
	if id, ok := asInt64(om["supply_order_id"]); ok {
		info.OrderID = id
	} else if id, ok := asInt64(om["order_id"]); ok {
		info.OrderID = id
	}
	if _, ok := om["timeslot"]; ok {
		info.HasTimeslot = true
	}

	supplies, _ := om["supplies"].([]any)
	if len(supplies) > 0 {
		if sm, ok := supplies[0].(map[string]any); ok {
			if id, ok := asInt64(sm["supply_id"]); ok {
				info.SupplyID = id
			} else if id, ok := asInt64(sm["id"]); ok {
				info.SupplyID = id
			}
		}
	}
	return info, true
}

// OrderTimeslotUpdate confirms or changes the timeslot on an existing order.
func (c *Client) OrderTimeslotUpdate(ctx context.Context, orderID int64, from, to time.Time, timeslotID string) Response {
	payload := map[string]any{
		"supply_order_id": orderID,
		"timeslot": map[string]any{
			"from_in_timezone": from.Format(time.RFC3339),
			"to_in_timezone":   to.Format(time.RFC3339),
		},
	}
	if timeslotID != "" {
		payload["timeslot_id"] = timeslotID
	}
	return c.Call(ctx, http.MethodPost, "/v1/supply-order/timeslot/update", payload)
}
