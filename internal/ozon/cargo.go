package ozon

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CargoItem is one product position inside a box.
type CargoItem struct {
	OfferID  string
	SKU      int64
	Quantity int
}

// BuildCargoPayload assembles the cargoes/create request: one BOX cargo per
// box, each keyed by a fresh uuid, replacing any previous manifest version.
func BuildCargoPayload(supplyID int64, boxes [][]CargoItem) map[string]any {
	cargoes := make([]map[string]any, 0, len(boxes))
	for _, box := range boxes {
		items := make([]map[string]any, 0, len(box))
		for _, it := range box {
			item := map[string]any{
				"quant":    1,
				"quantity": it.Quantity,
			}
			if it.OfferID != "" {
				item["offer_id"] = it.OfferID
			}
			if it.SKU != 0 {
				item["sku"] = it.SKU
			}
			items = append(items, item)
		}
		cargoes = append(cargoes, map[string]any{
			"key": uuid.New().String(),
			"value": map[string]any{
				"type":  "BOX",
				"items": items,
			},
		})
	}

	return map[string]any{
		"supply_id":              supplyID,
		"delete_current_version": true,
		"cargoes":                cargoes,
	}
}

// CargoesCreate submits a cargo manifest.
func (c *Client) CargoesCreate(ctx context.Context, payload map[string]any) Response {
	return c.Call(ctx, http.MethodPost, "/v1/cargoes/create", payload)
}

// CargoesCreateInfo polls the async cargo creation.
func (c *Client) CargoesCreateInfo(ctx context.Context, operationID string) Response {
	return c.Call(ctx, http.MethodPost, "/v1/cargoes/create/info", map[string]any{
		"operation_id": operationID,
	})
}

// CargoResult is the parsed outcome of a finished cargo creation.
type CargoResult struct {
	State     string
	CargoIDs  []int64
	ErrorText string
}

// ParseCargoResult classifies a cargo info response and extracts cargo ids.
func ParseCargoResult(r Response) CargoResult {
	res := CargoResult{State: operationState(r.Body)}
	if r.Body == nil {
		return res
	}
	if msg, ok := r.Body["error_message"].(string); ok {
		res.ErrorText = msg
	}

	cargoes, _ := r.Body["cargoes"].([]any)
	for _, c := range cargoes {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := asInt64(cm["cargo_id"]); ok {
			res.CargoIDs = append(res.CargoIDs, id)
		} else if id, ok := asInt64(cm["id"]); ok {
			res.CargoIDs = append(res.CargoIDs, id)
		}
	}
	return res
}

// LabelsCreate requests label generation for the given cargoes.
func (c *Client) LabelsCreate(ctx context.Context, supplyID int64, cargoIDs []int64) Response {
	return c.Call(ctx, http.MethodPost, "/v1/cargoes-label/create", map[string]any{
		"supply_id": supplyID,
		"cargo_ids": cargoIDs,
	})
}

// LabelsGet polls label generation status.
func (c *Client) LabelsGet(ctx context.Context, operationID string) Response {
	return c.Call(ctx, http.MethodPost, "/v1/cargoes-label/get", map[string]any{
		"operation_id": operationID,
	})
}

// LabelResult is the parsed outcome of finished label generation.
type LabelResult struct {
	State     string
	FileGUID  string
	ErrorText string
}

// ParseLabelResult classifies a label status response.
func ParseLabelResult(r Response) LabelResult {
	res := LabelResult{State: operationState(r.Body)}
	if r.Body == nil {
		return res
	}
	if msg, ok := r.Body["error_message"].(string); ok {
		res.ErrorText = msg
	}
	if guid, ok := r.Body["file_guid"].(string); ok {
		res.FileGUID = guid
	} else if guid, ok := r.Body["guid"].(string); ok {
		res.FileGUID = guid
	}
	return res
}

// LabelFile downloads the generated label PDF.
func (c *Client) LabelFile(ctx context.Context, fileGUID string) ([]byte, Response) {
	return c.Download(ctx, "/v1/cargoes-label/file/"+fileGUID)
}
