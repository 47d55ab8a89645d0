package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// handleWaitingWindow validates the request and releases the task into the
// pipeline. Malformed data is a hard failure, not a retry.
func (e *Engine) handleWaitingWindow(_ context.Context, t *task.Task) {
	if len(t.Items) == 0 {
		e.failTask(t, "validation", "booking request has no line items")
		return
	}
	for _, it := range t.Items {
		if it.Quantity <= 0 {
			e.failTask(t, "validation", fmt.Sprintf("sku %d has non-positive quantity", it.SKU))
			return
		}
	}
	if !t.WindowTo.After(t.WindowFrom) {
		e.failTask(t, "validation", "desired window end is not after its start")
		return
	}

	t.SetStatus(task.StatusDraftCreating, "")
	e.nudgeNow(t)
}

// handlePollingDraft polls the draft calculation until it yields a draft id
// and a warehouse choice.
func (e *Engine) handlePollingDraft(ctx context.Context, t *task.Task) {
	if t.DraftID != 0 {
		t.SetStatus(task.StatusTimeslotSearch, "draft already resolved")
		return
	}

	if reason, exceeded := e.pollBudgetExceeded(t); exceeded {
		e.failTask(t, reason, "draft calculation did not finish in time")
		return
	}

	resp := e.api.DraftCreateInfo(ctx, t.DraftOperationID)
	if e.pollStep(t, resp) {
		return
	}

	info := ozon.ParseDraftInfo(resp)
	switch info.State {
	case ozon.CalcSuccess:
		if info.DraftID == 0 {
			e.transient(t, "draft info: success without draft_id", e.cfg.Worker.OperationPollInterval.Duration())
			return
		}
		t.DraftID = info.DraftID
		if w, ok := ozon.ChooseWarehouse(info.Warehouses, t.WarehouseID, t.WarehouseName); ok {
			t.ChosenWarehouseID = w.ID
			t.Record("draft", fmt.Sprintf("draft %d ready, warehouse %d (%s)", t.DraftID, w.ID, w.Name))
		} else {
			t.Record("draft", fmt.Sprintf("draft %d ready, no warehouse offered yet", t.DraftID))
		}
		e.bus.Publish(events.NewTaskEvent(events.EventDraftReady, events.SourceEngine, t.ID, map[string]any{
			"draft_id": t.DraftID,
		}))
		t.SetStatus(task.StatusTimeslotSearch, "")
		e.nudgeNow(t)

	case ozon.CalcError:
		e.failTask(t, "draft_calculation_error", "draft calculation failed: "+info.ErrorText)

	default:
		e.schedule(t, e.cfg.Worker.OperationPollInterval.Duration())
	}
}

// handleTimeslotSearch matches the desired window against offered slots.
// No offers yet is not an error; the search repeats on the slot interval.
func (e *Engine) handleTimeslotSearch(ctx context.Context, t *task.Task) {
	if t.SlotFrom != nil && t.SlotTo != nil {
		t.SetStatus(task.StatusTimeslotSetting, "slot already resolved")
		return
	}

	warehouseIDs := []int64{}
	if t.ChosenWarehouseID != 0 {
		warehouseIDs = append(warehouseIDs, t.ChosenWarehouseID)
	}

	resp := e.api.TimeslotInfo(ctx, t.DraftID, warehouseIDs, t.WindowFrom, t.WindowTo)
	if resp.IsRateLimited() {
		e.enterRateLimited(t, resp)
		return
	}
	e.gov.OnSuccess()
	if !resp.OK {
		e.transient(t, "timeslot info: "+resp.ErrorMessage(), e.cfg.Limits.GenericRetryDelay.Duration())
		return
	}

	slots := ozon.ParseSlots(resp)
	if len(slots) == 0 {
		t.Record("timeslot", "no slots offered yet")
		e.schedule(t, e.cfg.Worker.SlotPollInterval.Duration())
		return
	}

	slot, ok := ResolveSlot(slots, t.WindowFrom, t.WindowTo, e.cfg.Timeslot.NearestDelta.Duration())
	if !ok {
		t.Record("timeslot", fmt.Sprintf("%d slots offered, none near the desired window", len(slots)))
		e.schedule(t, e.cfg.Worker.SlotPollInterval.Duration())
		return
	}

	t.TimeslotID = slot.ID
	from, to := slot.From, slot.To
	t.SlotFrom = &from
	t.SlotTo = &to
	t.Record("timeslot", fmt.Sprintf("slot resolved %s - %s", from.Format(time.RFC3339), to.Format(time.RFC3339)))
	e.bus.Publish(events.NewTaskEvent(events.EventSlotResolved, events.SourceEngine, t.ID, map[string]any{
		"from": from,
		"to":   to,
	}))
	t.SetStatus(task.StatusTimeslotSetting, "")
	e.nudgeNow(t)
}

// handleTimeslotSetting pins the resolved slot on the draft. Some flows
// accept the slot inside supply creation instead, so a client-side rejection
// here moves on rather than failing.
func (e *Engine) handleTimeslotSetting(ctx context.Context, t *task.Task) {
	if t.SupplyOperationID != "" {
		t.SetStatus(task.StatusPollingSupply, "supply operation already submitted")
		return
	}

	resp := e.api.DraftTimeslotSet(ctx, t.DraftID, t.ChosenWarehouseID, *t.SlotFrom, *t.SlotTo)
	switch {
	case resp.IsRateLimited():
		e.enterRateLimited(t, resp)
		return
	case resp.IsTransportFailure() || resp.Status >= 500:
		e.gov.OnSuccess()
		e.transient(t, "timeslot set: "+resp.ErrorMessage(), e.cfg.Limits.GenericRetryDelay.Duration())
		return
	case !resp.OK:
		t.Record("timeslot", "timeslot set rejected, passing slot with supply creation")
	}

	e.gov.OnSuccess()
	t.SetStatus(task.StatusSupplyCreating, "")
	e.nudgeNow(t)
}

// handleSupplyCreating converts the draft into a supply order booking.
func (e *Engine) handleSupplyCreating(ctx context.Context, t *task.Task) {
	if t.SupplyOperationID != "" {
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingSupply, "supply operation already submitted")
		return
	}

	payload := map[string]any{
		"draft_id":     t.DraftID,
		"warehouse_id": t.ChosenWarehouseID,
		"timeslot": map[string]any{
			"from_in_timezone": t.SlotFrom.Format(time.RFC3339),
			"to_in_timezone":   t.SlotTo.Format(time.RFC3339),
		},
	}
	if t.TimeslotID != "" {
		payload["timeslot_id"] = t.TimeslotID
	}

	resp := e.api.SupplyCreate(ctx, payload)
	switch {
	case resp.IsRateLimited():
		e.enterRateLimited(t, resp)
	case resp.IsTransportFailure() || resp.Status >= 500:
		e.gov.OnSuccess()
		e.transient(t, "supply create: "+resp.ErrorMessage(), e.gov.CreateBackoff(t.PollAttempts))
	case resp.OK && resp.OperationID() != "":
		e.gov.OnSuccess()
		t.SupplyOperationID = resp.OperationID()
		t.LastError = ""
		t.Record("supply", "supply creation submitted")
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingSupply, "")
		e.nudgeNow(t)
	default:
		e.gov.OnSuccess()
		e.transient(t, "supply create rejected: "+resp.ErrorMessage(), e.cfg.Limits.GenericRetryDelay.Duration())
	}
}

// handlePollingSupply polls supply creation until an order id appears.
func (e *Engine) handlePollingSupply(ctx context.Context, t *task.Task) {
	if t.OrderID != 0 {
		t.SetStatus(task.StatusOrderDataFilling, "order already created")
		return
	}

	if reason, exceeded := e.pollBudgetExceeded(t); exceeded {
		e.failTask(t, reason, "supply creation did not finish in time")
		return
	}

	resp := e.api.SupplyCreateStatus(ctx, t.SupplyOperationID)
	if e.pollStep(t, resp) {
		return
	}

	result := ozon.ParseSupplyResult(resp)
	switch result.State {
	case ozon.CalcSuccess:
		if len(result.OrderIDs) == 0 {
			e.transient(t, "supply status: success without order ids", e.cfg.Worker.OperationPollInterval.Duration())
			return
		}
		t.OrderID = result.OrderIDs[0]
		t.Record("supply", fmt.Sprintf("order %d created", t.OrderID))
		e.bus.Publish(events.NewTaskEvent(events.EventOrderCreated, events.SourceEngine, t.ID, map[string]any{
			"order_id": t.OrderID,
		}))
		e.notifier.NotifyText(t.Recipient,
			fmt.Sprintf("Поставка забронирована: заявка %d, задача %s", t.OrderID, t.ShortID()))
		t.SetStatus(task.StatusOrderDataFilling, "")
		e.nudgeNow(t)

	case ozon.CalcError:
		e.failTask(t, "supply_creation_error", "supply creation failed: "+result.ErrorText)

	default:
		e.schedule(t, e.cfg.Worker.OperationPollInterval.Duration())
	}
}

// handleOrderDataFilling bridges "order exists" and "order is complete".
// Missing data is never a failure here; the stage re-checks until a supply
// id shows up, confirming the timeslot on the order along the way.
func (e *Engine) handleOrderDataFilling(ctx context.Context, t *task.Task) {
	if t.SupplyID != 0 {
		t.SetStatus(task.StatusCargoPrep, "supply id already known")
		e.nudgeNow(t)
		return
	}

	resp := e.api.OrderGet(ctx, []int64{t.OrderID})
	if resp.IsRateLimited() {
		e.enterRateLimited(t, resp)
		return
	}
	e.gov.OnSuccess()
	if !resp.OK {
		e.transient(t, "order get: "+resp.ErrorMessage(), e.cfg.Limits.GenericRetryDelay.Duration())
		return
	}

	info, ok := ozon.ParseOrderInfo(resp)
	if !ok {
		t.Record("order", "order data not visible yet")
		e.schedule(t, e.cfg.Worker.SlotPollInterval.Duration())
		return
	}

	if !info.HasTimeslot && !t.OrderTimeslotSet && t.SlotFrom != nil && t.SlotTo != nil {
		upd := e.api.OrderTimeslotUpdate(ctx, t.OrderID, *t.SlotFrom, *t.SlotTo, t.TimeslotID)
		if upd.IsRateLimited() {
			e.enterRateLimited(t, upd)
			return
		}
		if upd.OK {
			t.OrderTimeslotSet = true
			t.Record("order", "order timeslot confirmed")
		} else {
			t.Record("order", "order timeslot update rejected: "+upd.ErrorMessage())
		}
	}

	if info.SupplyID != 0 {
		t.SupplyID = info.SupplyID
		t.Record("order", fmt.Sprintf("supply %d assigned", t.SupplyID))
		t.SetStatus(task.StatusCargoPrep, "")
		e.nudgeNow(t)
		return
	}

	t.Record("order", "awaiting order data")
	e.schedule(t, e.cfg.Worker.SlotPollInterval.Duration())
}

// handleCargoPrep assembles the cargo manifest locally. All line items ship
// in one box unless a future packing step splits them.
func (e *Engine) handleCargoPrep(_ context.Context, t *task.Task) {
	if t.SupplyID == 0 {
		e.transient(t, "cargo prep without supply id", e.cfg.Limits.GenericRetryDelay.Duration())
		return
	}

	t.Record("cargo", fmt.Sprintf("manifest prepared: 1 box, %d positions", len(t.Items)))
	t.SetStatus(task.StatusCargoCreating, "")
	e.nudgeNow(t)
}

// handleCargoCreating submits the cargo manifest.
func (e *Engine) handleCargoCreating(ctx context.Context, t *task.Task) {
	if t.CargoOperationID != "" {
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingCargo, "cargo operation already submitted")
		return
	}

	box := make([]ozon.CargoItem, 0, len(t.Items))
	for _, it := range t.Items {
		box = append(box, ozon.CargoItem{OfferID: it.OfferID, SKU: it.SKU, Quantity: it.Quantity})
	}

	resp := e.api.CargoesCreate(ctx, ozon.BuildCargoPayload(t.SupplyID, [][]ozon.CargoItem{box}))
	switch {
	case resp.IsRateLimited():
		e.enterRateLimited(t, resp)
	case resp.IsTransportFailure() || resp.Status >= 500:
		e.gov.OnSuccess()
		e.transient(t, "cargoes create: "+resp.ErrorMessage(), e.gov.CreateBackoff(t.PollAttempts))
	case resp.OK && resp.OperationID() != "":
		e.gov.OnSuccess()
		t.CargoOperationID = resp.OperationID()
		t.LastError = ""
		t.Record("cargo", "cargo creation submitted")
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingCargo, "")
		e.nudgeNow(t)
	default:
		e.gov.OnSuccess()
		e.transient(t, "cargoes create rejected: "+resp.ErrorMessage(), e.cfg.Limits.GenericRetryDelay.Duration())
	}
}

// handlePollingCargo polls cargo creation until cargo ids appear.
func (e *Engine) handlePollingCargo(ctx context.Context, t *task.Task) {
	if len(t.CargoIDs) > 0 {
		t.SetStatus(task.StatusLabelsCreating, "cargoes already created")
		return
	}

	if reason, exceeded := e.pollBudgetExceeded(t); exceeded {
		e.failTask(t, reason, "cargo creation did not finish in time")
		return
	}

	resp := e.api.CargoesCreateInfo(ctx, t.CargoOperationID)
	if e.pollStep(t, resp) {
		return
	}

	result := ozon.ParseCargoResult(resp)
	switch result.State {
	case ozon.CalcSuccess:
		if len(result.CargoIDs) == 0 {
			e.transient(t, "cargo info: success without cargo ids", e.cfg.Worker.OperationPollInterval.Duration())
			return
		}
		t.CargoIDs = result.CargoIDs
		t.Record("cargo", fmt.Sprintf("%d cargoes created", len(t.CargoIDs)))
		t.SetStatus(task.StatusLabelsCreating, "")
		e.nudgeNow(t)

	case ozon.CalcError:
		e.failTask(t, "cargo_creation_error", "cargo creation failed: "+result.ErrorText)

	default:
		e.schedule(t, e.cfg.Worker.OperationPollInterval.Duration())
	}
}

// handleLabelsCreating requests label generation.
func (e *Engine) handleLabelsCreating(ctx context.Context, t *task.Task) {
	if t.LabelOperationID != "" {
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingLabels, "label operation already submitted")
		return
	}

	resp := e.api.LabelsCreate(ctx, t.SupplyID, t.CargoIDs)
	switch {
	case resp.IsRateLimited():
		e.enterRateLimited(t, resp)
	case resp.IsTransportFailure() || resp.Status >= 500:
		e.gov.OnSuccess()
		e.transient(t, "labels create: "+resp.ErrorMessage(), e.gov.CreateBackoff(t.PollAttempts))
	case resp.OK && resp.OperationID() != "":
		e.gov.OnSuccess()
		t.LabelOperationID = resp.OperationID()
		t.LastError = ""
		t.Record("labels", "label generation submitted")
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingLabels, "")
		e.nudgeNow(t)
	default:
		e.gov.OnSuccess()
		e.transient(t, "labels create rejected: "+resp.ErrorMessage(), e.cfg.Limits.GenericRetryDelay.Duration())
	}
}

// handlePollingLabels polls label generation and downloads the file.
func (e *Engine) handlePollingLabels(ctx context.Context, t *task.Task) {
	if t.LabelFilePath != "" {
		e.completeTask(t)
		return
	}

	if reason, exceeded := e.pollBudgetExceeded(t); exceeded {
		e.failTask(t, reason, "label generation did not finish in time")
		return
	}

	if t.LabelFileGUID == "" {
		resp := e.api.LabelsGet(ctx, t.LabelOperationID)
		if e.pollStep(t, resp) {
			return
		}

		result := ozon.ParseLabelResult(resp)
		switch result.State {
		case ozon.CalcSuccess:
			if result.FileGUID == "" {
				e.transient(t, "labels get: success without file guid", e.cfg.Worker.OperationPollInterval.Duration())
				return
			}
			t.LabelFileGUID = result.FileGUID
			t.Record("labels", "label file ready")

		case ozon.CalcError:
			e.failTask(t, "label_generation_error", "label generation failed: "+result.ErrorText)
			return

		default:
			e.schedule(t, e.cfg.Worker.OperationPollInterval.Duration())
			return
		}
	}

	data, resp := e.api.LabelFile(ctx, t.LabelFileGUID)
	if resp.IsRateLimited() {
		e.enterRateLimited(t, resp)
		return
	}
	e.gov.OnSuccess()
	if !resp.OK {
		e.transient(t, "label download: "+resp.ErrorMessage(), e.cfg.Worker.OperationPollInterval.Duration())
		return
	}

	path, err := e.store.WriteLabelFile(t.ID, data)
	if err != nil {
		e.transient(t, "store label file: "+err.Error(), e.cfg.Limits.GenericRetryDelay.Duration())
		return
	}
	t.LabelFilePath = path
	e.completeTask(t)
}
