package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/metrics"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// responseClass buckets a draft creation response for the negotiation loop.
type responseClass int

const (
	classAccepted responseClass = iota
	classUnknownShape
	classOtherClient
	classNoOperation
	classAuth
	classTransient
	classRateLimited
)

// classifyDraftResponse maps a raw rejection onto negotiation behavior. A
// 409 that still carries an operation id counts as accepted: the draft
// already exists.
func classifyDraftResponse(r ozon.Response, marker string) responseClass {
	switch {
	case r.IsRateLimited():
		return classRateLimited
	case r.IsTransportFailure() || r.Status >= 500:
		return classTransient
	case r.Status == 401 || r.Status == 403:
		return classAuth
	case r.Status == 409 && r.OperationID() != "":
		return classAccepted
	case r.OK && r.OperationID() != "":
		return classAccepted
	case r.OK:
		return classNoOperation
	case r.Status == 400 && r.ContainsMarker(marker):
		return classUnknownShape
	default:
		return classOtherClient
	}
}

// maxInlineSpacingWait bounds how long a handler sleeps for the global draft
// throttle before rescheduling instead.
const maxInlineSpacingWait = 2 * time.Second

// handleDraftCreating runs one negotiation attempt: submit the current
// candidate payload, classify the rejection, and either record the win,
// advance the candidate, back off, or fail.
func (e *Engine) handleDraftCreating(ctx context.Context, t *task.Task) {
	// Idempotence: an operation id means a draft call already went out.
	if t.DraftOperationID != "" {
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingDraft, "draft operation already submitted")
		return
	}

	e.ensureStrategies(t)

	if t.DraftAttempts >= e.cfg.Negotiation.MaxDraftAttempts {
		e.failTask(t, "draft_attempts_exhausted",
			fmt.Sprintf("draft creation gave up after %d attempts", t.DraftAttempts))
		return
	}

	strat, ok := e.currentStrategy(t)
	if !ok {
		e.failTask(t, "strategies_exhausted",
			fmt.Sprintf("all %d payload candidates rejected after %d attempts",
				len(t.DraftStrategies), t.DraftAttempts))
		return
	}

	// Global spacing between draft creations, shared across tasks.
	wait, cancel := e.gov.ReserveDraftSlot()
	if wait > maxInlineSpacingWait {
		cancel()
		e.schedule(t, wait)
		return
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			cancel()
			e.schedule(t, wait)
			return
		}
	}

	resp := e.api.DraftCreate(ctx, strat.Payload(t))

	switch classifyDraftResponse(resp, e.cfg.Negotiation.UnknownShapeMarker) {
	case classRateLimited:
		// Not counted as an attempt, not a strategy advance.
		e.enterRateLimited(t, resp)
		return

	case classAccepted:
		e.gov.OnSuccess()
		t.DraftAttempts++
		metrics.IncDraftAttempt()
		t.DraftStrategiesTried = append(t.DraftStrategiesTried, strat.Name)
		t.WinningStrategy = strat.Name
		t.DraftOperationID = resp.OperationID()
		t.LastError = ""
		t.Record("negotiation", "strategy "+strat.Name+" accepted")
		e.bus.Publish(events.NewTaskEvent(events.EventStrategyWon, events.SourceEngine, t.ID, map[string]any{
			"strategy": strat.Name,
			"attempts": t.DraftAttempts,
		}))
		e.resetPoll(t)
		t.SetStatus(task.StatusPollingDraft, "")
		e.nudgeNow(t)

	case classUnknownShape:
		e.gov.OnSuccess()
		t.DraftAttempts++
		metrics.IncDraftAttempt()
		t.DraftStrategiesTried = append(t.DraftStrategiesTried, strat.Name)
		e.advanceStrategy(t, strat.Name, resp.ErrorMessage(), e.cfg.Negotiation.FastAdvanceDelay.Duration())

	case classOtherClient, classNoOperation:
		// May not be a shape problem, so advance slowly instead of burning
		// through every candidate on an unrelated rejection.
		e.gov.OnSuccess()
		t.DraftAttempts++
		metrics.IncDraftAttempt()
		t.DraftStrategiesTried = append(t.DraftStrategiesTried, strat.Name)
		e.advanceStrategy(t, strat.Name, resp.ErrorMessage(), e.cfg.Negotiation.NormalAdvanceDelay.Duration())

	case classAuth:
		e.failTask(t, "auth_rejected", "seller API rejected credentials: "+resp.ErrorMessage())

	case classTransient:
		// Same candidate, exponential backoff; does count toward the cap.
		e.gov.OnSuccess()
		t.DraftAttempts++
		metrics.IncDraftAttempt()
		e.transient(t, "draft create: "+resp.ErrorMessage(), e.gov.CreateBackoff(t.DraftAttempts))
	}
}

// advanceStrategy moves negotiation to the next candidate.
func (e *Engine) advanceStrategy(t *task.Task, rejected, errMsg string, delay time.Duration) {
	t.DraftStrategyIndex++
	t.LastError = errMsg
	t.Record("negotiation", "strategy "+rejected+" rejected, advancing")
	e.bus.Publish(events.NewTaskEvent(events.EventStrategyAdvanced, events.SourceEngine, t.ID, map[string]any{
		"rejected": rejected,
		"index":    t.DraftStrategyIndex,
	}))
	e.schedule(t, delay)
}
