package engine

import (
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// resetPoll clears the polling counters when a stage submits a new
// long-running operation.
func (e *Engine) resetPoll(t *task.Task) {
	t.PollAttempts = 0
	now := time.Now().UTC()
	t.PollStartedAt = &now
}

// pollBudgetExceeded reports whether the retry count or wall-clock budget of
// the current operation poll is used up.
func (e *Engine) pollBudgetExceeded(t *task.Task) (string, bool) {
	if t.PollAttempts >= e.cfg.Worker.MaxOperationRetries {
		return "operation_retry_budget", true
	}
	if t.PollStartedAt != nil {
		deadline := t.PollStartedAt.Add(e.cfg.Worker.OperationPollTimeout.Duration())
		if time.Now().After(deadline) {
			return "operation_timeout", true
		}
	}
	return "", false
}

// pollStep handles the outcomes shared by every polling stage: rate limits
// never consume budget, transport failures and in-progress responses do.
// It returns true when the caller should stop (the task was parked or
// rescheduled) and false when the response is worth parsing.
func (e *Engine) pollStep(t *task.Task, r ozon.Response) bool {
	if r.IsRateLimited() {
		e.enterRateLimited(t, r)
		return true
	}

	e.gov.OnSuccess()
	t.PollAttempts++

	if r.IsTransportFailure() || r.Status >= 500 {
		e.transient(t, "poll: "+r.ErrorMessage(), e.cfg.Worker.OperationPollInterval.Duration())
		return true
	}
	if !r.OK {
		e.transient(t, "poll rejected: "+r.ErrorMessage(), e.cfg.Worker.OperationPollInterval.Duration())
		return true
	}
	return false
}
