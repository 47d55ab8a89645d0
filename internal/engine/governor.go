// Package engine drives booking tasks through the supply pipeline.
package engine

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/config"
)

// Governor owns both rate-limit mechanisms: the global minimum spacing
// between draft creation calls shared by all tasks, and the per-task
// cooldown computed when a call is rejected with 429.
type Governor struct {
	cfg     config.LimitsConfig
	limiter *rate.Limiter

	mu             sync.Mutex
	consecutive429 int
}

// NewGovernor creates a Governor from the limits configuration.
func NewGovernor(cfg config.LimitsConfig) *Governor {
	spacing := cfg.DraftMinSpacing.Duration()
	if spacing <= 0 {
		spacing = time.Second
	}
	return &Governor{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(spacing), 1),
	}
}

// ReserveDraftSlot reserves the next global draft-creation slot. It returns
// how long the caller must wait before issuing the call and a cancel
// function that gives the slot back if the caller decides not to use it.
func (g *Governor) ReserveDraftSlot() (time.Duration, func()) {
	r := g.limiter.Reserve()
	if !r.OK() {
		return g.cfg.DraftMinSpacing.Duration(), func() {}
	}
	return r.Delay(), r.Cancel
}

// OnRateLimited computes the per-task cooldown after a 429. A server hint is
// clamped to [1s, MaxCooldown]; without a hint the wait grows exponentially
// with the consecutive-429 count, jittered, capped at RateLimitMaxWait.
func (g *Governor) OnRateLimited(hint time.Duration, hasHint bool) time.Duration {
	g.mu.Lock()
	g.consecutive429++
	n := g.consecutive429
	g.mu.Unlock()

	if hasHint {
		if hint < time.Second {
			hint = time.Second
		}
		if max := g.cfg.MaxCooldown.Duration(); hint > max {
			hint = max
		}
		return hint
	}

	wait := g.cfg.RateLimitBaseWait.Duration()
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= g.cfg.RateLimitMaxWait.Duration() {
			break
		}
	}
	if max := g.cfg.RateLimitMaxWait.Duration(); wait > max {
		wait = max
	}
	// Up to 25% jitter so backed-off tasks don't thunder back together.
	jitter := time.Duration(rand.Int63n(int64(wait)/4 + 1))
	return wait + jitter
}

// OnSuccess resets the consecutive-429 counter. Any non-rate-limited
// response counts.
func (g *Governor) OnSuccess() {
	g.mu.Lock()
	g.consecutive429 = 0
	g.mu.Unlock()
}

// Consecutive429 returns the current run of rate-limited responses.
func (g *Governor) Consecutive429() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutive429
}

// CreateBackoff returns the wait before retrying the same candidate after a
// transient failure: exponential from the base, capped.
func (g *Governor) CreateBackoff(attempt int) time.Duration {
	wait := g.cfg.CreateBackoffBase.Duration()
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= g.cfg.CreateBackoffMax.Duration() {
			break
		}
	}
	if max := g.cfg.CreateBackoffMax.Duration(); wait > max {
		wait = max
	}
	return wait
}
