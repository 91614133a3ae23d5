// Package budget implements the soft daily spend cap. The counter is a
// best-effort circuit breaker for the whole system, not a financial ledger:
// minor overcount under concurrent increments is accepted.
package budget

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/store"
	"github.com/Burlarad/SolaraInsights.com-sub003/pkg/logging"
)

// counterTTL keeps yesterday's counter around briefly for inspection; the
// day rollover itself happens by key change, not by expiry.
const counterTTL = 48 * time.Hour

// Guard compares the day's accumulated generation cost against a cap.
type Guard struct {
	store store.Store
	cap   int64
	now   func() time.Time
}

// NewGuard creates a budget guard. cap <= 0 disables the guard.
func NewGuard(s store.Store, cap int64) *Guard {
	return &Guard{store: s, cap: cap, now: time.Now}
}

// key rolls over at the UTC day boundary, implicitly resetting the budget.
func (g *Guard) key() string {
	return "budget:spend:" + g.now().UTC().Format("2006-01-02")
}

// Check reports whether today's spend is still under the cap. Store failures
// propagate so the caller can fail closed.
func (g *Guard) Check(ctx context.Context) (bool, error) {
	if g.cap <= 0 {
		return true, nil
	}

	raw, found, err := g.store.Get(ctx, g.key())
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}

	spent, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		// A corrupt counter should never block serving; log and allow.
		logging.L(ctx).Warn("budget counter unparseable", zap.ByteString("value", raw))
		return true, nil
	}

	return spent < g.cap, nil
}

// Spend records cost units in the background. Fire-and-forget: it must never
// block or fail the response path, so it detaches from the caller's
// cancellation and only logs on failure.
func (g *Guard) Spend(ctx context.Context, costUnits int64) {
	if g.cap <= 0 || costUnits <= 0 {
		return
	}

	key := g.key()
	detached := context.WithoutCancel(ctx)

	go func() {
		ctx, cancel := context.WithTimeout(detached, 5*time.Second)
		defer cancel()

		total, err := g.store.IncrBy(ctx, key, costUnits, counterTTL)
		if err != nil {
			logging.L(ctx).Warn("budget increment failed",
				zap.Int64("cost_units", costUnits),
				zap.Error(err),
			)
			return
		}
		logging.L(ctx).Debug("budget incremented",
			zap.Int64("cost_units", costUnits),
			zap.Int64("spent_today", total),
		)
	}()
}
