package unread

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// RunSchedule refreshes the ledger on every tick of cronExpr until ctx is
// done. It reconciles counts whose newChat push was missed, for example
// while the socket was reconnecting.
func (a *Aggregator) RunSchedule(ctx context.Context, cronExpr string) error {
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid unread refresh cron expression: %s", cronExpr)
	}
	a.logger.Info("unread_schedule_started", zap.String("cron", cronExpr))

	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now(), false)
		if err != nil {
			a.logger.Error("unread_schedule_nexttick_failed", zap.String("cron", cronExpr), zap.Error(err))
			next = time.Now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("unread_schedule_stopped")
			return nil
		case <-timer.C:
		}

		// failures already logged; last-known values stay
		_ = a.Refresh(ctx)
	}
}
