package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"fscreentime/internal/db"
	"fscreentime/internal/models"
	"fscreentime/internal/notify"
	"fscreentime/pkg/logger"
)

// RetryFailed re-attempts goals in charge_failed and abandons those past the
// deadline or the attempt limit.
func (e *Engine) RetryFailed(ctx context.Context) (RetryResult, error) {
	goals, err := e.goals.ScanByStatus(ctx, models.StatusChargeFailed)
	if err != nil {
		return RetryResult{}, fmt.Errorf("failed to scan charge_failed goals: %w", err)
	}

	now := e.opts.Now()
	t := &retryTally{}
	t.add(func(r *RetryResult) { r.Scanned = len(goals) })

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, goal := range goals {
		g.Go(func() error {
			onPanic := func() { t.add(func(r *RetryResult) { r.Errors++ }) }
			e.guard(goal, onPanic, func() { e.retryGoal(ctx, now, goal, t) })
			return nil
		})
	}
	_ = g.Wait()

	return t.result(), nil
}

// abandonReason returns a non-empty reason when goal should not be retried.
// The deadline is checked first.
func (e *Engine) abandonReason(now time.Time, goal *models.Goal) string {
	if goal.LastFailedAt != nil && now.Sub(*goal.LastFailedAt) > e.opts.AbandonAfter {
		return fmt.Sprintf("no successful charge within %s of the last failure", e.opts.AbandonAfter)
	}
	if goal.RetryCount >= e.opts.MaxRetries {
		return fmt.Sprintf("charge failed after %d retries", goal.RetryCount)
	}
	return ""
}

func (e *Engine) retryGoal(ctx context.Context, now time.Time, goal *models.Goal, t *retryTally) {
	log := e.logger.With("user_id", goal.UserID, "week_start", goal.WeekStart, "retry_count", goal.RetryCount)
	errored := func() { t.add(func(r *RetryResult) { r.Errors++ }) }

	var screenHours float64
	if goal.ScreenTimeActual != nil {
		screenHours = *goal.ScreenTimeActual
	}

	if reason := e.abandonReason(now, goal); reason != "" {
		e.abandon(ctx, now, goal, screenHours, reason, t, log)
		return
	}

	profile, err := e.profiles.GetProfile(ctx, goal.UserID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Errorw("Failed to load payment profile", "error", err)
		errored()
		return
	}
	if !profile.CanCharge() {
		log.Debugw("No usable payment method, retry deferred")
		t.add(func(r *RetryResult) { r.Skipped++ })
		return
	}

	email := profile.EmailAddress()
	amount := goal.ChargeAmount(e.opts.DefaultAmount)
	attempt := goal.RetryCount + 1

	updated := *goal
	updated.UpdatedAt = now

	chargeRef, perr := e.charge(ctx, &updated, profile, amount, RetryKey(goal.UserID, goal.WeekStart, attempt), screenHours)
	if perr == nil {
		updated.Status = models.StatusCharged
		updated.Amount = amount
		updated.PaymentIntentID = chargeRef
		updated.ChargedAt = &now
		updated.SettledAt = &now
		updated.RetryCount = attempt
		if err := e.goals.PutGoal(ctx, &updated); err != nil {
			log.Errorw("Charged on retry but failed to persist goal", "payment_intent_id", chargeRef, "error", err)
			errored()
			return
		}
		t.add(func(r *RetryResult) { r.Charged++ })
		e.metrics.outcome("retry_charged")
		log.Infow("Penalty charged on retry", "attempt", attempt, "payment_intent_id", chargeRef)

		if !e.complete(ctx, now, &updated, screenHours, log) {
			errored()
		}
		e.renew(ctx, now, &updated, email, log)
		e.notify(ctx, email, notify.KindPenaltyCharged, paramsFor(&updated, screenHours, amount), log)
		return
	}

	updated.RetryCount = attempt
	kind := e.recordChargeFailure(&updated, now, perr)
	if err := e.goals.PutGoal(ctx, &updated); err != nil {
		log.Errorw("Failed to persist retry failure", "charge_error", perr, "error", err)
		errored()
		return
	}
	t.add(func(r *RetryResult) { r.Failed++ })
	e.metrics.outcome("retry_failed")
	log.Warnw("Retry charge failed", "attempt", attempt, "status", updated.Status, "error", perr)

	// Only the first failure notifies about a decline; repeating it every
	// hour adds nothing. Authentication needs the user, so it always notifies.
	if kind == notify.KindAuthenticationRequired {
		params := paramsFor(&updated, screenHours, amount)
		params.Reason = updated.FailureReason
		e.notify(ctx, email, kind, params, log)
	}
}

func (e *Engine) abandon(ctx context.Context, now time.Time, goal *models.Goal, screenHours float64, reason string, t *retryTally, log *logger.Logger) {
	abandoned := *goal
	abandoned.Status = models.StatusChargeAbandoned
	abandoned.SettledAt = &now
	abandoned.UpdatedAt = now
	if abandoned.FailureReason == "" {
		abandoned.FailureReason = reason
	}

	if err := e.goals.PutGoal(ctx, &abandoned); err != nil {
		log.Errorw("Failed to persist abandoned goal", "error", err)
		t.add(func(r *RetryResult) { r.Errors++ })
		return
	}
	t.add(func(r *RetryResult) { r.Abandoned++ })
	e.metrics.outcome(string(models.StatusChargeAbandoned))
	log.Warnw("Charge abandoned", "reason", reason)

	if !e.complete(ctx, now, &abandoned, screenHours, log) {
		t.add(func(r *RetryResult) { r.Errors++ })
	}

	email := e.lookupEmail(ctx, goal.UserID, log)
	params := paramsFor(&abandoned, screenHours, goal.ChargeAmount(e.opts.DefaultAmount))
	params.Reason = reason
	e.notify(ctx, email, notify.KindChargeAbandoned, params, log)
}
