package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fscreentime/internal/db"
	"fscreentime/internal/models"
	"fscreentime/internal/notify"
	"fscreentime/internal/schedule"
	"fscreentime/pkg/logger"
)

// BuildRenewal returns the goal for the week after prev, or nil when prev
// opted out of auto renewal.
func BuildRenewal(prev *models.Goal, now time.Time) (*models.Goal, error) {
	if !prev.Renews() {
		return nil, nil
	}
	start, end, err := schedule.NextPeriod(prev.WeekEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid weekEnd %q: %w", prev.WeekEnd, err)
	}

	renew := true
	next := &models.Goal{
		UserID:      prev.UserID,
		WeekStart:   start,
		WeekEnd:     end,
		DailyLimit:  prev.DailyLimit,
		WeeklyLimit: prev.DailyLimit * models.DefaultNumDays,
		NumDays:     models.DefaultNumDays,
		Charity:     prev.Charity,
		CharityID:   prev.CharityID,
		Amount:      prev.Amount,
		IdentityID:  prev.IdentityID,
		AutoRenew:   &renew,
		Status:      models.StatusActive,
		RenewedFrom: prev.WeekStart,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(prev.ExcludedApps) > 0 {
		next.ExcludedApps = append([]string(nil), prev.ExcludedApps...)
	}
	return next, nil
}

// Renew inserts the renewal of prev. It reports whether a new goal was created;
// an existing goal for the next week is not an error.
func (e *Engine) Renew(ctx context.Context, now time.Time, prev *models.Goal) (*models.Goal, bool, error) {
	next, err := BuildRenewal(prev, now)
	if err != nil || next == nil {
		return nil, false, err
	}
	if err := e.goals.InsertGoal(ctx, next); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return next, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert renewal: %w", err)
	}
	return next, true, nil
}

func (e *Engine) renew(ctx context.Context, now time.Time, prev *models.Goal, email string, log *logger.Logger) {
	next, created, err := e.Renew(ctx, now, prev)
	switch {
	case err != nil:
		log.Errorw("Failed to renew goal", "error", err)
		e.metrics.outcome("renewal_error")
		return
	case next == nil:
		return
	case !created:
		log.Debugw("Renewal already exists", "next_week_start", next.WeekStart)
		return
	}

	e.metrics.outcome("renewed")
	log.Infow("Goal renewed", "next_week_start", next.WeekStart, "next_week_end", next.WeekEnd)
	e.notify(ctx, email, notify.KindGoalRenewed, notify.Params{
		WeekStart: next.WeekStart,
		WeekEnd:   next.WeekEnd,
		GoalHours: next.GoalHours(),
		Amount:    next.ChargeAmount(e.opts.DefaultAmount),
		Charity:   next.Charity,
	}, log)
}
