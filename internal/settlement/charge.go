package settlement

import (
	"context"
	"fmt"
	"time"

	"fscreentime/internal/models"
	"fscreentime/internal/notify"
	"fscreentime/internal/payment"
)

const authRequiredReason = "Your bank requires additional authentication for this charge"

func (e *Engine) charge(ctx context.Context, goal *models.Goal, profile *models.PaymentProfile, amount int64, key string, screenHours float64) (string, *payment.Error) {
	req := payment.ChargeRequest{
		Amount:          amount,
		Currency:        e.opts.Currency,
		CustomerID:      profile.StripeCustomerID,
		PaymentMethodID: profile.StripePaymentMethodID,
		IdempotencyKey:  key,
		Description:     fmt.Sprintf("Screen time penalty for week %s to %s", goal.WeekStart, goal.WeekEnd),
		Metadata: map[string]string{
			"userId":          goal.UserID,
			"weekStart":       goal.WeekStart,
			"weekEnd":         goal.WeekEnd,
			"charity":         goal.Charity,
			"screenTimeHours": notify.Hours(screenHours),
			"goalHours":       notify.Hours(goal.GoalHours()),
		},
	}

	start := time.Now()
	ref, err := e.charger.Charge(ctx, req)
	e.metrics.charge(time.Since(start), err)
	if err != nil {
		return "", payment.AsError(err)
	}
	return ref, nil
}

// recordChargeFailure moves goal to the status matching perr and returns the
// notification to send.
func (e *Engine) recordChargeFailure(goal *models.Goal, now time.Time, perr *payment.Error) notify.Kind {
	goal.LastFailedAt = &now

	if perr.Kind == payment.KindAuthenticationRequired {
		goal.Status = models.StatusRequiresAuthentication
		if perr.PaymentIntentID != "" {
			goal.PaymentIntentID = perr.PaymentIntentID
		}
		goal.FailureReason = authRequiredReason
		return notify.KindAuthenticationRequired
	}

	goal.Status = models.StatusChargeFailed
	goal.FailureReason = perr.Reason
	if goal.FailureReason == "" {
		goal.FailureReason = perr.Error()
	}
	return notify.KindChargeFailed
}
