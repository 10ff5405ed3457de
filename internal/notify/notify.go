// Package notify sends user emails about settlement outcomes and operator alerts.
// Delivery is best effort: callers log failures and move on.
package notify

import (
	"context"
	"fmt"
)

type Kind string

const (
	KindGoalPassed             Kind = "goal_passed"
	KindPenaltyCharged         Kind = "penalty_charged"
	KindChargeFailed           Kind = "charge_failed"
	KindAuthenticationRequired Kind = "authentication_required"
	KindNoPaymentMethod        Kind = "no_payment_method"
	KindChargeAbandoned        Kind = "charge_abandoned"
	KindGoalRenewed            Kind = "goal_renewed"
	KindPaymentSetupComplete   Kind = "payment_setup_complete"
)

// Params are the values a template may reference.
type Params struct {
	WeekStart       string
	WeekEnd         string
	ScreenTimeHours float64
	GoalHours       float64
	Amount          int64
	Charity         string
	Reason          string
}

// Sender delivers one templated message to one address.
type Sender interface {
	Send(ctx context.Context, email string, kind Kind, params Params) error
}

// Alerter posts a short operator-facing message.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// Nop drops everything. Used when no transport is configured.
type Nop struct{}

func (Nop) Send(context.Context, string, Kind, Params) error { return nil }
func (Nop) Alert(context.Context, string, string) error      { return nil }

// Dollars formats a cent amount as "$10.00".
func Dollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// Hours formats an hour figure with one decimal.
func Hours(h float64) string {
	return fmt.Sprintf("%.1f", h)
}
