package models

import (
	"time"
)

type Status string

const (
	StatusActive                 Status = "active"
	StatusPassed                 Status = "passed"
	StatusCharged                Status = "charged"
	StatusCancelled              Status = "cancelled"
	StatusFailedNoPayment        Status = "failed_no_payment"
	StatusChargeFailed           Status = "charge_failed"
	StatusRequiresAuthentication Status = "requires_authentication"
	StatusChargeAbandoned        Status = "charge_abandoned"
)

// Terminal statuses leave the live goal store and go to the goal history.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusCharged, StatusCancelled, StatusFailedNoPayment, StatusChargeAbandoned:
		return true
	}
	return false
}

const DefaultNumDays = 7

// Goal is one user's commitment for one challenge week, keyed by (UserID, WeekStart).
type Goal struct {
	UserID       string   `json:"userId" dynamodbav:"userId"`
	WeekStart    string   `json:"weekStart" dynamodbav:"weekStart"`
	WeekEnd      string   `json:"weekEnd" dynamodbav:"weekEnd"`
	DailyLimit   float64  `json:"dailyLimit" dynamodbav:"dailyLimit"`
	WeeklyLimit  float64  `json:"weeklyLimit,omitempty" dynamodbav:"weeklyLimit,omitempty"`
	NumDays      int      `json:"numDays,omitempty" dynamodbav:"numDays,omitempty"`
	Charity      string   `json:"charity,omitempty" dynamodbav:"charity,omitempty"`
	CharityID    string   `json:"charityId,omitempty" dynamodbav:"charityId,omitempty"`
	Amount       int64    `json:"amount,omitempty" dynamodbav:"amount,omitempty"`
	IdentityID   string   `json:"identityId,omitempty" dynamodbav:"identityId,omitempty"`
	AutoRenew    *bool    `json:"autoRenew,omitempty" dynamodbav:"autoRenew,omitempty"`
	ExcludedApps []string `json:"excludedApps,omitempty" dynamodbav:"excludedApps,omitempty"`
	Status       Status   `json:"status,omitempty" dynamodbav:"status,omitempty"`

	PaymentIntentID  string     `json:"paymentIntentId,omitempty" dynamodbav:"paymentIntentId,omitempty"`
	ChargedAt        *time.Time `json:"chargedAt,omitempty" dynamodbav:"chargedAt,omitempty"`
	ScreenTimeActual *float64   `json:"screenTimeActual,omitempty" dynamodbav:"screenTimeActual,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty" dynamodbav:"failureReason,omitempty"`
	LastFailedAt     *time.Time `json:"lastFailedAt,omitempty" dynamodbav:"lastFailedAt,omitempty"`
	RetryCount       int        `json:"retryCount,omitempty" dynamodbav:"retryCount,omitempty"`
	RenewedFrom      string     `json:"renewedFrom,omitempty" dynamodbav:"renewedFrom,omitempty"`
	SettledAt        *time.Time `json:"settledAt,omitempty" dynamodbav:"settledAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt" dynamodbav:"updatedAt"`
}

// CurrentStatus treats a missing status as active, matching legacy records.
func (g *Goal) CurrentStatus() Status {
	if g.Status == "" {
		return StatusActive
	}
	return g.Status
}

// GoalHours is the weekly allowance. Legacy records without weeklyLimit derive
// it from dailyLimit and numDays.
func (g *Goal) GoalHours() float64 {
	if g.WeeklyLimit > 0 {
		return g.WeeklyLimit
	}
	days := g.NumDays
	if days <= 0 {
		days = DefaultNumDays
	}
	return g.DailyLimit * float64(days)
}

func (g *Goal) ChargeAmount(fallback int64) int64 {
	if g.Amount > 0 {
		return g.Amount
	}
	return fallback
}

// Renews reports whether the goal should roll over. Only an explicit false opts out.
func (g *Goal) Renews() bool {
	return g.AutoRenew == nil || *g.AutoRenew
}

func (g *Goal) Excluded() map[string]struct{} {
	if len(g.ExcludedApps) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(g.ExcludedApps))
	for _, app := range g.ExcludedApps {
		set[app] = struct{}{}
	}
	return set
}

// HistoryEntry is the settled summary appended to a ledger's goalHistory.
type HistoryEntry struct {
	WeekStart       string    `json:"weekStart"`
	WeekEnd         string    `json:"weekEnd"`
	GoalHours       float64   `json:"goalHours"`
	ScreenTimeHours float64   `json:"screenTimeHours"`
	DailyLimit      float64   `json:"dailyLimit"`
	Charity         string    `json:"charity,omitempty"`
	Status          Status    `json:"status"`
	Amount          int64     `json:"amount,omitempty"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
	ProcessedAt     time.Time `json:"processedAt"`
}
