package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fscreentime/internal/models"
	"fscreentime/internal/notify"
	"fscreentime/internal/payment"
)

// Sunday 22:15 UTC is Monday 09:15 at +11.
var mondayNineAtPlus11 = time.Date(2026, 2, 22, 22, 15, 0, 0, time.UTC)

type env struct {
	now      time.Time
	goals    *fakeGoals
	ledgers  *fakeLedgers
	profiles *fakeProfiles
	charger  *fakeCharger
	notifier *fakeNotifier
	engine   *Engine
}

func newEnv(t *testing.T, now time.Time, goals ...*models.Goal) *env {
	t.Helper()
	e := &env{
		now:      now,
		goals:    newFakeGoals(goals...),
		ledgers:  newFakeLedgers(),
		profiles: &fakeProfiles{profiles: map[string]*models.PaymentProfile{}},
		charger:  &fakeCharger{ref: "pi_123"},
		notifier: &fakeNotifier{},
	}
	metrics, err := NewMetrics("test", prometheus.NewRegistry())
	require.NoError(t, err)

	e.engine = New(Deps{
		Goals:    e.goals,
		Ledgers:  e.ledgers,
		Profiles: e.profiles,
		Charger:  e.charger,
		Notifier: e.notifier,
		Alerter:  e.notifier,
		Metrics:  metrics,
	}, Options{
		DefaultAmount: 1000,
		Currency:      "usd",
		EvalHour:      9,
		MaxRetries:    3,
		AbandonAfter:  72 * time.Hour,
		Workers:       4,
		Now:           func() time.Time { return e.now },
	}, nil)
	return e
}

func (e *env) usage(identityID string, offset int, days map[string][]models.Entry) {
	l := models.NewLedger()
	l.TZOffsetHours = models.TZOffset(offset)
	for date, entries := range days {
		l.Days[date] = models.DayRecord{Entries: entries}
	}
	e.ledgers.ledgers[identityID] = l
}

func (e *env) card(userID string) {
	e.profiles.profiles[userID] = &models.PaymentProfile{
		UserID:                userID,
		StripeCustomerID:      "cus_1",
		StripePaymentMethodID: "pm_1",
		Email:                 userID + "@example.com",
	}
}

func weekGoal(weeklyLimit float64) *models.Goal {
	return &models.Goal{
		UserID:      "u1",
		WeekStart:   "2026-02-16",
		WeekEnd:     "2026-02-22",
		DailyLimit:  3,
		WeeklyLimit: weeklyLimit,
		NumDays:     7,
		Charity:     "Red Cross",
		IdentityID:  "id-1",
		Status:      models.StatusActive,
	}
}

func safari(e *env) {
	e.usage("id-1", 11, map[string][]models.Entry{
		"2026-02-16": {{App: "Safari", Minutes: 90}},
	})
}

func TestPassedGoalIsArchivedAndRenewed(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(20))
	safari(e)
	e.card("u1")

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Passed: 1}, res)

	history := e.ledgers.history("id-1")
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusPassed, history[0].Status)
	assert.Equal(t, 1.5, history[0].ScreenTimeHours)
	assert.Equal(t, 20.0, history[0].GoalHours)
	assert.Equal(t, "Red Cross", history[0].Charity)
	assert.Equal(t, mondayNineAtPlus11, history[0].ProcessedAt)

	_, live := e.goals.get("u1", "2026-02-16")
	assert.False(t, live)
	next, ok := e.goals.get("u1", "2026-02-23")
	require.True(t, ok)
	assert.Equal(t, "2026-03-01", next.WeekEnd)

	assert.Empty(t, e.charger.requests())
	assert.ElementsMatch(t, []notify.Kind{notify.KindGoalPassed, notify.KindGoalRenewed}, e.notifier.kinds())
}

func TestFailedGoalIsCharged(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(1))
	safari(e)
	e.card("u1")

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Charged: 1}, res)

	reqs := e.charger.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(1000), reqs[0].Amount)
	assert.Equal(t, "usd", reqs[0].Currency)
	assert.Equal(t, "cus_1", reqs[0].CustomerID)
	assert.Equal(t, "pm_1", reqs[0].PaymentMethodID)
	assert.Equal(t, "penalty-u1-2026-02-16", reqs[0].IdempotencyKey)
	assert.Equal(t, "1.5", reqs[0].Metadata["screenTimeHours"])

	_, live := e.goals.get("u1", "2026-02-16")
	assert.False(t, live)

	history := e.ledgers.history("id-1")
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusCharged, history[0].Status)
	assert.Equal(t, int64(1000), history[0].Amount)
	assert.Equal(t, "pi_123", history[0].PaymentIntentID)

	next, ok := e.goals.get("u1", "2026-02-23")
	require.True(t, ok)
	assert.Equal(t, "2026-02-16", next.RenewedFrom)
	assert.Equal(t, models.StatusActive, next.Status)

	assert.Contains(t, e.notifier.kinds(), notify.KindPenaltyCharged)
}

func TestDeclinedChargeStaysLive(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(1))
	safari(e)
	e.card("u1")
	e.charger.err = &payment.Error{Kind: payment.KindDeclined, Code: "card_declined", Reason: "Your card was declined."}

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Errors: 1}, res)

	g, ok := e.goals.get("u1", "2026-02-16")
	require.True(t, ok)
	assert.Equal(t, models.StatusChargeFailed, g.Status)
	assert.Equal(t, "Your card was declined.", g.FailureReason)
	require.NotNil(t, g.LastFailedAt)
	assert.Equal(t, mondayNineAtPlus11, *g.LastFailedAt)
	require.NotNil(t, g.ScreenTimeActual)
	assert.Equal(t, 1.5, *g.ScreenTimeActual)

	assert.Empty(t, e.ledgers.history("id-1"))
	assert.Equal(t, 1, e.goals.len())
	assert.Equal(t, []notify.Kind{notify.KindChargeFailed}, e.notifier.kinds())
}

func TestAuthenticationRequiredStaysLive(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(1))
	safari(e)
	e.card("u1")
	e.charger.err = &payment.Error{Kind: payment.KindAuthenticationRequired, Code: "authentication_required", PaymentIntentID: "pi_partial"}

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Errors: 1}, res)

	g, ok := e.goals.get("u1", "2026-02-16")
	require.True(t, ok)
	assert.Equal(t, models.StatusRequiresAuthentication, g.Status)
	assert.Equal(t, "pi_partial", g.PaymentIntentID)
	assert.Empty(t, e.ledgers.history("id-1"))
	assert.Equal(t, []notify.Kind{notify.KindAuthenticationRequired}, e.notifier.kinds())
}

func TestFailedGoalWithoutPaymentMethod(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(1))
	safari(e)

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Errors: 1}, res)

	assert.Empty(t, e.charger.requests())
	assert.Equal(t, 0, e.goals.len(), "archived and not renewed")
	history := e.ledgers.history("id-1")
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusFailedNoPayment, history[0].Status)
	assert.Empty(t, e.notifier.kinds(), "no email on file")
}

func TestWrongHourIsSkipped(t *testing.T) {
	// Monday 14:00 at +11.
	now := time.Date(2026, 2, 23, 3, 0, 0, 0, time.UTC)
	e := newEnv(t, now, weekGoal(1))
	safari(e)
	e.card("u1")

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)

	g, ok := e.goals.get("u1", "2026-02-16")
	require.True(t, ok)
	assert.Equal(t, models.StatusActive, g.Status)
	assert.Empty(t, e.charger.requests())
}

func TestGateConjunction(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		weekEnd string
		want    Result
	}{
		{"monday nine, week over", mondayNineAtPlus11, "2026-02-22", Result{Processed: 1, Passed: 1}},
		{"monday ten", mondayNineAtPlus11.Add(time.Hour), "2026-02-22", Result{Skipped: 1}},
		{"tuesday nine", mondayNineAtPlus11.Add(24 * time.Hour), "2026-02-22", Result{Skipped: 1}},
		{"week ends today", mondayNineAtPlus11, "2026-02-23", Result{Skipped: 1}},
		{"week ends in future", mondayNineAtPlus11, "2026-03-01", Result{Skipped: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := weekGoal(20)
			g.WeekEnd = tt.weekEnd
			e := newEnv(t, tt.now, g)
			safari(e)

			res, err := e.engine.SettleActive(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestUsageEqualToLimitPasses(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(1.5))
	safari(e)

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Empty(t, e.charger.requests())
}

func TestAggregationRangeIsInclusive(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(2))
	e.card("u1")
	e.usage("id-1", 11, map[string][]models.Entry{
		"2026-02-15": {{App: "X", Minutes: 600}},
		"2026-02-16": {{App: "X", Minutes: 60}},
		"2026-02-22": {{App: "X", Minutes: 60}},
		"2026-02-23": {{App: "X", Minutes: 600}},
	})

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 2.0, e.ledgers.history("id-1")[0].ScreenTimeHours)
}

func TestExcludedAppsDoNotCount(t *testing.T) {
	g := weekGoal(1)
	g.ExcludedApps = []string{"Safari"}
	e := newEnv(t, mondayNineAtPlus11, g)
	safari(e)
	e.card("u1")

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 0.0, e.ledgers.history("id-1")[0].ScreenTimeHours)
}

func TestMissingLedgerPasses(t *testing.T) {
	// Without a ledger the offset is 0, so evaluate at 09:00 UTC on Monday.
	now := time.Date(2026, 2, 23, 9, 30, 0, 0, time.UTC)
	e := newEnv(t, now, weekGoal(1))

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Passed: 1}, res)
	require.Len(t, e.ledgers.history("id-1"), 1)
}

func TestMissingIdentityIsAnError(t *testing.T) {
	now := time.Date(2026, 2, 23, 9, 30, 0, 0, time.UTC)
	g := weekGoal(1)
	g.IdentityID = ""
	e := newEnv(t, now, g)

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Errors: 1}, res)

	stored, ok := e.goals.get("u1", "2026-02-16")
	require.True(t, ok)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestCorruptLedgerCountsAsEmptyButIsNotOverwritten(t *testing.T) {
	now := time.Date(2026, 2, 23, 9, 30, 0, 0, time.UTC)
	e := newEnv(t, now, weekGoal(1))
	e.ledgers.corrupt["id-1"] = true

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Passed: 1, Errors: 1}, res)

	stored, ok := e.goals.get("u1", "2026-02-16")
	require.True(t, ok, "kept live until history can be written")
	assert.Equal(t, models.StatusPassed, stored.Status)
	assert.Nil(t, e.ledgers.ledgers["id-1"])
}

func TestOneBadGoalDoesNotStopTheSweep(t *testing.T) {
	bad := weekGoal(20)
	bad.UserID = "u0"
	bad.IdentityID = "id-0"
	e := newEnv(t, mondayNineAtPlus11, bad, weekGoal(20))
	safari(e)
	e.ledgers.getErr["id-0"] = errUnavailable

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Errors)
}

func TestLedgerOutageOutsideEvaluationHourIsSkipped(t *testing.T) {
	tuesday := time.Date(2026, 2, 24, 3, 0, 0, 0, time.UTC)
	e := newEnv(t, tuesday, weekGoal(20))
	e.ledgers.getErr["id-1"] = errUnavailable

	report, err := e.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, report.Settlement)
	assert.Zero(t, report.Errors())
	assert.Empty(t, e.notifier.alerts)

	_, live := e.goals.get("u1", "2026-02-16")
	assert.True(t, live)
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(1))
	safari(e)
	e.card("u1")
	e.notifier.err = errUnavailable

	res, err := e.engine.SettleActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Charged: 1}, res)
}

func TestScanFailureIsReturned(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11)
	e.goals.scanErr = errUnavailable

	_, err := e.engine.Run(context.Background())
	require.ErrorIs(t, err, errUnavailable)
	assert.Len(t, e.notifier.alerts, 1)
}

func TestRunAlertsOnErrors(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(1))
	safari(e)

	report, err := e.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors())
	require.Len(t, e.notifier.alerts, 1)
	assert.Contains(t, e.notifier.alerts[0], "errors: 1")
}

func TestRunWithoutErrorsDoesNotAlert(t *testing.T) {
	e := newEnv(t, mondayNineAtPlus11, weekGoal(20))
	safari(e)

	report, err := e.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settlement.Passed)
	assert.Empty(t, e.notifier.alerts)
}

func TestOutcomeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("test", reg)
	require.NoError(t, err)

	again, err := NewMetrics("test", reg)
	require.NoError(t, err)

	m.outcome("passed")
	again.outcome("passed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.goals.WithLabelValues("passed")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.outcome("passed") })
}

func TestKeysAreDeterministic(t *testing.T) {
	assert.Equal(t, PenaltyKey("u1", "2026-02-16"), PenaltyKey("u1", "2026-02-16"))
	assert.Equal(t, "penalty-u1-2026-02-16", PenaltyKey("u1", "2026-02-16"))
	assert.Equal(t, "retry-u1-2026-02-16-2", RetryKey("u1", "2026-02-16", 2))
	assert.NotEqual(t, RetryKey("u1", "2026-02-16", 1), RetryKey("u1", "2026-02-16", 2))
}
