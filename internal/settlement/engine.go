// Package settlement evaluates finished challenge weeks against recorded
// screen time and applies the outcome: pass, penalty charge, retry or
// abandonment, followed by archival and renewal.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fscreentime/internal/db"
	"fscreentime/internal/models"
	"fscreentime/internal/notify"
	"fscreentime/internal/schedule"
	"fscreentime/internal/usage"
	"fscreentime/pkg/logger"
)

// MaxOffsetHours and MinOffsetHours bound the whole-hour UTC offsets in use.
const (
	MaxOffsetHours = 14
	MinOffsetHours = -12
)

type Options struct {
	DefaultAmount int64
	Currency      string
	EvalHour      int
	MaxRetries    int
	AbandonAfter  time.Duration
	Workers       int
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultAmount <= 0 {
		o.DefaultAmount = 1000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.AbandonAfter <= 0 {
		o.AbandonAfter = 72 * time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps are the collaborators of an Engine. Notifier, Alerter and Metrics may be nil.
type Deps struct {
	Goals    GoalStore
	Ledgers  LedgerStore
	Profiles ProfileStore
	Charger  Charger
	Notifier notify.Sender
	Alerter  notify.Alerter
	Metrics  *Metrics
}

type Engine struct {
	goals    GoalStore
	ledgers  LedgerStore
	profiles ProfileStore
	charger  Charger
	notifier notify.Sender
	alerter  notify.Alerter
	metrics  *Metrics

	opts     Options
	resolver schedule.Resolver
	logger   *logger.Logger

	// ledgerLocks serialises goalHistory appends per identity.
	ledgerLocks sync.Map
}

func New(deps Deps, opts Options, log *logger.Logger) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		goals:    deps.Goals,
		ledgers:  deps.Ledgers,
		profiles: deps.Profiles,
		charger:  deps.Charger,
		notifier: deps.Notifier,
		alerter:  deps.Alerter,
		metrics:  deps.Metrics,
		opts:     opts,
		resolver: schedule.NewResolver(opts.EvalHour),
		logger:   logger.OrNop(log),
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.alerter == nil {
		e.alerter = notify.Nop{}
	}
	return e
}

// Run is one scheduled invocation: the settlement sweep, then the retry sweep.
// It only returns an error when a scan itself fails.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { e.metrics.run(time.Since(start)) }()

	var report Report
	res, err := e.SettleActive(ctx)
	report.Settlement = res
	if err != nil {
		e.alert(ctx, "settlement sweep failed", err.Error())
		return report, err
	}

	retry, err := e.RetryFailed(ctx)
	report.Retry = retry
	if err != nil {
		e.alert(ctx, "retry sweep failed", err.Error())
		return report, err
	}

	e.logger.Infow("Settlement run finished",
		"processed", res.Processed,
		"passed", res.Passed,
		"charged", res.Charged,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"retry_charged", retry.Charged,
		"retry_failed", retry.Failed,
		"retry_abandoned", retry.Abandoned,
		"duration", time.Since(start))

	if n := report.Errors(); n > 0 {
		e.alert(ctx, "settlement run had errors",
			fmt.Sprintf("errors: %d (settlement %d, retry %d), processed: %d, charged: %d",
				n, res.Errors, retry.Errors, res.Processed, res.Charged+retry.Charged))
	}
	return report, nil
}

// SettleActive evaluates every active goal that is due at the current hour.
func (e *Engine) SettleActive(ctx context.Context) (Result, error) {
	goals, err := e.goals.ScanActive(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to scan active goals: %w", err)
	}

	now := e.opts.Now()
	t := &tally{}

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, goal := range goals {
		g.Go(func() error {
			e.guard(goal, t.errored, func() { e.settleGoal(ctx, now, goal, t) })
			return nil
		})
	}
	_ = g.Wait()

	return t.result(), nil
}

// guard keeps a panic in one goal from taking down the sweep.
func (e *Engine) guard(goal *models.Goal, onPanic func(), fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Panic while settling goal",
				"user_id", goal.UserID, "week_start", goal.WeekStart, "panic", r)
			onPanic()
		}
	}()
	fn()
}

func (e *Engine) settleGoal(ctx context.Context, now time.Time, goal *models.Goal, t *tally) {
	log := e.logger.With("user_id", goal.UserID, "week_start", goal.WeekStart)

	// No offset can make a week that ends on or after the easternmost local
	// date finished, so skip without touching the ledger.
	if goal.WeekEnd >= schedule.LocalToday(now, MaxOffsetHours) {
		t.skipped()
		e.metrics.outcome("skipped")
		return
	}

	var (
		ledger *models.Ledger
		offset int
	)
	if goal.IdentityID != "" {
		l, err := e.loadLedger(ctx, goal.IdentityID)
		if err != nil {
			// The offset is unknown, so this only counts as an error in an
			// hour where some offset could make the goal due.
			if !e.dueUnderAnyOffset(now, goal.WeekEnd) {
				log.Warnw("Usage ledger unavailable, goal not due this hour", "error", err)
				t.skipped()
				e.metrics.outcome("ledger_unavailable")
				return
			}
			log.Errorw("Failed to load usage ledger", "error", err)
			t.errored()
			e.metrics.outcome("error")
			return
		}
		ledger = l
		if l != nil {
			offset = l.TZOffsetHours.Hours()
		}
	}

	if !e.resolver.Due(now, offset, goal.WeekEnd) {
		t.skipped()
		e.metrics.outcome("skipped")
		return
	}
	t.processed()

	if goal.IdentityID == "" {
		log.Errorw("Goal has no identity id, cannot read usage")
		t.errored()
		e.metrics.outcome("missing_identity")
		return
	}

	goalHours := goal.GoalHours()
	minutes := usage.TotalMinutes(ledger, goal.WeekStart, goal.WeekEnd, goal.Excluded())
	screenHours := usage.Hours(minutes)
	log = log.With("screen_time_hours", screenHours, "goal_hours", goalHours)

	if screenHours > goalHours {
		e.settleFailed(ctx, now, goal, screenHours, t, log)
		return
	}
	e.settlePassed(ctx, now, goal, screenHours, t, log)
}

func (e *Engine) dueUnderAnyOffset(now time.Time, weekEnd string) bool {
	for offset := MinOffsetHours; offset <= MaxOffsetHours; offset++ {
		if e.resolver.Due(now, offset, weekEnd) {
			return true
		}
	}
	return false
}

// loadLedger treats a missing or corrupt ledger as empty.
func (e *Engine) loadLedger(ctx context.Context, identityID string) (*models.Ledger, error) {
	l, found, err := e.ledgers.GetLedger(ctx, identityID)
	switch {
	case errors.Is(err, db.ErrCorruptLedger):
		e.logger.Warnw("Usage ledger is corrupt, treating as empty", "identity_id", identityID, "error", err)
		return models.NewLedger(), nil
	case err != nil:
		return nil, err
	case !found:
		return models.NewLedger(), nil
	}
	return l, nil
}

func (e *Engine) settlePassed(ctx context.Context, now time.Time, goal *models.Goal, screenHours float64, t *tally, log *logger.Logger) {
	settled := *goal
	settled.Status = models.StatusPassed
	settled.ScreenTimeActual = &screenHours
	settled.SettledAt = &now
	settled.UpdatedAt = now

	if err := e.goals.PutGoal(ctx, &settled); err != nil {
		log.Errorw("Failed to persist passed goal", "error", err)
		t.errored()
		e.metrics.outcome("error")
		return
	}
	t.passed()
	e.metrics.outcome(string(models.StatusPassed))
	log.Infow("Goal passed")

	email := e.lookupEmail(ctx, goal.UserID, log)
	if !e.complete(ctx, now, &settled, screenHours, log) {
		t.errored()
	}
	e.renew(ctx, now, &settled, email, log)
	e.notify(ctx, email, notify.KindGoalPassed, paramsFor(&settled, screenHours, 0), log)
}

func (e *Engine) settleFailed(ctx context.Context, now time.Time, goal *models.Goal, screenHours float64, t *tally, log *logger.Logger) {
	profile, err := e.profiles.GetProfile(ctx, goal.UserID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Errorw("Failed to load payment profile", "error", err)
		t.errored()
		e.metrics.outcome("error")
		return
	}
	email := profile.EmailAddress()
	amount := goal.ChargeAmount(e.opts.DefaultAmount)

	settled := *goal
	settled.ScreenTimeActual = &screenHours
	settled.UpdatedAt = now

	if !profile.CanCharge() {
		settled.Status = models.StatusFailedNoPayment
		settled.SettledAt = &now
		t.errored()
		e.metrics.outcome(string(models.StatusFailedNoPayment))
		if err := e.goals.PutGoal(ctx, &settled); err != nil {
			log.Errorw("Failed to persist goal without payment method", "error", err)
			return
		}
		log.Warnw("Goal failed but no payment method is on file")
		e.complete(ctx, now, &settled, screenHours, log)
		e.notify(ctx, email, notify.KindNoPaymentMethod, paramsFor(&settled, screenHours, amount), log)
		return
	}

	chargeRef, perr := e.charge(ctx, &settled, profile, amount, PenaltyKey(goal.UserID, goal.WeekStart), screenHours)
	if perr == nil {
		settled.Status = models.StatusCharged
		settled.Amount = amount
		settled.PaymentIntentID = chargeRef
		settled.ChargedAt = &now
		settled.SettledAt = &now
		if err := e.goals.PutGoal(ctx, &settled); err != nil {
			// The charge went through. The next sweep reuses the same key and
			// the provider returns the existing intent.
			log.Errorw("Charged but failed to persist goal", "payment_intent_id", chargeRef, "error", err)
			t.errored()
			e.metrics.outcome("error")
			return
		}
		t.charged()
		e.metrics.outcome(string(models.StatusCharged))
		log.Infow("Penalty charged", "amount", amount, "payment_intent_id", chargeRef)

		if !e.complete(ctx, now, &settled, screenHours, log) {
			t.errored()
		}
		e.renew(ctx, now, &settled, email, log)
		e.notify(ctx, email, notify.KindPenaltyCharged, paramsFor(&settled, screenHours, amount), log)
		return
	}

	t.errored()
	kind := e.recordChargeFailure(&settled, now, perr)
	e.metrics.outcome(string(settled.Status))
	if err := e.goals.PutGoal(ctx, &settled); err != nil {
		log.Errorw("Failed to persist charge failure", "charge_error", perr, "error", err)
		return
	}
	log.Warnw("Penalty charge failed", "status", settled.Status, "error", perr)

	params := paramsFor(&settled, screenHours, amount)
	params.Reason = settled.FailureReason
	e.notify(ctx, email, kind, params, log)
}

// lookupEmail is best effort: passed goals do not need a payment profile.
func (e *Engine) lookupEmail(ctx context.Context, userID string, log *logger.Logger) string {
	p, err := e.profiles.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Warnw("Failed to load profile for email", "error", err)
		}
		return ""
	}
	return p.EmailAddress()
}

// complete archives a settled goal into the ledger history and removes it
// from the live store. The goal stays live if archival fails, so no record
// is lost.
func (e *Engine) complete(ctx context.Context, now time.Time, goal *models.Goal, screenHours float64, log *logger.Logger) bool {
	if goal.IdentityID == "" {
		log.Warnw("Goal has no identity id, history entry skipped")
	} else if err := e.archive(ctx, now, goal, screenHours); err != nil {
		log.Errorw("Failed to append goal history", "error", err)
		return false
	}

	if err := e.goals.DeleteGoal(ctx, goal.UserID, goal.WeekStart); err != nil {
		log.Errorw("Failed to remove settled goal", "error", err)
		return false
	}
	return true
}

func (e *Engine) archive(ctx context.Context, now time.Time, goal *models.Goal, screenHours float64) error {
	mu, _ := e.ledgerLocks.LoadOrStore(goal.IdentityID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	// Re-read so ingestion that happened during settlement is kept. A corrupt
	// payload is not overwritten.
	l, found, err := e.ledgers.GetLedger(ctx, goal.IdentityID)
	if err != nil {
		return err
	}
	if !found {
		l = models.NewLedger()
	}

	entry := models.HistoryEntry{
		WeekStart:       goal.WeekStart,
		WeekEnd:         goal.WeekEnd,
		GoalHours:       goal.GoalHours(),
		ScreenTimeHours: screenHours,
		DailyLimit:      goal.DailyLimit,
		Charity:         goal.Charity,
		Status:          goal.Status,
		FailureReason:   goal.FailureReason,
		ProcessedAt:     now,
	}
	if goal.Status == models.StatusCharged {
		entry.Amount = goal.Amount
		entry.PaymentIntentID = goal.PaymentIntentID
	}
	l.GoalHistory = append(l.GoalHistory, entry)

	return e.ledgers.PutLedger(ctx, goal.IdentityID, l)
}

func (e *Engine) notify(ctx context.Context, email string, kind notify.Kind, params notify.Params, log *logger.Logger) {
	if email == "" {
		return
	}
	if err := e.notifier.Send(ctx, email, kind, params); err != nil {
		log.Warnw("Failed to send notification", "kind", kind, "error", err)
	}
}

func (e *Engine) alert(ctx context.Context, subject, message string) {
	if err := e.alerter.Alert(ctx, subject, message); err != nil {
		e.logger.Warnw("Failed to send operator alert", "error", err)
	}
}

func paramsFor(goal *models.Goal, screenHours float64, amount int64) notify.Params {
	return notify.Params{
		WeekStart:       goal.WeekStart,
		WeekEnd:         goal.WeekEnd,
		ScreenTimeHours: screenHours,
		GoalHours:       goal.GoalHours(),
		Amount:          amount,
		Charity:         goal.Charity,
	}
}
