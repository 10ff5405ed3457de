package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fscreentime/internal/db"
	"fscreentime/internal/models"
	"fscreentime/internal/notify"
	"fscreentime/internal/payment"
)

type fakeGoals struct {
	mu      sync.Mutex
	goals   map[string]models.Goal
	putErr  error
	scanErr error
}

func newFakeGoals(goals ...*models.Goal) *fakeGoals {
	f := &fakeGoals{goals: map[string]models.Goal{}}
	for _, g := range goals {
		f.goals[goalID(g.UserID, g.WeekStart)] = *g
	}
	return f
}

func goalID(userID, weekStart string) string { return userID + "|" + weekStart }

func (f *fakeGoals) GetGoal(_ context.Context, userID, weekStart string) (*models.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID(userID, weekStart)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &g, nil
}

func (f *fakeGoals) PutGoal(_ context.Context, g *models.Goal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.goals[goalID(g.UserID, g.WeekStart)] = *g
	return nil
}

func (f *fakeGoals) InsertGoal(_ context.Context, g *models.Goal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := goalID(g.UserID, g.WeekStart)
	if _, ok := f.goals[id]; ok {
		return db.ErrConflict
	}
	f.goals[id] = *g
	return nil
}

func (f *fakeGoals) DeleteGoal(_ context.Context, userID, weekStart string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.goals, goalID(userID, weekStart))
	return nil
}

func (f *fakeGoals) ScanActive(ctx context.Context) ([]*models.Goal, error) {
	return f.ScanByStatus(ctx, models.StatusActive)
}

func (f *fakeGoals) ScanByStatus(_ context.Context, status models.Status) ([]*models.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var ids []string
	for id, g := range f.goals {
		if g.CurrentStatus() == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*models.Goal, 0, len(ids))
	for _, id := range ids {
		g := f.goals[id]
		out = append(out, &g)
	}
	return out, nil
}

func (f *fakeGoals) get(userID, weekStart string) (models.Goal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID(userID, weekStart)]
	return g, ok
}

func (f *fakeGoals) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.goals)
}

type fakeLedgers struct {
	mu      sync.Mutex
	ledgers map[string]*models.Ledger
	corrupt map[string]bool
	getErr  map[string]error
}

func newFakeLedgers() *fakeLedgers {
	return &fakeLedgers{
		ledgers: map[string]*models.Ledger{},
		corrupt: map[string]bool{},
		getErr:  map[string]error{},
	}
}

func (f *fakeLedgers) GetLedger(_ context.Context, identityID string) (*models.Ledger, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[identityID]; err != nil {
		return nil, false, err
	}
	if f.corrupt[identityID] {
		return nil, true, fmt.Errorf("%w: unexpected end of JSON input", db.ErrCorruptLedger)
	}
	l, ok := f.ledgers[identityID]
	if !ok {
		return nil, false, nil
	}
	c := *l
	c.GoalHistory = append([]models.HistoryEntry(nil), l.GoalHistory...)
	return &c, true, nil
}

func (f *fakeLedgers) PutLedger(_ context.Context, identityID string, l *models.Ledger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgers[identityID] = l
	return nil
}

func (f *fakeLedgers) history(identityID string) []models.HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.ledgers[identityID]; ok {
		return l.GoalHistory
	}
	return nil
}

type fakeProfiles struct {
	profiles map[string]*models.PaymentProfile
	err      error
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*models.PaymentProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return p, nil
}

type fakeCharger struct {
	mu   sync.Mutex
	reqs []payment.ChargeRequest
	ref  string
	err  error
}

func (f *fakeCharger) Charge(_ context.Context, req payment.ChargeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

func (f *fakeCharger) requests() []payment.ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.ChargeRequest(nil), f.reqs...)
}

type sentMessage struct {
	email  string
	kind   notify.Kind
	params notify.Params
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []sentMessage
	alerts []string
	err    error
}

func (f *fakeNotifier) Send(_ context.Context, email string, kind notify.Kind, params notify.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{email: email, kind: kind, params: params})
	return f.err
}

func (f *fakeNotifier) Alert(_ context.Context, subject, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, subject+": "+message)
	return f.err
}

func (f *fakeNotifier) kinds() []notify.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Kind
	for _, m := range f.sent {
		out = append(out, m.kind)
	}
	return out
}

var errUnavailable = errors.New("service unavailable")
