package settlement

import (
	"context"

	"fscreentime/internal/models"
	"fscreentime/internal/payment"
)

// GoalStore is the live goal table. InsertGoal returns db.ErrConflict when the
// key is taken; GetGoal returns db.ErrNotFound.
type GoalStore interface {
	GetGoal(ctx context.Context, userID, weekStart string) (*models.Goal, error)
	PutGoal(ctx context.Context, g *models.Goal) error
	InsertGoal(ctx context.Context, g *models.Goal) error
	DeleteGoal(ctx context.Context, userID, weekStart string) error
	ScanActive(ctx context.Context) ([]*models.Goal, error)
	ScanByStatus(ctx context.Context, status models.Status) ([]*models.Goal, error)
}

// LedgerStore reports a missing ledger as found == false, never as an error.
// A payload that cannot be decoded is reported with db.ErrCorruptLedger.
type LedgerStore interface {
	GetLedger(ctx context.Context, identityID string) (l *models.Ledger, found bool, err error)
	PutLedger(ctx context.Context, identityID string, l *models.Ledger) error
}

// ProfileStore returns db.ErrNotFound for users who never started payment setup.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.PaymentProfile, error)
}

// Charger performs one idempotent charge. Failures are *payment.Error.
type Charger interface {
	Charge(ctx context.Context, req payment.ChargeRequest) (string, error)
}
