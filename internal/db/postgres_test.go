package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pashagolub/pgxmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fscreentime/internal/models"
)

func newMockStore(t *testing.T) (*PostgresDB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &PostgresDB{pool: mock}, mock
}

var goalColumnNames = []string{
	"user_id", "week_start", "week_end", "daily_limit", "weekly_limit", "num_days",
	"charity", "charity_id", "amount", "identity_id", "auto_renew", "excluded_apps", "status",
	"payment_intent_id", "charged_at", "screen_time_actual", "failure_reason", "last_failed_at",
	"retry_count", "renewed_from", "settled_at", "created_at", "updated_at",
}

func goalRow(userID, weekStart, status string, created time.Time) []interface{} {
	return []interface{}{
		userID, weekStart, "2026-02-22", 3.0, 20.0, 7,
		"Red Cross", "", int64(1000), "id-" + userID, nil, []string{}, status,
		"", nil, nil, "", nil,
		0, "", nil, created, created,
	}
}

func TestPostgresInsertGoalConflict(t *testing.T) {
	store, mock := newMockStore(t)
	g := &models.Goal{UserID: "u1", WeekStart: "2026-02-23", WeekEnd: "2026-03-01", Status: models.StatusActive}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (user_id, week_start) DO NOTHING")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	err := store.InsertGoal(context.Background(), g)
	assert.ErrorIs(t, err, ErrConflict)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (user_id, week_start) DO NOTHING")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	assert.NoError(t, store.InsertGoal(context.Background(), g))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertGoalError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectExec("INSERT INTO goals").WillReturnError(boom)
	err := store.InsertGoal(context.Background(), &models.Goal{UserID: "u1", WeekStart: "2026-02-23"})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScanActiveIncludesUnsetStatus(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(goalColumnNames).
		AddRow(goalRow("u1", "2026-02-16", "active", created)...).
		AddRow(goalRow("u2", "2026-02-16", "", created)...)
	mock.ExpectQuery(regexp.QuoteMeta("FROM goals WHERE status = '' OR status = $1 ORDER BY user_id, week_start")).
		WithArgs("active").
		WillReturnRows(rows)

	goals, err := store.ScanActive(context.Background())
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, models.StatusActive, goals[0].CurrentStatus())
	assert.Equal(t, models.Status(""), goals[1].Status)
	assert.Equal(t, models.StatusActive, goals[1].CurrentStatus())
	assert.Equal(t, "id-u2", goals[1].IdentityID)
	assert.Equal(t, 20.0, goals[1].GoalHours())
	assert.Nil(t, goals[0].ExcludedApps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScanByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM goals WHERE status = $1 ORDER BY")).
		WithArgs("charge_failed").
		WillReturnRows(pgxmock.NewRows(goalColumnNames))

	goals, err := store.ScanByStatus(context.Background(), models.StatusChargeFailed)
	require.NoError(t, err)
	assert.Empty(t, goals)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetGoalNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM goals WHERE user_id").
		WithArgs("u1", "2026-02-16").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetGoal(context.Background(), "u1", "2026-02-16")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveCustomerLeavesSetupIncomplete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, FALSE)")).
		WithArgs("u1", "cus_1", "u1@example.com").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveCustomer(context.Background(), "u1", "cus_1", "u1@example.com"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
