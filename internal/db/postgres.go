package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"fscreentime/internal/models"
)

// pgxPool is the part of *pgxpool.Pool the store uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

type PostgresDB struct {
	pool pgxPool
}

func NewPostgresDB(cfg struct {
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}) (*PostgresDB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB connection string: %w", err)
	}

	// Set connection pool parameters
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnLifetime
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// EnsureSchema creates the goals and payment_profiles tables when missing.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS goals (
			user_id            TEXT NOT NULL,
			week_start         TEXT NOT NULL,
			week_end           TEXT NOT NULL,
			daily_limit        DOUBLE PRECISION NOT NULL DEFAULT 0,
			weekly_limit       DOUBLE PRECISION NOT NULL DEFAULT 0,
			num_days           INTEGER NOT NULL DEFAULT 0,
			charity            TEXT NOT NULL DEFAULT '',
			charity_id         TEXT NOT NULL DEFAULT '',
			amount             BIGINT NOT NULL DEFAULT 0,
			identity_id        TEXT NOT NULL DEFAULT '',
			auto_renew         BOOLEAN,
			excluded_apps      TEXT[] NOT NULL DEFAULT '{}',
			status             TEXT NOT NULL DEFAULT 'active',
			payment_intent_id  TEXT NOT NULL DEFAULT '',
			charged_at         TIMESTAMPTZ,
			screen_time_actual DOUBLE PRECISION,
			failure_reason     TEXT NOT NULL DEFAULT '',
			last_failed_at     TIMESTAMPTZ,
			retry_count        INTEGER NOT NULL DEFAULT 0,
			renewed_from       TEXT NOT NULL DEFAULT '',
			settled_at         TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, week_start),
			CHECK (week_end >= week_start)
		)`,
		`CREATE INDEX IF NOT EXISTS goals_status_idx ON goals (status)`,
		`CREATE TABLE IF NOT EXISTS payment_profiles (
			user_id                  TEXT PRIMARY KEY,
			stripe_customer_id       TEXT NOT NULL DEFAULT '',
			stripe_payment_method_id TEXT NOT NULL DEFAULT '',
			setup_complete           BOOLEAN NOT NULL DEFAULT FALSE,
			email                    TEXT NOT NULL DEFAULT '',
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := db.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

const goalColumns = `user_id, week_start, week_end, daily_limit, weekly_limit, num_days,
	charity, charity_id, amount, identity_id, auto_renew, excluded_apps, status,
	payment_intent_id, charged_at, screen_time_actual, failure_reason, last_failed_at,
	retry_count, renewed_from, settled_at, created_at, updated_at`

func goalArgs(g *models.Goal) []interface{} {
	excluded := g.ExcludedApps
	if excluded == nil {
		excluded = []string{}
	}
	return []interface{}{
		g.UserID, g.WeekStart, g.WeekEnd, g.DailyLimit, g.WeeklyLimit, g.NumDays,
		g.Charity, g.CharityID, g.Amount, g.IdentityID, g.AutoRenew, excluded, string(g.CurrentStatus()),
		g.PaymentIntentID, g.ChargedAt, g.ScreenTimeActual, g.FailureReason, g.LastFailedAt,
		g.RetryCount, g.RenewedFrom, g.SettledAt, g.CreatedAt, g.UpdatedAt,
	}
}

func scanGoal(row pgx.Row) (*models.Goal, error) {
	var (
		g      models.Goal
		status string
	)
	err := row.Scan(
		&g.UserID, &g.WeekStart, &g.WeekEnd, &g.DailyLimit, &g.WeeklyLimit, &g.NumDays,
		&g.Charity, &g.CharityID, &g.Amount, &g.IdentityID, &g.AutoRenew, &g.ExcludedApps, &status,
		&g.PaymentIntentID, &g.ChargedAt, &g.ScreenTimeActual, &g.FailureReason, &g.LastFailedAt,
		&g.RetryCount, &g.RenewedFrom, &g.SettledAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.Status = models.Status(status)
	if len(g.ExcludedApps) == 0 {
		g.ExcludedApps = nil
	}
	return &g, nil
}

func (db *PostgresDB) GetGoal(ctx context.Context, userID, weekStart string) (*models.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE user_id = $1 AND week_start = $2`

	g, err := scanGoal(db.pool.QueryRow(ctx, query, userID, weekStart))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return g, nil
}

// PutGoal writes the full record, replacing any existing row for the key.
func (db *PostgresDB) PutGoal(ctx context.Context, g *models.Goal) error {
	query := `
        INSERT INTO goals (` + goalColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
        ON CONFLICT (user_id, week_start) DO UPDATE SET
            week_end = EXCLUDED.week_end, daily_limit = EXCLUDED.daily_limit,
            weekly_limit = EXCLUDED.weekly_limit, num_days = EXCLUDED.num_days,
            charity = EXCLUDED.charity, charity_id = EXCLUDED.charity_id, amount = EXCLUDED.amount,
            identity_id = EXCLUDED.identity_id, auto_renew = EXCLUDED.auto_renew,
            excluded_apps = EXCLUDED.excluded_apps, status = EXCLUDED.status,
            payment_intent_id = EXCLUDED.payment_intent_id, charged_at = EXCLUDED.charged_at,
            screen_time_actual = EXCLUDED.screen_time_actual, failure_reason = EXCLUDED.failure_reason,
            last_failed_at = EXCLUDED.last_failed_at, retry_count = EXCLUDED.retry_count,
            renewed_from = EXCLUDED.renewed_from, settled_at = EXCLUDED.settled_at,
            updated_at = EXCLUDED.updated_at
    `

	if _, err := db.pool.Exec(ctx, query, goalArgs(g)...); err != nil {
		return fmt.Errorf("failed to put goal: %w", err)
	}
	return nil
}

// InsertGoal writes g only if no row exists for (user_id, week_start).
func (db *PostgresDB) InsertGoal(ctx context.Context, g *models.Goal) error {
	query := `
        INSERT INTO goals (` + goalColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
        ON CONFLICT (user_id, week_start) DO NOTHING
    `

	tag, err := db.pool.Exec(ctx, query, goalArgs(g)...)
	if err != nil {
		return fmt.Errorf("failed to insert goal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (db *PostgresDB) DeleteGoal(ctx context.Context, userID, weekStart string) error {
	query := `DELETE FROM goals WHERE user_id = $1 AND week_start = $2`

	if _, err := db.pool.Exec(ctx, query, userID, weekStart); err != nil {
		return fmt.Errorf("failed to delete goal: %w", err)
	}
	return nil
}

// ScanActive returns goals whose status is active or unset.
func (db *PostgresDB) ScanActive(ctx context.Context) ([]*models.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE status = '' OR status = $1 ORDER BY user_id, week_start`
	return db.queryGoals(ctx, query, string(models.StatusActive))
}

func (db *PostgresDB) ScanByStatus(ctx context.Context, status models.Status) ([]*models.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE status = $1 ORDER BY user_id, week_start`
	return db.queryGoals(ctx, query, string(status))
}

func (db *PostgresDB) queryGoals(ctx context.Context, query string, args ...interface{}) ([]*models.Goal, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer rows.Close()

	var goals []*models.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read goals: %w", err)
	}
	return goals, nil
}

func (db *PostgresDB) GetProfile(ctx context.Context, userID string) (*models.PaymentProfile, error) {
	query := `
        SELECT user_id, stripe_customer_id, stripe_payment_method_id, setup_complete, email, created_at, updated_at
        FROM payment_profiles
        WHERE user_id = $1
    `

	var p models.PaymentProfile
	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.StripeCustomerID, &p.StripePaymentMethodID, &p.SetupComplete,
		&p.Email, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment profile: %w", err)
	}
	return &p, nil
}

// SaveCustomer records the Stripe customer created for card setup. Setup
// stays incomplete until SavePaymentMethod runs.
func (db *PostgresDB) SaveCustomer(ctx context.Context, userID, customerID, email string) error {
	query := `
        INSERT INTO payment_profiles (user_id, stripe_customer_id, email, setup_complete)
        VALUES ($1, $2, $3, FALSE)
        ON CONFLICT (user_id) DO UPDATE
        SET stripe_customer_id = $2,
            email = CASE WHEN $3 = '' THEN payment_profiles.email ELSE $3 END,
            setup_complete = FALSE,
            updated_at = NOW()
    `

	if _, err := db.pool.Exec(ctx, query, userID, customerID, email); err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

// SavePaymentMethod records a confirmed off-session payment method and marks setup complete.
func (db *PostgresDB) SavePaymentMethod(ctx context.Context, userID, customerID, paymentMethodID string) error {
	query := `
        INSERT INTO payment_profiles (user_id, stripe_customer_id, stripe_payment_method_id, setup_complete)
        VALUES ($1, $2, $3, TRUE)
        ON CONFLICT (user_id) DO UPDATE
        SET stripe_payment_method_id = $3,
            stripe_customer_id = CASE WHEN $2 = '' THEN payment_profiles.stripe_customer_id ELSE $2 END,
            setup_complete = TRUE,
            updated_at = NOW()
    `

	if _, err := db.pool.Exec(ctx, query, userID, customerID, paymentMethodID); err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	return nil
}
