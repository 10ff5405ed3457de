// Package app builds the settlement engine and HTTP server from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"

	"fscreentime/internal/config"
	"fscreentime/internal/db"
	"fscreentime/internal/notify"
	"fscreentime/internal/payment"
	"fscreentime/internal/server"
	"fscreentime/internal/settlement"
	"fscreentime/pkg/logger"
)

// PushJob is the Pushgateway job name used by one-shot runs.
const PushJob = "fscreentime_settle"

// Stores is the goal and payment profile backend, Postgres or DynamoDB.
type Stores interface {
	settlement.GoalStore
	settlement.ProfileStore
	server.PaymentStore
}

type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Engine   *settlement.Engine
	Stores   Stores
	Ledgers  *db.LedgerStore
	Stripe   *payment.StripeClient
	Notifier notify.Sender

	closers []func()
}

func NewLogger(cfg *config.Config) *logger.Logger {
	if cfg.Log.Development {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.Log.Level)
}

func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	log = logger.OrNop(log)
	a := &App{Config: cfg, Logger: log}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	switch cfg.Storage.Backend {
	case config.BackendDynamo:
		a.Stores = db.NewDynamoDB(dynamodb.NewFromConfig(awsCfg), cfg.Dynamo.GoalsTable, cfg.Dynamo.PaymentsTable)
	default:
		database, err := connectPostgres(cfg, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		if err := database.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.Stores = database
	}

	a.Ledgers = db.NewLedgerStore(s3.NewFromConfig(awsCfg), cfg.Ledger.Bucket, cfg.Ledger.KeyTemplate)

	sesClient := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Email.Region != "" {
			o.Region = cfg.Email.Region
		}
	})
	a.Notifier = notify.NewSESSender(sesClient, cfg.Email.FromAddress, cfg.Email.AppURL)

	var alerter notify.Alerter = notify.Nop{}
	if cfg.Alerts.TelegramToken != "" {
		tg, err := notify.NewTelegramAlerter(cfg.Alerts.TelegramToken, cfg.Alerts.ChatID)
		if err != nil {
			log.Warnw("Telegram alerts disabled", "error", err)
		} else {
			alerter = tg
		}
	}

	a.Stripe = payment.NewStripeClient(cfg.Stripe)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := settlement.NewMetrics(cfg.Metrics.Namespace, a.Registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Engine = settlement.New(settlement.Deps{
		Goals:    a.Stores,
		Ledgers:  a.Ledgers,
		Profiles: a.Stores,
		Charger:  a.Stripe,
		Notifier: a.Notifier,
		Alerter:  alerter,
		Metrics:  metrics,
	}, settlement.Options{
		DefaultAmount: cfg.Settlement.DefaultAmount,
		Currency:      cfg.Stripe.Currency,
		EvalHour:      cfg.Settlement.EvalHour,
		MaxRetries:    cfg.Settlement.MaxRetries,
		AbandonAfter:  cfg.Settlement.AbandonAfter,
		Workers:       cfg.Settlement.Workers,
	}, log.With("component", "settlement"))

	return a, nil
}

func connectPostgres(cfg *config.Config, log *logger.Logger) (*db.PostgresDB, error) {
	var (
		database *db.PostgresDB
		err      error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		database, err = db.NewPostgresDB(cfg.DB)
		if err == nil {
			return database, nil
		}
		log.Warnw("Failed to connect to database, retrying...", "attempt", i+1, "error", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}

func (a *App) Server() *server.Server {
	return server.NewServer(a.Config.Server.Port, server.Deps{
		Ledgers:      a.Ledgers,
		Payments:     a.Stores,
		Stripe:       a.Stripe,
		Setup:        a.Stripe,
		Notifier:     a.Notifier,
		Gatherer:     a.Registry,
		IngestAPIKey: a.Config.Server.IngestAPIKey,
	}, a.Logger.With("component", "http"))
}

// PushMetrics sends the registry to the configured Pushgateway. It does
// nothing when no gateway is configured.
func (a *App) PushMetrics(ctx context.Context) error {
	url := a.Config.Metrics.PushGatewayURL
	if url == "" {
		return nil
	}
	if err := push.New(url, PushJob).Gatherer(a.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
