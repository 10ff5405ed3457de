// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
)

type Config struct {
	Storage struct {
		Backend string
	}
	DB struct {
		Host         string
		Port         string
		User         string
		Password     string
		DBName       string
		SSLMode      string
		MaxOpenConns int
		MaxIdleConns int
		ConnLifetime time.Duration
	}
	Dynamo struct {
		GoalsTable    string
		PaymentsTable string
	}
	Ledger struct {
		Bucket string
		// KeyTemplate must contain {identityId}.
		KeyTemplate string
	}
	Stripe struct {
		SecretKey  string
		WebhookKey string
		Currency   string
	}
	Email struct {
		Region      string
		FromAddress string
		AppURL      string
	}
	Alerts struct {
		TelegramToken string
		ChatID        int64
	}
	Settlement struct {
		DefaultAmount int64
		EvalHour      int
		MaxRetries    int
		AbandonAfter  time.Duration
		Workers       int
	}
	Metrics struct {
		Namespace      string
		PushGatewayURL string
	}
	Server struct {
		Port         string
		IngestAPIKey string
	}
	Log struct {
		Level       string
		Development bool
	}
	ShutdownTimeout time.Duration
}

// Load reads config.{yaml,json} when present, then lets environment variables
// override any key (Stripe.SecretKey <- STRIPE_SECRETKEY).
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.fscreentime")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			if envValue := os.Getenv(envVar); envValue != "" {
				v.Set(key, envValue)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ShutdownTimeout", 10*time.Second)
	v.SetDefault("Storage.Backend", BackendPostgres)

	v.SetDefault("DB.Host", "localhost")
	v.SetDefault("DB.Port", "5432")
	v.SetDefault("DB.User", "postgres")
	v.SetDefault("DB.Password", "postgres")
	v.SetDefault("DB.DBName", "fscreentime")
	v.SetDefault("DB.SSLMode", "disable")
	v.SetDefault("DB.MaxOpenConns", 20)
	v.SetDefault("DB.MaxIdleConns", 10)
	v.SetDefault("DB.ConnLifetime", 5*time.Minute)

	v.SetDefault("Dynamo.GoalsTable", "fscreentime-goals")
	v.SetDefault("Dynamo.PaymentsTable", "fscreentime-payments")

	v.SetDefault("Ledger.Bucket", "fscreentime-data")
	v.SetDefault("Ledger.KeyTemplate", "{identityId}/all.json")

	v.SetDefault("Stripe.SecretKey", "")
	v.SetDefault("Stripe.WebhookKey", "")
	v.SetDefault("Stripe.Currency", "usd")

	v.SetDefault("Email.Region", "ap-southeast-2")
	v.SetDefault("Email.FromAddress", "noreply@fscreentime.app")
	v.SetDefault("Email.AppURL", "https://www.fscreentime.app")

	v.SetDefault("Alerts.TelegramToken", "")
	v.SetDefault("Alerts.ChatID", 0)

	v.SetDefault("Settlement.DefaultAmount", 1000)
	v.SetDefault("Settlement.EvalHour", 9)
	v.SetDefault("Settlement.MaxRetries", 3)
	v.SetDefault("Settlement.AbandonAfter", 72*time.Hour)
	v.SetDefault("Settlement.Workers", 4)

	v.SetDefault("Metrics.Namespace", "fscreentime")
	v.SetDefault("Metrics.PushGatewayURL", "")

	v.SetDefault("Server.Port", "8080")
	v.SetDefault("Server.IngestAPIKey", "")

	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Development", false)
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPostgres, BackendDynamo:
	default:
		return fmt.Errorf("Storage.Backend must be %q or %q, got %q", BackendPostgres, BackendDynamo, c.Storage.Backend)
	}
	if c.Stripe.SecretKey == "" {
		return errors.New("Stripe.SecretKey is required")
	}
	if c.Settlement.EvalHour < 0 || c.Settlement.EvalHour > 23 {
		return fmt.Errorf("Settlement.EvalHour must be within 0-23, got %d", c.Settlement.EvalHour)
	}
	if c.Settlement.Workers < 1 {
		return errors.New("Settlement.Workers must be at least 1")
	}
	if c.Settlement.DefaultAmount <= 0 {
		return errors.New("Settlement.DefaultAmount must be positive")
	}
	if !strings.Contains(c.Ledger.KeyTemplate, "{identityId}") {
		return errors.New("Ledger.KeyTemplate must contain {identityId}")
	}
	return nil
}
