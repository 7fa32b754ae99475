package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// Config carries every tunable the service reads at startup. Values come from
// the environment (optionally seeded by a .env file) with sane defaults for
// local development.
type Config struct {
	Env        string `mapstructure:"APP_ENV"`
	ListenAddr string `mapstructure:"LISTEN_ADDR"`

	DB    DBConfig    `mapstructure:",squash"`
	Redis RedisConfig `mapstructure:",squash"`

	// InternalSecret guards the internal trigger and callback surface.
	InternalSecret string `mapstructure:"INTERNAL_SHARED_SECRET"`

	Telephony TelephonyConfig `mapstructure:",squash"`
	Billing   BillingConfig   `mapstructure:",squash"`
	Notify    NotifyConfig    `mapstructure:",squash"`
	Calls     CallConfig      `mapstructure:",squash"`
	Sweep     SweepConfig     `mapstructure:",squash"`
}

type DBConfig struct {
	Driver string `mapstructure:"DB_DRIVER"`
	DSN    string `mapstructure:"DB_DSN"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"REDIS_ADDR"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
}

type TelephonyConfig struct {
	BaseURL     string `mapstructure:"TELEPHONY_BASE_URL"`
	AccountSID  string `mapstructure:"TELEPHONY_ACCOUNT_SID"`
	AuthToken   string `mapstructure:"TELEPHONY_AUTH_TOKEN"`
	FromNumber  string `mapstructure:"TELEPHONY_FROM_NUMBER"`
	CallbackURL string `mapstructure:"TELEPHONY_CALLBACK_URL"`
}

type BillingConfig struct {
	StripeAPIKey string `mapstructure:"STRIPE_API_KEY"`
}

type NotifyConfig struct {
	BaseURL string `mapstructure:"NOTIFY_BASE_URL"`
	Secret  string `mapstructure:"NOTIFY_SHARED_SECRET"`
}

// CallConfig holds call lifecycle policy knobs.
type CallConfig struct {
	// MinBillableSeconds is the connected-duration floor below which a call
	// is not billed.
	MinBillableSeconds int `mapstructure:"MIN_BILLABLE_SECONDS"`

	// MissedCallThreshold is the consecutive unanswered scheduled-call count
	// that triggers a missed-call notification.
	MissedCallThreshold int `mapstructure:"MISSED_CALL_THRESHOLD"`

	// StaleSessionAfter is how long a session may sit in created/ringing
	// before the reconciliation sweep fails it.
	StaleSessionAfter time.Duration `mapstructure:"STALE_SESSION_AFTER"`
}

// SweepConfig tunes the background scheduler.
type SweepConfig struct {
	Interval          time.Duration `mapstructure:"SWEEP_INTERVAL"`
	DeletionBatchSize int           `mapstructure:"DELETION_BATCH_SIZE"`
	WeeklySummaryCron string        `mapstructure:"WEEKLY_SUMMARY_CRON"`

	// RecordingRetention is how long a call recording is kept before the
	// sweep enqueues it for deletion at the provider.
	RecordingRetention time.Duration `mapstructure:"RECORDING_RETENTION"`
}

func Load() (Config, error) {
	// Best effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_DSN", "host=localhost user=warmline dbname=warmline sslmode=disable")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("TELEPHONY_BASE_URL", "https://api.twilio.com")
	v.SetDefault("MIN_BILLABLE_SECONDS", 30)
	v.SetDefault("MISSED_CALL_THRESHOLD", 3)
	v.SetDefault("STALE_SESSION_AFTER", 30*time.Minute)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("DELETION_BATCH_SIZE", 50)
	v.SetDefault("WEEKLY_SUMMARY_CRON", "0 16 * * MON")
	v.SetDefault("RECORDING_RETENTION", 30*24*time.Hour)

	// AutomaticEnv alone does not populate Unmarshal; bind the known keys.
	for _, key := range []string{
		"APP_ENV", "LISTEN_ADDR", "DB_DRIVER", "DB_DSN",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"INTERNAL_SHARED_SECRET",
		"TELEPHONY_BASE_URL", "TELEPHONY_ACCOUNT_SID", "TELEPHONY_AUTH_TOKEN", "TELEPHONY_FROM_NUMBER", "TELEPHONY_CALLBACK_URL",
		"STRIPE_API_KEY",
		"NOTIFY_BASE_URL", "NOTIFY_SHARED_SECRET",
		"MIN_BILLABLE_SECONDS", "MISSED_CALL_THRESHOLD", "STALE_SESSION_AFTER",
		"SWEEP_INTERVAL", "DELETION_BATCH_SIZE", "WEEKLY_SUMMARY_CRON", "RECORDING_RETENTION",
	} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var Module = fx.Module("config",
	fx.Provide(Load),
)
