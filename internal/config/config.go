package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application. It is loaded once and
// passed by value or pointer into every component; business code never reads
// the environment.
type Config struct {
	Port     string `mapstructure:"PORT"`
	GinMode  string `mapstructure:"GIN_MODE"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	Datastore                        string `mapstructure:"DATASTORE"`
	FirebaseProjectID                string `mapstructure:"FIREBASE_PROJECT_ID"`
	GoogleApplicationCredentials     string `mapstructure:"GOOGLE_APPLICATION_CREDENTIALS"`
	FirebaseServiceAccountJSONBase64 string `mapstructure:"FIREBASE_SERVICE_ACCOUNT_JSON_BASE64"`
	ClientURL                        string `mapstructure:"CLIENT_URL"`

	RevenueCatAPIKey        string        `mapstructure:"REVENUECAT_API_KEY"`
	RevenueCatAPIBaseURL    string        `mapstructure:"REVENUECAT_API_BASE_URL"`
	RevenueCatWebhookSecret string        `mapstructure:"REVENUECAT_WEBHOOK_SECRET"`
	EntitlementCacheTTL     time.Duration `mapstructure:"ENTITLEMENT_CACHE_TTL"`

	EventsSharedSecret string `mapstructure:"EVENTS_SHARED_SECRET"`
	SchedulerSecret    string `mapstructure:"SCHEDULER_SECRET"`
	PlaidWebhookSecret string `mapstructure:"PLAID_WEBHOOK_SECRET"`

	DeviceGateEnabled           bool   `mapstructure:"DEVICE_GATE_ENABLED"`
	DeviceCheckTeamID           string `mapstructure:"DEVICECHECK_TEAM_ID"`
	DeviceCheckKeyID            string `mapstructure:"DEVICECHECK_KEY_ID"`
	DeviceCheckPrivateKeyBase64 string `mapstructure:"DEVICECHECK_PRIVATE_KEY_BASE64"`
	DeviceCheckDevelopment      bool   `mapstructure:"DEVICECHECK_DEVELOPMENT"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	AMQPURL          string `mapstructure:"AMQP_URL"`
	AMQPBillingQueue string `mapstructure:"AMQP_BILLING_QUEUE"`

	SchedulerEnabled        bool          `mapstructure:"SCHEDULER_ENABLED"`
	TierCatalogFile         string        `mapstructure:"TIER_CATALOG_FILE"`
	TransferStrict          bool          `mapstructure:"TRANSFER_STRICT"`
	SoftDeleteRetentionDays int           `mapstructure:"SOFT_DELETE_RETENTION_DAYS"`
	SweepBatchSize          int           `mapstructure:"SWEEP_BATCH_SIZE"`
	HealthCheckInterval     time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL"`
	StaleSyncThreshold      time.Duration `mapstructure:"STALE_SYNC_THRESHOLD"`
}

var keys = []string{
	"PORT", "GIN_MODE", "LOG_LEVEL",
	"DATASTORE", "FIREBASE_PROJECT_ID", "GOOGLE_APPLICATION_CREDENTIALS",
	"FIREBASE_SERVICE_ACCOUNT_JSON_BASE64", "CLIENT_URL",
	"REVENUECAT_API_KEY", "REVENUECAT_API_BASE_URL", "REVENUECAT_WEBHOOK_SECRET", "ENTITLEMENT_CACHE_TTL",
	"EVENTS_SHARED_SECRET", "SCHEDULER_SECRET", "PLAID_WEBHOOK_SECRET",
	"DEVICE_GATE_ENABLED", "DEVICECHECK_TEAM_ID", "DEVICECHECK_KEY_ID",
	"DEVICECHECK_PRIVATE_KEY_BASE64", "DEVICECHECK_DEVELOPMENT",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"AMQP_URL", "AMQP_BILLING_QUEUE",
	"SCHEDULER_ENABLED", "TIER_CATALOG_FILE", "TRANSFER_STRICT", "SOFT_DELETE_RETENTION_DAYS",
	"SWEEP_BATCH_SIZE", "HEALTH_CHECK_INTERVAL", "STALE_SYNC_THRESHOLD",
}

// Datastore backends.
const (
	DatastoreFirestore = "firestore"
	DatastoreMemory    = "memory"
)

// LoadConfig loads configuration from environment variables and an optional
// config file (CONFIG_FILE) using Viper. Outside release mode a local .env
// file is read first.
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("CONFIG_FILE")

	if !strings.EqualFold(v.GetString("GIN_MODE"), "release") {
		// Missing .env is normal in deployed environments.
		_ = godotenv.Load()
	}

	// Set default values
	v.SetDefault("PORT", "8080")
	v.SetDefault("GIN_MODE", "debug")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATASTORE", DatastoreFirestore)
	v.SetDefault("REVENUECAT_API_BASE_URL", "https://api.revenuecat.com")
	v.SetDefault("ENTITLEMENT_CACHE_TTL", 5*time.Minute)
	v.SetDefault("DEVICE_GATE_ENABLED", true)
	v.SetDefault("AMQP_BILLING_QUEUE", "billing-events")
	v.SetDefault("SOFT_DELETE_RETENTION_DAYS", 30)
	v.SetDefault("SWEEP_BATCH_SIZE", 100)
	v.SetDefault("HEALTH_CHECK_INTERVAL", 6*time.Hour)
	v.SetDefault("STALE_SYNC_THRESHOLD", 48*time.Hour)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New("failed to read config file: " + err.Error())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.New("failed to unmarshal config: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields for the selected backends.
func (c *Config) Validate() error {
	switch c.Datastore {
	case DatastoreFirestore:
		if c.FirebaseProjectID == "" {
			return errors.New("FIREBASE_PROJECT_ID is required")
		}
	case DatastoreMemory:
	default:
		return errors.New("DATASTORE must be firestore or memory")
	}
	if c.RevenueCatWebhookSecret == "" {
		return errors.New("REVENUECAT_WEBHOOK_SECRET is required")
	}
	if c.EventsSharedSecret == "" {
		return errors.New("EVENTS_SHARED_SECRET is required")
	}
	if c.SoftDeleteRetentionDays <= 0 {
		return errors.New("SOFT_DELETE_RETENTION_DAYS must be positive")
	}
	if c.SweepBatchSize <= 0 || c.SweepBatchSize > 500 {
		return errors.New("SWEEP_BATCH_SIZE must be between 1 and 500")
	}
	if c.DeviceGateEnabled && c.DeviceCheckKeyID != "" {
		if c.DeviceCheckTeamID == "" || c.DeviceCheckPrivateKeyBase64 == "" {
			return errors.New("DEVICECHECK_TEAM_ID and DEVICECHECK_PRIVATE_KEY_BASE64 are required with DEVICECHECK_KEY_ID")
		}
	}
	return nil
}

// Retention returns the soft-delete recovery window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.SoftDeleteRetentionDays) * 24 * time.Hour
}
