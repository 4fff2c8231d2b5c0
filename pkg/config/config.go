package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreStripe   = "stripe"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config stores all configuration for the service. Values are read by viper
// from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	StripeSecretKey     string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance    time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	// WebhookIgnoreTolerance disables the signed timestamp check. Replays
	// of captured events are then accepted.
	WebhookIgnoreTolerance bool `mapstructure:"WEBHOOK_IGNORE_TOLERANCE"`

	SMTPHost    string        `mapstructure:"SMTP_HOST"`
	SMTPPort    int           `mapstructure:"SMTP_PORT"`
	SMTPUser    string        `mapstructure:"SMTP_USER"`
	SMTPPass    string        `mapstructure:"SMTP_PASS"`
	SMTPSecure  bool          `mapstructure:"SMTP_SECURE"`
	SMTPTimeout time.Duration `mapstructure:"SMTP_TIMEOUT"`
	FromEmail   string        `mapstructure:"FROM_EMAIL"`

	DefaultCustomerName string `mapstructure:"DEFAULT_CUSTOMER_NAME"`
	ServiceName         string `mapstructure:"SERVICE_NAME"`
	RulesFile           string `mapstructure:"RULES_FILE"`

	CustomerStore     string `mapstructure:"CUSTOMER_STORE"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix    string `mapstructure:"REDIS_KEY_PREFIX"`
	DedupeAtomicClaim bool   `mapstructure:"DEDUPE_ATOMIC_CLAIM"`

	KafkaBootstrapServers string `mapstructure:"KAFKA_BOOTSTRAP_SERVERS"`
	KafkaOutcomesTopic    string `mapstructure:"KAFKA_OUTCOMES_TOPIC"`
	KafkaUsername         string `mapstructure:"KAFKA_USERNAME"`
	KafkaPassword         string `mapstructure:"KAFKA_PASSWORD"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange      string `mapstructure:"RABBITMQ_EXCHANGE"`
}

var keys = []string{
	"SERVER_PORT",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "WEBHOOK_TOLERANCE", "WEBHOOK_IGNORE_TOLERANCE",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "SMTP_SECURE", "SMTP_TIMEOUT", "FROM_EMAIL",
	"DEFAULT_CUSTOMER_NAME", "SERVICE_NAME", "RULES_FILE",
	"CUSTOMER_STORE", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "DEDUPE_ATOMIC_CLAIM",
	"KAFKA_BOOTSTRAP_SERVERS", "KAFKA_OUTCOMES_TOPIC", "KAFKA_USERNAME", "KAFKA_PASSWORD",
	"RABBITMQ_URL", "RABBITMQ_EXCHANGE",
}

// LoadConfig reads configuration from environment variables and validates it.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("WEBHOOK_TOLERANCE", "5m")
	viper.SetDefault("WEBHOOK_IGNORE_TOLERANCE", false)
	viper.SetDefault("SMTP_PORT", 587)
	viper.SetDefault("SMTP_SECURE", false)
	viper.SetDefault("SMTP_TIMEOUT", "15s")
	viper.SetDefault("FROM_EMAIL", "minzei@solvis-group.com")
	viper.SetDefault("CUSTOMER_STORE", StoreStripe)
	viper.SetDefault("REDIS_KEY_PREFIX", "contract-mailer")
	viper.AutomaticEnv()

	// Bind env vars explicitly so they appear in Unmarshal.
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.CustomerStore = strings.ToLower(strings.TrimSpace(cfg.CustomerStore))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.WebhookTolerance <= 0 && !c.WebhookIgnoreTolerance {
		errs = append(errs, errors.New("WEBHOOK_TOLERANCE must be positive; set WEBHOOK_IGNORE_TOLERANCE=true to disable the timestamp check"))
	}
	if c.SMTPHost == "" {
		errs = append(errs, errors.New("SMTP_HOST is required"))
	}

	switch c.CustomerStore {
	case StoreStripe:
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required for CUSTOMER_STORE=stripe"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for CUSTOMER_STORE=postgres"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for CUSTOMER_STORE=redis"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown CUSTOMER_STORE %q", c.CustomerStore))
	}

	if c.KafkaBootstrapServers != "" && c.KafkaOutcomesTopic == "" {
		errs = append(errs, errors.New("KAFKA_OUTCOMES_TOPIC is required when KAFKA_BOOTSTRAP_SERVERS is set"))
	}
	return errors.Join(errs...)
}

// KafkaBrokers splits the comma separated bootstrap list.
func (c *Config) KafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBootstrapServers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
