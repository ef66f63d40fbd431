package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const prefix = "LEDGERPAY_"

type Config struct {
	Storage string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	BusProvider  string
	NatsHost     string
	NatsPort     string
	KafkaBrokers []string
	GRPCHost     string
	GRPCPort     string

	ApiEnabled     string
	ApiPort        string
	GRPCListenPort string

	Currency                string
	RevealPrice             int64
	RevealConversationPrice int64
	RevealStoryPrice        int64
	GiftFeePercent          decimal.Decimal
	SubscriptionPrice       int64
	SubscriptionDays        int
	MinWithdrawal           int64
	WithdrawalFeePercent    decimal.Decimal

	CinetPayAPIKey    string
	CinetPaySiteID    string
	CinetPaySecretKey string
	CinetPayBaseURL   string
	FedaPaySecretKey  string
	FedaPayWebhookKey string
	FedaPayBaseURL    string
	ProviderTimeout   time.Duration
	CallbackBaseURL   string

	JWTSecret string

	ReconcileInterval time.Duration
	OrphanTTL         time.Duration
	StaleAfter        time.Duration
	ProcessingTTL     time.Duration
	CollaboratorURLs  []string

	OtelEndpoint string
}

// New loads and validates configuration from environment variables.
// Redis, the bus, the gRPC listener and telemetry are optional; an empty
// value disables the component.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Storage:        getEnv("STORAGE", "postgres"),
		DBUser:         getEnv("POSTGRES_USER", ""),
		DBPass:         getEnv("POSTGRES_PASSWORD", ""),
		DBHost:         getEnv("POSTGRES_HOST", ""),
		DBPort:         getEnv("POSTGRES_PORT", "5432"),
		DBName:         getEnv("POSTGRES_DB", ""),
		SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
		RedisHost:      getEnv("REDIS_HOST", ""),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		BusProvider:    getEnv("BUS_PROVIDER", "none"),
		NatsHost:       getEnv("NATS_HOST", ""),
		NatsPort:       getEnv("NATS_PORT", "4222"),
		KafkaBrokers:   getEnvList("KAFKA_BROKERS"),
		GRPCHost:       getEnv("GRPC_HOST", ""),
		GRPCPort:       getEnv("GRPC_PORT", ""),
		ApiEnabled:     getEnv("API_ENABLED", "true"),
		ApiPort:        getEnv("API_PORT", "8080"),
		GRPCListenPort: getEnv("GRPC_LISTEN_PORT", ""),

		Currency:                getEnv("CURRENCY", "XOF"),
		RevealPrice:             getEnvInt64("REVEAL_PRICE", 1000),
		RevealConversationPrice: getEnvInt64("REVEAL_CONVERSATION_PRICE", 1500),
		RevealStoryPrice:        getEnvInt64("REVEAL_STORY_PRICE", 500),
		SubscriptionPrice:       getEnvInt64("SUBSCRIPTION_PRICE", 2000),
		SubscriptionDays:        getEnvInt("SUBSCRIPTION_DAYS", 30),
		MinWithdrawal:           getEnvInt64("MIN_WITHDRAWAL", 1000),

		CinetPayAPIKey:    getEnv("CINETPAY_API_KEY", ""),
		CinetPaySiteID:    getEnv("CINETPAY_SITE_ID", ""),
		CinetPaySecretKey: getEnv("CINETPAY_SECRET_KEY", ""),
		CinetPayBaseURL:   getEnv("CINETPAY_BASE_URL", ""),
		FedaPaySecretKey:  getEnv("FEDAPAY_SECRET_KEY", ""),
		FedaPayWebhookKey: getEnv("FEDAPAY_WEBHOOK_SECRET", ""),
		FedaPayBaseURL:    getEnv("FEDAPAY_BASE_URL", ""),
		ProviderTimeout:   getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		CallbackBaseURL:   getEnv("CALLBACK_BASE_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		OrphanTTL:         getEnvDuration("ORPHAN_TTL", 30*time.Minute),
		StaleAfter:        getEnvDuration("STALE_AFTER", 10*time.Minute),
		ProcessingTTL:     getEnvDuration("PROCESSING_TTL", 24*time.Hour),
		CollaboratorURLs:  getEnvList("COLLABORATOR_URLS"),

		OtelEndpoint: getEnv("OTEL_ENDPOINT", ""),
	}

	var err error
	if cfg.GiftFeePercent, err = getEnvDecimal("GIFT_FEE_PERCENT", "5"); err != nil {
		return nil, err
	}
	if cfg.WithdrawalFeePercent, err = getEnvDecimal("WITHDRAWAL_FEE_PERCENT", "0"); err != nil {
		return nil, err
	}

	switch cfg.Storage {
	case "postgres":
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
			return nil, fmt.Errorf("missing required env for database: %sPOSTGRES_USER/HOST/DB", prefix)
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid storage %q, must be 'postgres' or 'memory'", cfg.Storage)
	}

	switch cfg.BusProvider {
	case "none":
	case "nats":
		if cfg.NatsHost == "" {
			return nil, fmt.Errorf("missing required env for nats bus: %sNATS_HOST", prefix)
		}
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("missing required env for kafka bus: %sKAFKA_BROKERS", prefix)
		}
	case "grpc":
		if cfg.GRPCHost == "" || cfg.GRPCPort == "" {
			return nil, fmt.Errorf("missing required env for grpc bus: %sGRPC_HOST/PORT", prefix)
		}
	default:
		return nil, fmt.Errorf("invalid bus provider %q, must be one of nats, kafka, grpc, none", cfg.BusProvider)
	}

	if cfg.JWTSecret == "" && cfg.ApiEnabled == "true" {
		return nil, fmt.Errorf("missing required env: %sJWT_SECRET", prefix)
	}
	if cfg.SubscriptionDays <= 0 {
		return nil, fmt.Errorf("%sSUBSCRIPTION_DAYS must be positive", prefix)
	}
	if cfg.CinetPayAPIKey != "" && (cfg.CinetPaySiteID == "" || cfg.CinetPaySecretKey == "") {
		return nil, fmt.Errorf("missing required env for cinetpay: %sCINETPAY_SITE_ID/SECRET_KEY", prefix)
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr is empty when no cache is configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%s", c.GRPCHost, c.GRPCPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled != "true" {
		return "", fmt.Errorf("HTTP API is disabled (%sAPI_ENABLED != true)", prefix)
	}
	if c.ApiPort == "" {
		return "", fmt.Errorf("%sAPI_PORT is required when %sAPI_ENABLED=true", prefix, prefix)
	}
	return ":" + c.ApiPort, nil
}

// GRPCListenAddr returns the ledger gRPC listen address, or "" when disabled.
func (c *Config) GRPCListenAddr() string {
	if c.GRPCListenPort == "" {
		return ""
	}
	return ":" + c.GRPCListenPort
}

func (c *Config) SubscriptionPeriod() time.Duration {
	return time.Duration(c.SubscriptionDays) * 24 * time.Hour
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(prefix + key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(prefix + key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	val := os.Getenv(prefix + key)
	if val == "" {
		return defaultVal
	}
	var intVal int64
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(prefix + key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvDecimal(key, defaultVal string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultVal))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s%s: %w", prefix, key, err)
	}
	return d, nil
}

func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(prefix+key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
