package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const SearchLimit = 50

// Config is read once at startup; every client (DB, Redis, Pub/Sub) is built
// from it explicitly and passed by reference. No package-level singletons.
type Config struct {
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeSeconds int
	DBConnMaxIdleTimeSeconds int
	DBConnectMaxAttempts     int

	// TxSupported is decided once at startup. Single-node MySQL supports
	// multi-statement transactions; some managed deployments we run against
	// do not, and the posting engine degrades to sequential writes there.
	TxSupported bool

	RedisAddress string

	PubSubProjectID       string
	PaymentTopic          string
	PaymentSubscription   string
	PubSubCredentialsJSON string

	RetrySweepInterval time.Duration
	ReconcileInterval  time.Duration
	LogLevel           string
}

// Load reads .env (if present) and the process environment.
func Load() Config {
	godotenv.Load()

	return Config{
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBName:     os.Getenv("DB_NAME"),

		DBMaxOpenConns:           intFromEnv("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:           intFromEnv("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetimeSeconds: intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300),
		DBConnMaxIdleTimeSeconds: intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60),
		DBConnectMaxAttempts:     intFromEnv("DB_CONNECT_MAX_ATTEMPTS", 10),

		TxSupported: boolFromEnv("DB_TX_SUPPORTED", true),

		RedisAddress: os.Getenv("REDIS_ADDRESS"),

		PubSubProjectID:       pubSubProjectID(),
		PaymentTopic:          envDefault("PAYMENT_EVENTS_TOPIC", "payment-events"),
		PaymentSubscription:   envDefault("PAYMENT_EVENTS_SUBSCRIPTION", "trust-ledger-payment-events"),
		PubSubCredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),

		RetrySweepInterval: durationFromEnv("RETRY_SWEEP_INTERVAL_SECONDS", 60*time.Second),
		ReconcileInterval:  durationFromEnv("RECONCILE_INTERVAL_SECONDS", 24*time.Hour),
		LogLevel:           envDefault("LOG_LEVEL", "info"),
	}
}

func pubSubProjectID() string {
	// Prefer explicit override; Cloud Run often sets GOOGLE_CLOUD_PROJECT.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	n := intFromEnv(key, 0)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
