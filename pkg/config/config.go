// Package config loads ccdispatch's configuration from the environment
// and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Fabric      FabricConfig
	AuditDB     AuditDBConfig
	StatsCache  StatsCacheConfig
	StatsStream StatsStreamConfig
	OpsAlert    OpsAlertConfig
	Discovery   DiscoveryConfig
}

// FabricConfig carries the core fabric's own settings: addresses,
// timeouts, and host identity.
type FabricConfig struct {
	JobServerAddr  string
	WorkerBaseAddr string
	LogAddr        string
	Workers        int
	Hostname       string

	TimeoutClientToServer time.Duration
	TimeoutWorkerToServer time.Duration
	TimeoutToWorker       time.Duration
	TimeoutToLog          time.Duration
	KeepaliveTimeout      time.Duration

	LogLevel string

	// KarmaWeightingEnabled surfaces the otherwise-dormant karma
	// accumulator as a worker-selection weight multiplier. Default off.
	KarmaWeightingEnabled bool
}

func (d AuditDBConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// AuditDBConfig is the append-only audit trail's Postgres connection
// (internal/audit).
type AuditDBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	BatchSize     int
	FlushInterval time.Duration
}

// StatsCacheConfig is the karma mirror's Redis connection
// (internal/karma).
type StatsCacheConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// StatsStreamConfig is the stats-snapshot Kafka producer's connection
// (internal/statsfeed).
type StatsStreamConfig struct {
	Brokers       []string
	Topic         string
	NumPartitions int

	BatchSize    int
	BatchTimeout time.Duration
}

// OpsAlertConfig is the fatal-policy/key-exhaustion email notifier's SMTP
// connection (internal/opsalert).
type OpsAlertConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// DiscoveryConfig controls the optional mDNS advertise/discover path
// (internal/discovery).
type DiscoveryConfig struct {
	Enabled     bool
	ServiceName string
	Domain      string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Fabric: FabricConfig{
			JobServerAddr:  getEnv("JOB_SERVER_ADDR", "localhost:8930"),
			WorkerBaseAddr: getEnv("WORKER_BASE_ADDR", ":8931"),
			LogAddr:        getEnv("LOG_ADDR", ""),
			Workers:        getEnvAsInt("WORKERS", 0), // 0 = auto (num_cpus)
			Hostname:       getEnv("HOSTNAME", defaultHostname()),

			TimeoutClientToServer: getEnvAsDuration("TIMEOUT_CLIENT_TO_SERVER", 10*time.Second),
			TimeoutWorkerToServer: getEnvAsDuration("TIMEOUT_WORKER_TO_SERVER", 10*time.Second),
			TimeoutToWorker:       getEnvAsDuration("TIMEOUT_TO_WORKER", 5*time.Second),
			TimeoutToLog:          getEnvAsDuration("TIMEOUT_TO_LOG", 2*time.Second),
			KeepaliveTimeout:      getEnvAsDuration("KEEPALIVE_TIMEOUT", 25*time.Second),

			LogLevel: getEnv("LOG_LEVEL", "info"),

			KarmaWeightingEnabled: getEnvAsBool("KARMA_WEIGHTING_ENABLED", false),
		},
		AuditDB: AuditDBConfig{
			Host:     getEnv("AUDIT_DB_HOST", "localhost"),
			Port:     getEnvAsInt("AUDIT_DB_PORT", 5432),
			User:     getEnv("AUDIT_DB_USER", "ccdispatch"),
			Password: getEnv("AUDIT_DB_PASSWORD", "ccdispatch"),
			DBName:   getEnv("AUDIT_DB_NAME", "ccdispatch"),
			SSLMode:  getEnv("AUDIT_DB_SSLMODE", "disable"),

			BatchSize:     getEnvAsInt("AUDIT_BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("AUDIT_FLUSH_INTERVAL", 2*time.Second),
		},
		StatsCache: StatsCacheConfig{
			Addr:     getEnv("STATS_CACHE_ADDR", "localhost:6379"),
			Password: getEnv("STATS_CACHE_PASSWORD", ""),
			DB:       getEnvAsInt("STATS_CACHE_DB", 0),
			Timeout:  getEnvAsDuration("STATS_CACHE_TIMEOUT", 2*time.Second),
		},
		StatsStream: StatsStreamConfig{
			Brokers:       strings.Split(getEnv("STATS_STREAM_BROKERS", "localhost:9092"), ","),
			Topic:         getEnv("STATS_STREAM_TOPIC", "ccdispatch.stats"),
			NumPartitions: getEnvAsInt("STATS_STREAM_PARTITIONS", 1),

			BatchSize:    getEnvAsInt("STATS_STREAM_BATCH_SIZE", 50),
			BatchTimeout: getEnvAsDuration("STATS_STREAM_BATCH_TIMEOUT", 200*time.Millisecond),
		},
		OpsAlert: OpsAlertConfig{
			Host:     getEnv("OPSALERT_SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("OPSALERT_SMTP_PORT", 587),
			Username: getEnv("OPSALERT_SMTP_USERNAME", ""),
			Password: getEnv("OPSALERT_SMTP_PASSWORD", ""),
			From:     getEnv("OPSALERT_SMTP_FROM", "ccdispatch@example.com"),
			To:       getEnv("OPSALERT_SMTP_TO", "ops@example.com"),
		},
		Discovery: DiscoveryConfig{
			Enabled:     getEnvAsBool("DISCOVERY_ENABLED", false),
			ServiceName: getEnv("DISCOVERY_SERVICE_NAME", "_pydra._tcp"),
			Domain:      getEnv("DISCOVERY_DOMAIN", "local."),
		},
	}

	return cfg, nil
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
