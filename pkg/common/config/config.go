package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string

	// Logging
	LogLevel string

	// Database
	DatabaseDriver   string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Task snapshot cache
	CacheBackend string
	CacheTTL     time.Duration

	// Kafka
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaGroupID string

	// Datasets
	ExportDir        string
	SplitPresetsFile string
	ShuffleSeed      uint64
}

var defaults = map[string]any{
	"SERVER_PORT":            "8757",
	"SERVER_HOST":            "0.0.0.0",
	"READ_TIMEOUT":           30 * time.Second,
	"WRITE_TIMEOUT":          60 * time.Second,
	"MAX_REQUEST_BODY_BYTES": 4 * 1024 * 1024,
	"RATE_LIMIT_RPS":         50,
	"RATE_LIMIT_BURST":       100,
	"CORS_ORIGINS":           "*",

	"LOG_LEVEL": "info",

	"DATABASE_DRIVER":   "sqlite",
	"SQLITE_PATH":       "kiln.db",
	"POSTGRES_HOST":     "localhost",
	"POSTGRES_PORT":     "5432",
	"POSTGRES_USER":     "kiln",
	"POSTGRES_PASSWORD": "kiln",
	"POSTGRES_DB":       "kiln",
	"POSTGRES_SSLMODE":  "disable",

	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     "6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"CACHE_BACKEND": "memory",
	"CACHE_TTL":     10 * time.Minute,

	"KAFKA_ENABLED":  false,
	"KAFKA_BROKERS":  "localhost:9092",
	"KAFKA_GROUP_ID": "kiln-export-worker",

	"EXPORT_DIR":         "",
	"SPLIT_PRESETS_FILE": "",
	"SHUFFLE_SEED":       0,
}

// Load reads configuration from the environment, layered over the YAML file
// named by KILN_CONFIG when set.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("KILN_CONFIG"))
}

// LoadFrom reads the given YAML file (optional) with environment overrides.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		ServerPort:     v.GetString("SERVER_PORT"),
		ServerHost:     v.GetString("SERVER_HOST"),
		ReadTimeout:    v.GetDuration("READ_TIMEOUT"),
		WriteTimeout:   v.GetDuration("WRITE_TIMEOUT"),
		MaxRequestBody: v.GetInt64("MAX_REQUEST_BODY_BYTES"),
		RateLimitRPS:   v.GetInt("RATE_LIMIT_RPS"),
		RateLimitBurst: v.GetInt("RATE_LIMIT_BURST"),
		CORSOrigins:    splitList(v.GetString("CORS_ORIGINS")),

		LogLevel: v.GetString("LOG_LEVEL"),

		DatabaseDriver:   strings.ToLower(v.GetString("DATABASE_DRIVER")),
		SQLitePath:       v.GetString("SQLITE_PATH"),
		PostgresHost:     v.GetString("POSTGRES_HOST"),
		PostgresPort:     v.GetString("POSTGRES_PORT"),
		PostgresUser:     v.GetString("POSTGRES_USER"),
		PostgresPassword: v.GetString("POSTGRES_PASSWORD"),
		PostgresDB:       v.GetString("POSTGRES_DB"),
		PostgresSSLMode:  v.GetString("POSTGRES_SSLMODE"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetString("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		CacheBackend: strings.ToLower(v.GetString("CACHE_BACKEND")),
		CacheTTL:     v.GetDuration("CACHE_TTL"),

		KafkaEnabled: v.GetBool("KAFKA_ENABLED"),
		KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
		KafkaGroupID: v.GetString("KAFKA_GROUP_ID"),

		ExportDir:        v.GetString("EXPORT_DIR"),
		SplitPresetsFile: v.GetString("SPLIT_PRESETS_FILE"),
		ShuffleSeed:      v.GetUint64("SHUFFLE_SEED"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.CacheBackend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND %q", c.CacheBackend)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
