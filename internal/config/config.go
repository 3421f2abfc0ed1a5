// Package config loads process configuration from a .env file and the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Queue    QueueConfig
	SMS      SMSConfig
	Utility  UtilityConfig
	Kafka    KafkaConfig
	JWT      JWTConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type LedgerConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	LedgerID        string
	Currency        string
	SystemBalanceID string
}

// QueueConfig controls the settlement pipeline. Enabled=false runs every
// component without a job queue.
type QueueConfig struct {
	Enabled     bool
	Backend     string // "redis" or "memory"
	Prefix      string
	Concurrency map[string]int
}

type SMSConfig struct {
	BaseURL  string
	Username string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

type UtilityConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type JWTConfig struct {
	SecretKey string
}

type LoggingConfig struct {
	Level       string
	Development bool
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.request_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "retailpay")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("ledger.base_url", "http://localhost:5001")
	viper.SetDefault("ledger.timeout", 10*time.Second)
	viper.SetDefault("ledger.currency", "UGX")

	viper.SetDefault("queue.enabled", true)
	viper.SetDefault("queue.backend", "redis")
	viper.SetDefault("queue.prefix", "retailpay")
	viper.SetDefault("queue.concurrency.payments", 10)
	viper.SetDefault("queue.concurrency.sms", 5)
	viper.SetDefault("queue.concurrency.loans", 3)
	viper.SetDefault("queue.concurrency.gas", 5)
	viper.SetDefault("queue.concurrency.credit", 3)

	viper.SetDefault("sms.sender_id", "RETAILPAY")
	viper.SetDefault("sms.timeout", 10*time.Second)
	viper.SetDefault("utility.timeout", 20*time.Second)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", "localhost:9092")
	viper.SetDefault("kafka.topic", "credit-orders")
	viper.SetDefault("kafka.group_id", "retailpay-credit")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)
}

func bindEnv() {
	for key, env := range map[string]string{
		"server.port":                "PORT",
		"database.host":              "DATABASE_HOST",
		"database.port":              "DATABASE_PORT",
		"database.user":              "DATABASE_USER",
		"database.password":          "DATABASE_PASSWORD",
		"database.name":              "DATABASE_NAME",
		"database.ssl_mode":          "DATABASE_SSL_MODE",
		"redis.host":                 "REDIS_HOST",
		"redis.port":                 "REDIS_PORT",
		"redis.password":             "REDIS_PASSWORD",
		"redis.db":                   "REDIS_DB",
		"ledger.base_url":            "LEDGER_BASE_URL",
		"ledger.api_key":             "LEDGER_API_KEY",
		"ledger.timeout":             "LEDGER_TIMEOUT",
		"ledger.ledger_id":           "LEDGER_ID",
		"ledger.currency":            "LEDGER_CURRENCY",
		"ledger.system_balance_id":   "LEDGER_SYSTEM_BALANCE_ID",
		"queue.enabled":              "QUEUE_ENABLED",
		"queue.backend":              "QUEUE_BACKEND",
		"queue.prefix":               "QUEUE_PREFIX",
		"queue.concurrency.payments": "QUEUE_PAYMENTS_CONCURRENCY",
		"queue.concurrency.sms":      "QUEUE_SMS_CONCURRENCY",
		"queue.concurrency.loans":    "QUEUE_LOANS_CONCURRENCY",
		"queue.concurrency.gas":      "QUEUE_GAS_CONCURRENCY",
		"queue.concurrency.credit":   "QUEUE_CREDIT_CONCURRENCY",
		"sms.base_url":               "SMS_BASE_URL",
		"sms.username":               "SMS_USERNAME",
		"sms.api_key":                "SMS_API_KEY",
		"sms.sender_id":              "SMS_SENDER_ID",
		"utility.base_url":           "UTILITY_BASE_URL",
		"utility.api_key":            "UTILITY_API_KEY",
		"kafka.enabled":              "KAFKA_ENABLED",
		"kafka.brokers":              "KAFKA_BROKERS",
		"kafka.topic":                "KAFKA_CREDIT_TOPIC",
		"kafka.group_id":             "KAFKA_GROUP_ID",
		"jwt.secret_key":             "JWT_SECRET_KEY",
		"logging.level":              "LOG_LEVEL",
		"logging.development":        "LOG_DEVELOPMENT",
	} {
		viper.BindEnv(key, env)
	}
}

// Load reads .env (when present) and the environment into a Config.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	setDefaults()
	bindEnv()
	_ = viper.ReadInConfig()

	return &Config{
		Server: ServerConfig{
			Port:            viper.GetString("server.port"),
			ReadTimeout:     viper.GetDuration("server.read_timeout"),
			WriteTimeout:    viper.GetDuration("server.write_timeout"),
			RequestTimeout:  viper.GetDuration("server.request_timeout"),
			ShutdownTimeout: viper.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Host:            viper.GetString("database.host"),
			Port:            viper.GetString("database.port"),
			User:            viper.GetString("database.user"),
			Password:        viper.GetString("database.password"),
			Name:            viper.GetString("database.name"),
			SSLMode:         viper.GetString("database.ssl_mode"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetString("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Ledger: LedgerConfig{
			BaseURL:         viper.GetString("ledger.base_url"),
			APIKey:          viper.GetString("ledger.api_key"),
			Timeout:         viper.GetDuration("ledger.timeout"),
			LedgerID:        viper.GetString("ledger.ledger_id"),
			Currency:        viper.GetString("ledger.currency"),
			SystemBalanceID: viper.GetString("ledger.system_balance_id"),
		},
		Queue: QueueConfig{
			Enabled: viper.GetBool("queue.enabled"),
			Backend: viper.GetString("queue.backend"),
			Prefix:  viper.GetString("queue.prefix"),
			Concurrency: map[string]int{
				"payments": viper.GetInt("queue.concurrency.payments"),
				"sms":      viper.GetInt("queue.concurrency.sms"),
				"loans":    viper.GetInt("queue.concurrency.loans"),
				"gas":      viper.GetInt("queue.concurrency.gas"),
				"credit":   viper.GetInt("queue.concurrency.credit"),
			},
		},
		SMS: SMSConfig{
			BaseURL:  viper.GetString("sms.base_url"),
			Username: viper.GetString("sms.username"),
			APIKey:   viper.GetString("sms.api_key"),
			SenderID: viper.GetString("sms.sender_id"),
			Timeout:  viper.GetDuration("sms.timeout"),
		},
		Utility: UtilityConfig{
			BaseURL: viper.GetString("utility.base_url"),
			APIKey:  viper.GetString("utility.api_key"),
			Timeout: viper.GetDuration("utility.timeout"),
		},
		Kafka: KafkaConfig{
			Enabled: viper.GetBool("kafka.enabled"),
			Brokers: splitList(viper.GetString("kafka.brokers")),
			Topic:   viper.GetString("kafka.topic"),
			GroupID: viper.GetString("kafka.group_id"),
		},
		JWT: JWTConfig{
			SecretKey: viper.GetString("jwt.secret_key"),
		},
		Logging: LoggingConfig{
			Level:       viper.GetString("logging.level"),
			Development: viper.GetBool("logging.development"),
		},
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
