package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	TransportLog   = "log"
	TransportAMQP  = "amqp"
	TransportKafka = "kafka"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	StoreDriver string
	SeedFile    string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Kafka       KafkaConfig
	Dispatch    DispatchConfig
	Ingest      IngestConfig
	Validation  ValidationConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL     string
	Migrate bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	ActionsExchange  string
	DLQQueue         string
	PrefetchCount    int
}

// KafkaConfig holds Kafka producer settings
type KafkaConfig struct {
	Brokers      []string
	ActionsTopic string
}

// DispatchConfig selects where fired actions are sent
type DispatchConfig struct {
	Transport string
}

// IngestConfig toggles the RabbitMQ reading consumer
type IngestConfig struct {
	Enabled bool
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "meter-rule-engine"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		SeedFile:    getEnv("METER_SEED_FILE", ""),
		Database: DatabaseConfig{
			URL:     getEnv("DATABASE_URL", ""),
			Migrate: getEnvAsBool("DATABASE_MIGRATE", true),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "meter-rules.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "meter-rules.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.recorded"),
			ActionsExchange:  getEnv("RABBITMQ_ACTIONS_EXCHANGE", "meter-rules.actions.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "meter-rules.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvAsList("KAFKA_BROKERS", nil),
			ActionsTopic: getEnv("KAFKA_ACTIONS_TOPIC", "meter.actions"),
		},
		Dispatch: DispatchConfig{
			Transport: strings.ToLower(getEnv("DISPATCH_TRANSPORT", TransportLog)),
		},
		Ingest: IngestConfig{
			Enabled: getEnvAsBool("INGEST_ENABLED", false),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NeedsRabbitMQ reports whether any component talks to RabbitMQ
func (c *Config) NeedsRabbitMQ() bool {
	return c.Ingest.Enabled || c.Dispatch.Transport == TransportAMQP
}

// validate reports every missing or invalid setting at once
func (c *Config) validate() error {
	var err error

	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required but not set in environment variables"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver))
	}

	switch c.Dispatch.Transport {
	case TransportLog, TransportAMQP:
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			err = multierr.Append(err, fmt.Errorf("KAFKA_BROKERS is required when DISPATCH_TRANSPORT=kafka"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("DISPATCH_TRANSPORT must be one of log, amqp, kafka, got %q", c.Dispatch.Transport))
	}

	if c.NeedsRabbitMQ() && c.RabbitMQ.URL == "" {
		err = multierr.Append(err, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables"))
	}
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
